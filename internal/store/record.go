// Package store persists successful registrations.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const fieldSep = ":"

// Record is one successful registration. APIKey is empty when the
// credential could not be extracted.
type Record struct {
	Email    string
	Password string
	APIKey   string
}

// String renders the accounts log line: email:password or
// email:password:api_key.
func (r Record) String() string {
	if r.APIKey == "" {
		return r.Email + fieldSep + r.Password
	}
	return r.Email + fieldSep + r.Password + fieldSep + r.APIKey
}

// Validate rejects records whose String form would not parse back.
func (r Record) Validate() error {
	fields := []struct{ name, value string }{
		{"email", r.Email},
		{"password", r.Password},
		{"api_key", r.APIKey},
	}
	for _, f := range fields {
		if strings.ContainsAny(f.value, fieldSep+"\r\n") {
			return fmt.Errorf("record %s contains a separator or newline", f.name)
		}
	}
	if r.Email == "" || r.Password == "" {
		return errors.New("record requires email and password")
	}
	return nil
}

// ParseRecord parses one accounts log line. It accepts exactly two or three
// non-empty fields.
func ParseRecord(line string) (Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), fieldSep)
	if len(fields) != 2 && len(fields) != 3 {
		return Record{}, fmt.Errorf("expected 2 or 3 fields, got %d", len(fields))
	}
	for i, f := range fields {
		if f == "" {
			return Record{}, fmt.Errorf("field %d is empty", i+1)
		}
	}
	r := Record{Email: fields[0], Password: fields[1]}
	if len(fields) == 3 {
		r.APIKey = fields[2]
	}
	return r, nil
}

// LineError reports a malformed line in an accounts log.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// ReadRecords parses every non-blank line of an accounts log. Malformed
// lines are returned separately so a summary can still be shown.
func ReadRecords(r io.Reader) ([]Record, []*LineError, error) {
	var (
		records []Record
		bad     []*LineError
	)
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			bad = append(bad, &LineError{Line: n, Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, bad, fmt.Errorf("read accounts log: %w", err)
	}
	return records, bad, nil
}
