// internal/failure/failure.go
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that phase boundaries can decide between
// retrying, aborting the attempt, or warning and continuing.
type Kind int

const (
	Unknown Kind = iota
	TransientNetwork
	RateLimited
	NoDomainAvailable
	ElementNotFound
	VerificationTimeout
	CredentialNotFound
	SessionClosed
	ResourceRelease
	Persistence
	Panic
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	TransientNetwork:    "transient_network",
	RateLimited:         "rate_limited",
	NoDomainAvailable:   "no_domain_available",
	ElementNotFound:     "element_not_found",
	VerificationTimeout: "verification_timeout",
	CredentialNotFound:  "credential_not_found",
	SessionClosed:       "session_closed",
	ResourceRelease:     "resource_release",
	Persistence:         "persistence",
	Panic:               "panic",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against another *Error of the same Kind with no Op,
// which lets callers write errors.Is(err, &failure.Error{Kind: failure.RateLimited}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
