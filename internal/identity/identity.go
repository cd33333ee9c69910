// Package identity generates the throwaway credentials used for one attempt.
package identity

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	alnumChars  = lowerChars + upperChars + digitChars
	symbolChars = "!@#$%^&*()_+-=[]{}|;,.<>?"

	MinUsernameLength = 8
	MaxUsernameLength = 16
	MinPasswordLength = 16
)

// Identity is the set of credentials typed into the target site. Email is
// filled in from the mailbox once one exists.
type Identity struct {
	Username string
	Email    string
	Password string
}

// Generator produces usernames and passwords from a cryptographic source.
type Generator struct {
	src            io.Reader
	passwordLength int
}

// NewGenerator returns a Generator reading from crypto/rand. Lengths below
// MinPasswordLength are raised to it.
func NewGenerator(passwordLength int) *Generator {
	return newGenerator(rand.Reader, passwordLength)
}

func newGenerator(src io.Reader, passwordLength int) *Generator {
	if passwordLength < MinPasswordLength {
		passwordLength = MinPasswordLength
	}
	return &Generator{src: src, passwordLength: passwordLength}
}

// New generates a username and password. Email is left empty.
func (g *Generator) New() (Identity, error) {
	username, err := g.Username()
	if err != nil {
		return Identity{}, err
	}
	password, err := g.Password()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Username: username, Password: password}, nil
}

// Username returns 8 to 16 ASCII letters and digits, starting with a letter.
func (g *Generator) Username() (string, error) {
	n, err := g.intn(MaxUsernameLength - MinUsernameLength + 1)
	if err != nil {
		return "", err
	}
	length := MinUsernameLength + n

	out := make([]byte, 0, length)
	first, err := g.pick(lowerChars)
	if err != nil {
		return "", err
	}
	out = append(out, first)
	for len(out) < length {
		c, err := g.pick(lowerChars + digitChars)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	return string(out), nil
}

// Password returns a password with at least one upper, lower, digit and
// symbol. The symbol set has no ':' so records stay splittable.
func (g *Generator) Password() (string, error) {
	password := make([]byte, 0, g.passwordLength)
	for _, set := range []string{upperChars, lowerChars, digitChars, symbolChars} {
		c, err := g.pick(set)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}
	for len(password) < g.passwordLength {
		c, err := g.pick(alnumChars + symbolChars)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}

	// Fisher-Yates so the mandatory characters are not always in front.
	for i := len(password) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure during shuffle: %w", err)
		}
		password[i], password[j] = password[j], password[i]
	}
	return string(password), nil
}

func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.src, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand failure: %w", err)
	}
	return int(v.Int64()), nil
}

func (g *Generator) pick(charset string) (byte, error) {
	i, err := g.intn(len(charset))
	if err != nil {
		return 0, err
	}
	return charset[i], nil
}
