// Package mailbox talks to disposable-mailbox providers.
package mailbox

import (
	"context"
	"time"
)

// Provider creates throwaway inboxes and reads what arrives in them.
// Implementations must be safe to reuse across attempts.
type Provider interface {
	// CreateAccount allocates a new inbox. usernameHint is a preferred local
	// part; providers may ignore it.
	CreateAccount(ctx context.Context, usernameHint string) (Mailbox, error)
	// ListMessages returns the current inbox listing, newest first if the
	// provider orders them.
	ListMessages(ctx context.Context, mb Mailbox) ([]MessageSummary, error)
	// FetchMessage returns one message with its bodies.
	FetchMessage(ctx context.Context, mb Mailbox, id string) (MessageBody, error)
}

// Mailbox identifies an inbox created by a Provider.
type Mailbox struct {
	Address     string
	AccessToken string
	ID          string
	Provider    string
	// ExpiresAt is zero when the provider did not say.
	ExpiresAt time.Time
}

// Expired reports whether the inbox credentials have lapsed at now.
func (m Mailbox) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// MessageSummary is one row of an inbox listing.
type MessageSummary struct {
	ID          string
	FromAddress string
	FromName    string
	Subject     string
	ReceivedAt  time.Time
}

// MessageBody is a fetched message.
type MessageBody struct {
	ID          string
	FromAddress string
	Subject     string
	Text        string
	HTML        string
}
