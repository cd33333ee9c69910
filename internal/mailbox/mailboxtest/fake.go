// Package mailboxtest provides a scripted mailbox.Provider for tests.
package mailboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/registrar/internal/mailbox"
)

// Provider is an in-memory mailbox.Provider. Behaviour is scripted through
// its exported fields; call counters are recorded under mu.
type Provider struct {
	mu sync.Mutex

	// CreateErrs are returned by successive CreateAccount calls; a nil entry
	// or running past the end yields a fresh mailbox.
	CreateErrs []error
	// ListFunc, when set, answers ListMessages. call is 1-based per mailbox.
	ListFunc func(mb mailbox.Mailbox, call int) ([]mailbox.MessageSummary, error)
	// Messages is the default listing when ListFunc is nil.
	Messages []mailbox.MessageSummary
	Bodies   map[string]mailbox.MessageBody
	// FetchErrs makes FetchMessage fail for specific message IDs.
	FetchErrs map[string]error

	Created     []mailbox.Mailbox
	CreateCalls int
	FetchCalls  int
	listCalls   map[string]int
}

var _ mailbox.Provider = (*Provider)(nil)

// CreateAccount returns a mailbox at <hint>@mail.test or the next scripted error.
func (p *Provider) CreateAccount(ctx context.Context, usernameHint string) (mailbox.Mailbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return mailbox.Mailbox{}, err
	}
	idx := p.CreateCalls
	p.CreateCalls++
	if idx < len(p.CreateErrs) && p.CreateErrs[idx] != nil {
		return mailbox.Mailbox{}, p.CreateErrs[idx]
	}
	if usernameHint == "" {
		usernameHint = fmt.Sprintf("box%d", idx+1)
	}
	mb := mailbox.Mailbox{
		Address:     usernameHint + "@mail.test",
		AccessToken: fmt.Sprintf("token-%d", idx+1),
		ID:          fmt.Sprintf("acc-%d", idx+1),
		Provider:    "fake",
	}
	p.Created = append(p.Created, mb)
	return mb, nil
}

// ListMessages consults ListFunc or returns Messages.
func (p *Provider) ListMessages(ctx context.Context, mb mailbox.Mailbox) ([]mailbox.MessageSummary, error) {
	p.mu.Lock()
	if p.listCalls == nil {
		p.listCalls = make(map[string]int)
	}
	p.listCalls[mb.Address]++
	call := p.listCalls[mb.Address]
	fn, msgs := p.ListFunc, p.Messages
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(mb, call)
	}
	return msgs, nil
}

// FetchMessage returns Bodies[id] or FetchErrs[id].
func (p *Provider) FetchMessage(ctx context.Context, mb mailbox.Mailbox, id string) (mailbox.MessageBody, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FetchCalls++
	if err := p.FetchErrs[id]; err != nil {
		return mailbox.MessageBody{}, err
	}
	body, ok := p.Bodies[id]
	if !ok {
		return mailbox.MessageBody{}, fmt.Errorf("message %q not found", id)
	}
	return body, nil
}

// ListCalls reports how many times the given address was listed.
func (p *Provider) ListCalls(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls[address]
}

// TotalListCalls reports list calls across all mailboxes.
func (p *Provider) TotalListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.listCalls {
		n += c
	}
	return n
}
