package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/shineum/scan-intake/internal/email"
)

// Inbox is an in-memory Provider that records every delivered message.
// Setting Reject makes every delivery fail with that error.
type Inbox struct {
	mu       sync.Mutex
	messages []*email.Email
	reject   error
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Send records msg and returns its Message-ID, or a generated one.
func (i *Inbox) Send(_ context.Context, msg *email.Email) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.reject != nil {
		return "", i.reject
	}
	i.messages = append(i.messages, msg)
	if msg.MessageID != "" {
		return msg.MessageID, nil
	}
	return fmt.Sprintf("<inbox-%d@localhost>", len(i.messages)), nil
}

// Name returns the provider name.
func (i *Inbox) Name() string {
	return "inbox"
}

// Reject makes subsequent deliveries fail with err. A nil err accepts again.
func (i *Inbox) Reject(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reject = err
}

// Messages returns a snapshot of the delivered messages.
func (i *Inbox) Messages() []*email.Email {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*email.Email(nil), i.messages...)
}
