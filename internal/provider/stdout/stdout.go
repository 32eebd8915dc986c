// Package stdout implements a Provider that prints messages instead of
// delivering them. It is meant for local runs without a relay.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/provider"
)

const separator = "========================================\n"

// Provider prints each message in a human-readable block.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints msg and returns its Message-ID, generating one when empty.
func (p *Provider) Send(_ context.Context, msg *email.Email) (string, error) {
	id := msg.MessageID
	if id == "" {
		id = "<" + uuid.NewString() + "@" + email.Domain(msg.From) + ">"
	}

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "Message-ID: %s\n", id)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(strings.TrimRight(body, "\n") + "\n")

	if len(msg.Attachments) > 0 {
		b.WriteString("Attachments:\n")
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "  - %s (%s, %s)\n", att.Filename, att.ContentType, formatSize(len(att.Content)))
		}
	}
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return "", &provider.ConnectionError{Provider: p.Name(), Err: err}
	}
	return id, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

var _ provider.Provider = (*Provider)(nil)
