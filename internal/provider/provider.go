// Package provider defines the interface for email delivery backends and the
// errors they report.
package provider

import (
	"context"
	"fmt"

	"github.com/shineum/scan-intake/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider makes a single delivery attempt per call.
type Provider interface {
	// Send delivers an email message through this provider and returns a
	// delivery identifier (a Message-ID or the backend's own message ID).
	Send(ctx context.Context, msg *email.Email) (string, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Verifier is implemented by providers that support a pre-flight
// connection check.
type Verifier interface {
	Verify(ctx context.Context) error
}

// ConnectionError reports that the backend could not be reached or refused
// the credentials. Nothing was sent.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RejectedError reports that the backend was reached but refused the
// message. Code is the SMTP or HTTP status when known.
type RejectedError struct {
	Provider string
	Code     int
	Err      error
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: message rejected (%d): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: message rejected: %v", e.Provider, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}
