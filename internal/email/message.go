// Package email defines the outbound message model shared by the composer,
// the delivery providers, and the capture relay.
package email

import "strings"

// Email represents a composed (or received) message with all its components.
type Email struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	// MessageID is the RFC 5322 Message-ID including angle brackets.
	MessageID string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Size returns the total number of attachment bytes carried by the message.
func (e *Email) Size() int {
	total := 0
	for _, att := range e.Attachments {
		total += len(att.Content)
	}
	return total
}

// Domain returns the domain part of an address, or "localhost" when the
// address has none.
func Domain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return "localhost"
	}
	return strings.Trim(address[at+1:], "> ")
}
