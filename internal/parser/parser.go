// Package parser turns raw RFC 5322 messages back into email.Email values.
// The capture relay uses it to inspect what a provider actually sent.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/shineum/scan-intake/internal/email"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Parse parses a raw message. The first text/plain and text/html inline
// parts become the bodies; every part with an attachment disposition
// becomes an Attachment. Nested multiparts are walked depth first.
func Parse(raw []byte) (*email.Email, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer reader.Close()

	result := &email.Email{
		RawHeaders: make(map[string][]string),
		MessageID:  strings.TrimSpace(reader.Header.Get("Message-Id")),
	}

	fields := reader.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		result.RawHeaders[key] = append(result.RawHeaders[key], fields.Value())
	}

	if subject, err := reader.Header.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = reader.Header.Get("Subject")
	}
	if from := addresses(&reader.Header, "From"); len(from) > 0 {
		result.From = from[0]
	}
	result.To = addresses(&reader.Header, "To")

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}
		if part == nil {
			continue
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			if err := readInline(part, header, result); err != nil {
				return nil, err
			}
		case *mail.AttachmentHeader:
			att, err := readAttachment(part, header)
			if err != nil {
				return nil, err
			}
			result.Attachments = append(result.Attachments, att)
		}
	}

	return result, nil
}

func readInline(part *mail.Part, header *mail.InlineHeader, result *email.Email) error {
	mediaType, params, err := header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	body, err := io.ReadAll(part.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s part: %w", mediaType, err)
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(body)
		}
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(body)
		}
	default:
		// Inline binary parts with a name are still files.
		if name := params["name"]; name != "" {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    name,
				ContentType: mediaType,
				Content:     body,
			})
			return nil
		}
		slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
	}
	return nil
}

func readAttachment(part *mail.Part, header *mail.AttachmentHeader) (email.Attachment, error) {
	mediaType, params, err := header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	filename, _ := header.Filename()
	if filename == "" {
		filename = params["name"]
	}
	if filename == "" {
		filename = fallbackFilename(mediaType)
	}

	return email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	}, nil
}

// fallbackFilename names an unnamed attachment after its subtype.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addresses returns the bare addresses of an address-list header. Unparseable
// lists fall back to a comma split.
func addresses(h *mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err == nil {
		if len(list) == 0 {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, addr := range list {
			out = append(out, addr.Address)
		}
		return out
	}

	var out []string
	for _, p := range strings.Split(h.Get(key), ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
