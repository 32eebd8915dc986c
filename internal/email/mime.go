package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// defaultAttachmentType is used when an attachment carries no content type.
const defaultAttachmentType = "application/octet-stream"

// WriteTo serializes the message as a multipart/mixed MIME document: a
// multipart/alternative text+html body followed by one part per attachment.
func (e *Email) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: e.From}})
	to := make([]*mail.Address, 0, len(e.To))
	for _, addr := range e.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(e.Subject)
	if e.MessageID != "" {
		h.SetMessageID(strings.Trim(e.MessageID, "<>"))
	}

	mw, err := mail.CreateWriter(cw, h)
	if err != nil {
		return cw.n, fmt.Errorf("failed to create mail writer: %w", err)
	}

	if err := e.writeBody(mw); err != nil {
		return cw.n, err
	}

	for _, att := range e.Attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = defaultAttachmentType
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(att.Filename)

		part, err := mw.CreateAttachment(ah)
		if err != nil {
			return cw.n, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write(att.Content); err != nil {
			return cw.n, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := part.Close(); err != nil {
			return cw.n, fmt.Errorf("failed to close attachment part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return cw.n, fmt.Errorf("failed to close mail writer: %w", err)
	}
	return cw.n, nil
}

// Bytes returns the serialized MIME message.
func (e *Email) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Email) writeBody(mw *mail.Writer) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}

	bodies := []struct {
		contentType string
		content     string
	}{
		{"text/plain", e.TextBody},
		{"text/html", e.HtmlBody},
	}
	for _, body := range bodies {
		if body.content == "" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(body.contentType, map[string]string{"charset": "utf-8"})
		part, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", body.contentType, err)
		}
		if _, err := io.WriteString(part, body.content); err != nil {
			return fmt.Errorf("failed to write %s part: %w", body.contentType, err)
		}
		if err := part.Close(); err != nil {
			return fmt.Errorf("failed to close %s part: %w", body.contentType, err)
		}
	}

	return iw.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
