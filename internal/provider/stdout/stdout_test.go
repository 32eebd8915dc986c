package stdout

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/provider"
)

func TestSend_PrintsMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From:      "clinic@example.com",
		To:        []string{"lab@example.com", "backup@example.com"},
		Subject:   "Novo Scan - Maria Silva",
		TextBody:  "Paciente: Maria Silva\n",
		HtmlBody:  "<p>ignored</p>",
		MessageID: "<abc@example.com>",
		Attachments: []email.Attachment{
			{Filename: "frontal.jpg", ContentType: "image/jpeg", Content: make([]byte, 2048)},
		},
	}

	id, err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "<abc@example.com>" {
		t.Errorf("id: got %q", id)
	}

	output := buf.String()
	for _, want := range []string{
		"Message-ID: <abc@example.com>\n",
		"From: clinic@example.com\n",
		"To: lab@example.com, backup@example.com\n",
		"Subject: Novo Scan - Maria Silva\n",
		"Body:\nPaciente: Maria Silva\nAttachments:\n",
		"  - frontal.jpg (image/jpeg, 2.0 KB)\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "ignored") {
		t.Error("HTML body printed although a text body exists")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be wrapped in separator lines")
	}
}

func TestSend_HTMLFallbackAndGeneratedID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	id, err := NewWithWriter(&buf).Send(context.Background(), &email.Email{
		From:     "clinic@example.com",
		To:       []string{"lab@example.com"},
		HtmlBody: "<p>only html</p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !regexp.MustCompile(`^<[0-9a-f-]{36}@example\.com>$`).MatchString(id) {
		t.Errorf("generated id: got %q", id)
	}
	if !strings.Contains(buf.String(), "<p>only html</p>") {
		t.Error("output missing HTML body")
	}
	if strings.Contains(buf.String(), "Attachments:") {
		t.Error("output should not list attachments when there are none")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	_, err := NewWithWriter(failingWriter{}).Send(context.Background(), &email.Email{})
	var connErr *provider.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectionError", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want stdout", got)
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{5242880, "5.0 MB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
