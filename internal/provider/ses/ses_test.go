package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-0001")}, nil
}

func failWith(err error) func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
	return func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
		return nil, err
	}
}

func scanMessage() *email.Email {
	return &email.Email{
		From:      "clinic@example.com",
		To:        []string{"lab@example.com"},
		Subject:   "Novo Scan - Maria Silva",
		TextBody:  "Paciente: Maria Silva",
		HtmlBody:  "<p>Paciente: Maria Silva</p>",
		MessageID: "<msg-123@example.com>",
		Attachments: []email.Attachment{
			{Filename: "frontal.jpg", ContentType: "image/jpeg", Content: []byte{0xff, 0xd8}},
		},
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := NewWithClient(&mockSESClient{}).Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_RawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	id, err := p.Send(context.Background(), scanMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ses-0001" {
		t.Errorf("id: got %q, want %q", id, "ses-0001")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "clinic@example.com" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if len(input.Destination.ToAddresses) != 1 || input.Destination.ToAddresses[0] != "lab@example.com" {
		t.Errorf("ToAddresses: got %v", input.Destination.ToAddresses)
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content")
	}
	if input.Content.Raw == nil {
		t.Fatal("expected raw content")
	}

	raw := string(input.Content.Raw.Data)
	for _, want := range []string{
		"Message-Id: <msg-123@example.com>",
		"multipart/mixed",
		"text/plain",
		"text/html",
		"frontal.jpg",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestSend_EmptyMessageIDFallsBack(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return &sesv2.SendEmailOutput{}, nil
		},
	}

	id, err := NewWithClient(mock).Send(context.Background(), scanMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "<msg-123@example.com>" {
		t.Errorf("id: got %q, want the Message-ID", id)
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantRejected bool
	}{
		{
			name:         "message rejected",
			err:          &types.MessageRejected{Message: aws.String("Email address is not verified.")},
			wantRejected: true,
		},
		{
			name:         "generic API error",
			err:          &smithy.GenericAPIError{Code: "BadRequestException", Message: "bad"},
			wantRejected: true,
		},
		{
			name: "invalid credentials",
			err:  &smithy.GenericAPIError{Code: "UnrecognizedClientException", Message: "bad token"},
		},
		{
			name: "network failure",
			err:  errors.New("dial tcp: connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewWithClient(&mockSESClient{sendFn: failWith(tt.err)})
			_, err := p.Send(context.Background(), scanMessage())

			var rejected *provider.RejectedError
			var connErr *provider.ConnectionError
			switch {
			case tt.wantRejected && !errors.As(err, &rejected):
				t.Errorf("got %v, want RejectedError", err)
			case !tt.wantRejected && !errors.As(err, &connErr):
				t.Errorf("got %v, want ConnectionError", err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error chain lost the cause: %v", err)
			}
		})
	}
}

func TestSend_SingleAttempt(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{sendFn: failWith(errors.New("transient"))}
	if _, err := NewWithClient(mock).Send(context.Background(), scanMessage()); err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, _ *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.OperationError{ServiceID: "SESv2", OperationName: "SendEmail", Err: ctx.Err()}
		},
	}

	_, err := NewWithClient(mock).Send(ctx, scanMessage())
	var connErr *provider.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectionError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled in chain", err)
	}
}
