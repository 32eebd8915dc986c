// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/provider"
)

const providerName = "ses"

// credentialErrorCodes are API error codes meaning SES refused the caller,
// not the message.
var credentialErrorCodes = map[string]bool{
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"InvalidSignatureException":   true,
	"SignatureDoesNotMatch":       true,
	"AccessDeniedException":       true,
	"ExpiredTokenException":       true,
}

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *Provider {
	return &Provider{client: client}
}

// Send delivers the message as a raw MIME document so the Message-ID and
// both bodies survive. It returns the SES message ID.
func (s *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return "", fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", classify(ctx, err)
	}

	id := aws.ToString(out.MessageId)
	slog.Debug("SES accepted message",
		"ses_message_id", id,
		"message_id", msg.MessageID,
		"bytes", len(raw),
	)
	if id == "" {
		id = msg.MessageID
	}
	return id, nil
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return providerName
}

// classify maps an SES failure. API errors other than credential problems
// are rejections of the message; transport failures are connection errors.
func classify(ctx context.Context, err error) error {
	var apiErr smithy.APIError
	if ctx.Err() == nil && errors.As(err, &apiErr) && !credentialErrorCodes[apiErr.ErrorCode()] {
		code := 0
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			code = respErr.HTTPStatusCode()
		}
		return &provider.RejectedError{Provider: providerName, Code: code, Err: err}
	}
	return &provider.ConnectionError{Provider: providerName, Err: err}
}

var _ provider.Provider = (*Provider)(nil)
