package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/provider"
)

const (
	providerName   = "msgraph"
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Provider sends emails via the Graph sendMail endpoint using OAuth2 client
// credentials. The sending mailbox is the message's From address.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a Provider for the given tenant.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	client := &http.Client{Timeout: defaultTimeout}
	return newWithOverrides(cfg, defaultBaseURL, tokenURL, client)
}

// newWithOverrides creates a Provider with custom URLs and HTTP client.
func newWithOverrides(cfg Config, baseURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return providerName
}

// Send makes one sendMail request and returns the message's Message-ID,
// which Graph keeps as internetMessageId.
func (g *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	if msg.From == "" {
		return "", errors.New("msgraph: message has no sender")
	}

	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return "", &provider.ConnectionError{Provider: providerName, Err: err}
	}

	endpoint := g.baseURL + "/users/" + url.PathEscape(msg.From) + "/sendMail"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &provider.ConnectionError{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.Debug("Graph accepted message",
			"message_id", msg.MessageID,
			"request_id", resp.Header.Get("request-id"),
		)
		return msg.MessageID, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return "", g.classify(resp.StatusCode, body)
}

// classify maps a non-2xx response. 401 and 403 mean the credentials were
// refused; the cached token is dropped so the next request fetches a new one.
func (g *Provider) classify(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var errResp graphErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Code + ": " + errResp.Error.Message
	}
	err := fmt.Errorf("HTTP %d: %s", status, message)

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		g.token.Invalidate()
		return &provider.ConnectionError{Provider: providerName, Err: err}
	}
	return &provider.RejectedError{Provider: providerName, Code: status, Err: err}
}

var _ provider.Provider = (*Provider)(nil)
