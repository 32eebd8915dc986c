package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// earlyExpiry retires a token this long before the endpoint says it expires.
	earlyExpiry = 5 * time.Minute
)

// clientCredentials is an app registration able to request tokens for
// itself (OAuth2 client credentials grant).
type clientCredentials struct {
	endpoint string
	id       string
	secret   string
	http     *http.Client
}

type accessToken struct {
	value    string
	notAfter time.Time
}

func (t accessToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.notAfter)
}

// exchange posts the credentials to the token endpoint.
func (c clientCredentials) exchange(ctx context.Context) (accessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.id)
	form.Set("client_secret", c.secret)
	form.Set("scope", graphScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return accessToken{}, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return accessToken{}, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return accessToken{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded tokenResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return accessToken{}, fmt.Errorf("decoding token response: %w", err)
	}
	if decoded.AccessToken == "" {
		return accessToken{}, errors.New("token response has no access_token")
	}

	lifetime := time.Duration(decoded.ExpiresIn)*time.Second - earlyExpiry
	return accessToken{value: decoded.AccessToken, notAfter: time.Now().Add(lifetime)}, nil
}

// tokenCache shares one access token between concurrent sends. Callers
// block on mu while a refresh is in flight.
type tokenCache struct {
	creds clientCredentials

	mu      sync.Mutex
	current accessToken
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{creds: clientCredentials{
		endpoint: tokenURL,
		id:       clientID,
		secret:   clientSecret,
		http:     httpClient,
	}}
}

// Token returns the cached token or exchanges the credentials for a new one.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.current.usable(time.Now()) {
		fresh, err := tc.creds.exchange(ctx)
		if err != nil {
			return "", err
		}
		tc.current = fresh
	}
	return tc.current.value, nil
}

// Invalidate forgets the cached token, e.g. after Graph answers 401.
func (tc *tokenCache) Invalidate() {
	tc.mu.Lock()
	tc.current = accessToken{}
	tc.mu.Unlock()
}
