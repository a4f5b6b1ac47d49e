// internal/lti/token.go
package lti

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coursekit/roster-sync/internal/keys"
	"github.com/coursekit/roster-sync/internal/urlcheck"
)

// tokenEndpoint resolves the registration's token endpoint: the cached
// discovery document's token_endpoint when present, else the stored
// fallback URL. An unparsable discovery document is fatal.
func (r Registration) tokenEndpoint() (string, error) {
	if len(r.OpenIDConfiguration) > 0 {
		var doc struct {
			TokenEndpoint string `json:"token_endpoint"`
		}
		if err := json.Unmarshal(r.OpenIDConfiguration, &doc); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidOpenIDConfiguration, err)
		}
		if ep := strings.TrimSpace(doc.TokenEndpoint); ep != "" {
			return ep, nil
		}
	}
	if ep := strings.TrimSpace(r.AuthTokenURL); ep != "" {
		return ep, nil
	}
	return "", fmt.Errorf("%w: no token endpoint in discovery document or fallback", ErrInvalidOpenIDConfiguration)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   *int64 `json:"expires_in,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// TokenClient obtains and caches one bearer token for the NRPS scope. The
// cache lives on the client value: one client per sync attempt, never
// shared across classes or registrations.
type TokenClient struct {
	HTTP         *http.Client
	Keys         keys.Provider
	Registration Registration
	Policy       urlcheck.Policy
	Scope        string

	RefreshBuffer time.Duration
	FallbackTTL   time.Duration
	Now           func() time.Time

	cached      string
	cachedUntil time.Time
}

func (c *TokenClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *TokenClient) fallbackTTL() time.Duration {
	if c.FallbackTTL > 0 {
		return c.FallbackTTL
	}
	return time.Hour
}

// GetAccessToken returns the cached token while it is still fresh,
// otherwise performs one token request and caches the result.
func (c *TokenClient) GetAccessToken(ctx context.Context) (string, error) {
	now := c.now()
	if c.cached != "" && now.Before(c.cachedUntil) {
		return c.cached, nil
	}

	rawEndpoint, err := c.Registration.tokenEndpoint()
	if err != nil {
		return "", err
	}
	endpoint, err := c.Policy.ValidateVouched(rawEndpoint, "token endpoint", c.Registration.VouchedHosts())
	if err != nil {
		return "", err
	}
	endpointURL := endpoint.String()

	key, err := c.Keys.CurrentSigningKey(ctx)
	if err != nil {
		return "", err
	}
	assertion, err := signClientAssertion(key, c.Registration.ClientID, endpointURL, now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("client_id", c.Registration.ClientID)
	form.Set("scope", c.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &TokenRequestError{Status: resp.StatusCode, Message: readAPIError(resp.Body)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("lti: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &TokenRequestError{Status: resp.StatusCode, Message: "empty access_token in token response"}
	}

	if tr.ExpiresIn != nil {
		ttl := time.Duration(*tr.ExpiresIn)*time.Second - c.RefreshBuffer
		if ttl < 0 {
			ttl = 0
		}
		c.cachedUntil = now.Add(ttl)
	} else {
		c.cachedUntil = now.Add(c.fallbackTTL())
	}
	c.cached = tr.AccessToken
	return c.cached, nil
}

// readAPIError pulls error_description or error out of a JSON error body,
// falling back to the raw response text.
func readAPIError(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 8<<10))
	var e struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Description != "" {
			return e.Description
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
