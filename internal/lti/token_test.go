package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursekit/roster-sync/internal/keys"
	"github.com/coursekit/roster-sync/internal/urlcheck"
)

// rewriteTransport sends requests addressed to the canonical platform host
// to a local httptest server, so wire tests go through the real validator
// with allowlisted hostnames.
type rewriteTransport struct{ target *url.URL }

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func clientFor(srv *httptest.Server) *http.Client {
	u, _ := url.Parse(srv.URL)
	return &http.Client{Transport: rewriteTransport{target: u}}
}

func testPolicy() urlcheck.Policy {
	return urlcheck.Policy{AllowedHosts: []string{"canvas.example.com"}}
}

func testRegistration() Registration {
	return Registration{
		ID:           1,
		ClientID:     "client-42",
		Issuer:       "https://canvas.example.com",
		AuthTokenURL: "https://canvas.example.com/login/oauth2/token",
	}
}

func TestTokenEndpointResolution(t *testing.T) {
	reg := testRegistration()
	reg.OpenIDConfiguration = []byte(`{"token_endpoint":"https://canvas.example.com/oidc/token"}`)
	ep, err := reg.tokenEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://canvas.example.com/oidc/token", ep)

	// Discovery document present but without token_endpoint: fall back.
	reg.OpenIDConfiguration = []byte(`{"issuer":"https://canvas.example.com"}`)
	ep, err = reg.tokenEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://canvas.example.com/login/oauth2/token", ep)

	// Unparsable discovery document is fatal even with a fallback.
	reg.OpenIDConfiguration = []byte(`{not json`)
	_, err = reg.tokenEndpoint()
	require.ErrorIs(t, err, ErrInvalidOpenIDConfiguration)

	// No source at all.
	reg = Registration{ClientID: "client-42"}
	_, err = reg.tokenEndpoint()
	require.ErrorIs(t, err, ErrInvalidOpenIDConfiguration)
}

func newTokenServer(t *testing.T, calls *int, expiresIn *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostFormValue("grant_type"))
		assert.Equal(t, clientAssertionType, r.PostFormValue("client_assertion_type"))
		assert.NotEmpty(t, r.PostFormValue("client_assertion"))
		assert.Equal(t, "client-42", r.PostFormValue("client_id"))
		assert.Equal(t, ScopeContextMembership, r.PostFormValue("scope"))

		resp := map[string]any{"access_token": "tok-abc", "token_type": "Bearer"}
		if expiresIn != nil {
			resp["expires_in"] = *expiresIn
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestTokenClient_CachesUntilExpiry(t *testing.T) {
	calls := 0
	expires := int64(3600)
	srv := newTokenServer(t, &calls, &expires)
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := &TokenClient{
		HTTP:          clientFor(srv),
		Keys:          keys.NewStatic(testSigningKey(t)),
		Registration:  testRegistration(),
		Policy:        testPolicy(),
		Scope:         ScopeContextMembership,
		RefreshBuffer: 60 * time.Second,
		Now:           func() time.Time { return now },
	}

	tok, err := tc.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok)
	assert.Equal(t, 1, calls)

	// Fresh cache: zero network requests.
	_, err = tc.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Past expires_in - buffer: exactly one more request.
	now = now.Add(3541 * time.Second)
	_, err = tc.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTokenClient_FallbackTTLWhenNoExpiresIn(t *testing.T) {
	calls := 0
	srv := newTokenServer(t, &calls, nil)
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := &TokenClient{
		HTTP:         clientFor(srv),
		Keys:         keys.NewStatic(testSigningKey(t)),
		Registration: testRegistration(),
		Policy:       testPolicy(),
		Scope:        ScopeContextMembership,
		FallbackTTL:  600 * time.Second,
		Now:          func() time.Time { return now },
	}

	_, err := tc.GetAccessToken(context.Background())
	require.NoError(t, err)
	now = now.Add(599 * time.Second)
	_, err = tc.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Second)
	_, err = tc.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTokenClient_ErrorDescriptionExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_client",
			"error_description": "assertion audience mismatch",
		})
	}))
	defer srv.Close()

	tc := &TokenClient{
		HTTP:         clientFor(srv),
		Keys:         keys.NewStatic(testSigningKey(t)),
		Registration: testRegistration(),
		Policy:       testPolicy(),
		Scope:        ScopeContextMembership,
	}
	_, err := tc.GetAccessToken(context.Background())
	var terr *TokenRequestError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadRequest, terr.Status)
	assert.Equal(t, "assertion audience mismatch", terr.Message)
}

func TestTokenClient_EmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token_type": "Bearer"})
	}))
	defer srv.Close()

	tc := &TokenClient{
		HTTP:         clientFor(srv),
		Keys:         keys.NewStatic(testSigningKey(t)),
		Registration: testRegistration(),
		Policy:       testPolicy(),
		Scope:        ScopeContextMembership,
	}
	_, err := tc.GetAccessToken(context.Background())
	var terr *TokenRequestError
	require.ErrorAs(t, err, &terr)
}

func TestTokenClient_EndpointMustBeVouched(t *testing.T) {
	// Discovery document points the token endpoint at an allowlisted host
	// the registration's own trusted fields never mention.
	reg := Registration{
		ClientID:            "client-42",
		Issuer:              "https://canvas.example.com",
		OpenIDConfiguration: []byte(`{"token_endpoint":"https://moodle.school.edu/token"}`),
	}
	tc := &TokenClient{
		HTTP:         http.DefaultClient,
		Keys:         keys.NewStatic(testSigningKey(t)),
		Registration: reg,
		Policy: urlcheck.Policy{
			AllowedHosts: []string{"canvas.example.com", "moodle.school.edu"},
		},
		Scope: ScopeContextMembership,
	}
	_, err := tc.GetAccessToken(context.Background())
	require.Error(t, err)
}
