package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) GetAccessToken(context.Context) (string, error) { return string(s), nil }

func membershipPage(members []RawMember, next string) MembershipContainer {
	p := MembershipContainer{Members: members, Next: next}
	p.Context.ID = "ctx-1"
	return p
}

func TestNRPS_FetchAllFollowsChain(t *testing.T) {
	gets := 0
	pages := map[string]MembershipContainer{
		"/nrps":   membershipPage([]RawMember{{Email: "a@x.edu"}}, "https://canvas.example.com/nrps/2"),
		"/nrps/2": membershipPage([]RawMember{{Email: "b@x.edu"}}, "https://canvas.example.com/nrps/3"),
		"/nrps/3": membershipPage([]RawMember{{Email: "c@x.edu"}}, ""),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		assert.Equal(t, membershipMediaType, r.Header.Get("Accept"))
		page, ok := pages[r.URL.Path]
		require.True(t, ok, r.URL.Path)
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := &NRPSClient{
		HTTP:    clientFor(srv),
		Token:   staticToken("tok-abc"),
		Policy:  testPolicy(),
		Vouched: []string{"canvas.example.com"},
	}
	start, err := c.Policy.ValidateVouched("https://canvas.example.com/nrps", "context memberships url", c.Vouched)
	require.NoError(t, err)

	got, err := c.FetchAll(context.Background(), start)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, gets, "exactly one GET per page")
	assert.Equal(t, "a@x.edu", got[0].Members[0].Email)
	assert.Equal(t, "c@x.edu", got[2].Members[0].Email)
}

func TestNRPS_LinkHeaderFallback(t *testing.T) {
	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		if r.URL.Path == "/nrps" {
			w.Header().Set("Link", `<https://canvas.example.com/nrps/2>; rel="next", <https://canvas.example.com/nrps>; rel="first"`)
			_ = json.NewEncoder(w).Encode(membershipPage(nil, ""))
			return
		}
		_ = json.NewEncoder(w).Encode(membershipPage(nil, ""))
	}))
	defer srv.Close()

	c := &NRPSClient{
		HTTP:    clientFor(srv),
		Token:   staticToken("tok-abc"),
		Policy:  testPolicy(),
		Vouched: []string{"canvas.example.com"},
	}
	start, err := c.Policy.ValidateVouched("https://canvas.example.com/nrps", "context memberships url", c.Vouched)
	require.NoError(t, err)

	got, err := c.FetchAll(context.Background(), start)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, gets)
}

func TestNRPS_LoopDetection(t *testing.T) {
	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		switch r.URL.Path {
		case "/nrps":
			_ = json.NewEncoder(w).Encode(membershipPage(nil, "https://canvas.example.com/nrps/2"))
		case "/nrps/2":
			_ = json.NewEncoder(w).Encode(membershipPage(nil, "https://canvas.example.com/nrps/3"))
		case "/nrps/3":
			// Points back to the start.
			_ = json.NewEncoder(w).Encode(membershipPage(nil, "https://canvas.example.com/nrps"))
		}
	}))
	defer srv.Close()

	c := &NRPSClient{
		HTTP:    clientFor(srv),
		Token:   staticToken("tok-abc"),
		Policy:  testPolicy(),
		Vouched: []string{"canvas.example.com"},
	}
	start, err := c.Policy.ValidateVouched("https://canvas.example.com/nrps", "context memberships url", c.Vouched)
	require.NoError(t, err)

	_, err = c.FetchAll(context.Background(), start)
	require.ErrorIs(t, err, ErrPaginationLoop)
	assert.Equal(t, 3, gets, "no request after the loop is detected")
}

func TestNRPS_NextLinkRevalidated(t *testing.T) {
	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		_ = json.NewEncoder(w).Encode(membershipPage(nil, "https://attacker.example.net/steal"))
	}))
	defer srv.Close()

	c := &NRPSClient{
		HTTP:    clientFor(srv),
		Token:   staticToken("tok-abc"),
		Policy:  testPolicy(),
		Vouched: []string{"canvas.example.com"},
	}
	start, err := c.Policy.ValidateVouched("https://canvas.example.com/nrps", "context memberships url", c.Vouched)
	require.NoError(t, err)

	_, err = c.FetchAll(context.Background(), start)
	require.Error(t, err)
	assert.Equal(t, 1, gets, "off-platform next link never fetched")
}
