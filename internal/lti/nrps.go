// internal/lti/nrps.go
package lti

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coursekit/roster-sync/internal/urlcheck"
)

// tokenSource yields the bearer token for membership requests.
type tokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// NRPSClient walks the membership container pages for one context. Every
// followed link is re-validated against the allowlist: a compromised
// membership service cannot redirect the paginator off the platform.
type NRPSClient struct {
	HTTP    *http.Client
	Token   tokenSource
	Policy  urlcheck.Policy
	Vouched []string // registration-vouched hosts
}

// fetchPage issues one authenticated GET against an already-validated URL
// and returns the page plus the raw next link (body `next` first, else the
// Link response header), "" when the chain ends.
func (c *NRPSClient) fetchPage(ctx context.Context, pageURL string) (MembershipContainer, string, error) {
	var page MembershipContainer

	tok, err := c.Token.GetAccessToken(ctx)
	if err != nil {
		return page, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return page, "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", membershipMediaType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return page, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return page, "", &PageRequestError{Status: resp.StatusCode, Message: readAPIError(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return page, "", fmt.Errorf("lti: decode membership container: %w", err)
	}

	next := strings.TrimSpace(page.Next)
	if next == "" {
		next = linkHeaderNext(resp.Header.Values("Link"))
	}
	return page, next, nil
}

// ForEachPage validates startURL, then fetches and yields pages in chain
// order. Each next link is validated before it is followed, and a repeated
// URL aborts with ErrPaginationLoop before any further request.
func (c *NRPSClient) ForEachPage(ctx context.Context, startURL urlcheck.SafeURL, fn func(MembershipContainer) error) error {
	visited := map[string]struct{}{}
	current := startURL

	for {
		u := current.String()
		if _, seen := visited[u]; seen {
			return fmt.Errorf("%w: %s", ErrPaginationLoop, u)
		}
		visited[u] = struct{}{}

		page, next, err := c.fetchPage(ctx, u)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		current, err = c.Policy.ValidateVouched(next, "membership next link", c.Vouched)
		if err != nil {
			return err
		}
	}
}

// FetchAll collects the whole pagination chain. Calling it again performs a
// fresh fetch from startURL; a mid-chain failure aborts the whole result.
func (c *NRPSClient) FetchAll(ctx context.Context, startURL urlcheck.SafeURL) ([]MembershipContainer, error) {
	var pages []MembershipContainer
	err := c.ForEachPage(ctx, startURL, func(p MembershipContainer) error {
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pages, nil
}

// linkHeaderNext extracts the rel="next" target from Link headers.
func linkHeaderNext(headers []string) string {
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			fields := strings.Split(part, ";")
			if len(fields) < 2 {
				continue
			}
			target := strings.TrimSpace(fields[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range fields[1:] {
				param = strings.TrimSpace(param)
				if strings.EqualFold(param, `rel="next"`) || strings.EqualFold(param, "rel=next") {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}
