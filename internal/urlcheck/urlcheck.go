// internal/urlcheck/urlcheck.go
package urlcheck

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

/*
Single choke point for every platform-supplied URL the sync client will
dereference (token endpoints, membership URLs, pagination links).

The allowlist is a set of bare lower-case hostnames. Validation is fail
closed: a malformed allowlist entry rejects the whole list, and a missing
allowlist blocks sync entirely. Validated URLs are rebuilt from scratch so
downstream code never re-embeds caller-supplied text.
*/

var (
	ErrMissingAllowlist = errors.New("urlcheck: no platform allowlist configured")
	ErrInvalidAllowlist = errors.New("urlcheck: invalid platform allowlist")
)

// ValidationError reports why a URL was refused. Callers map it to a
// user-facing message; it is never retried.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("urlcheck: invalid %s: %s", e.Field, e.Detail)
}

func fail(field, format string, args ...any) error {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// SafeURL is a canonical, freshly reconstructed URL. Host is the exact
// string from the allowlist, not the caller's spelling.
type SafeURL struct {
	Scheme string
	Host   string
	Path   string // decoded path segments, re-encoded by String
	Query  url.Values
}

func (u SafeURL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	b.WriteString(encodePath(u.Path))
	if len(u.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(u.Query.Encode())
	}
	return b.String()
}

// encodePath re-percent-encodes a decoded path segment by segment.
func encodePath(p string) string {
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// NormalizeAllowlist lower-cases and validates configured entries. Entries
// may be given as bare hostnames or full scheme://host URLs (only the
// hostname is kept). One bad entry invalidates the entire list.
func NormalizeAllowlist(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			return nil, fmt.Errorf("%w: empty entry", ErrInvalidAllowlist)
		}
		if strings.Contains(e, "*") {
			return nil, fmt.Errorf("%w: wildcard entry %q", ErrInvalidAllowlist, entry)
		}
		if strings.Contains(e, "://") {
			u, err := url.Parse(e)
			if err != nil || u.Hostname() == "" {
				return nil, fmt.Errorf("%w: unparsable entry %q", ErrInvalidAllowlist, entry)
			}
			e = strings.ToLower(u.Hostname())
		} else if strings.ContainsAny(e, "/:") {
			return nil, fmt.Errorf("%w: entry %q must be a bare hostname", ErrInvalidAllowlist, entry)
		}
		if !validHostname(e) {
			return nil, fmt.Errorf("%w: malformed hostname %q", ErrInvalidAllowlist, entry)
		}
		out = append(out, e)
	}
	return out, nil
}

// Require normalizes the configured allowlist and refuses to proceed when
// none is configured. Sync never falls open.
func Require(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, ErrMissingAllowlist
	}
	return NormalizeAllowlist(raw)
}

func validHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Policy carries the immutable validation inputs for one sync attempt.
type Policy struct {
	AllowedHosts []string // normalized, lower-case
	DevHTTPHosts []string // hosts permitted to use plain http in dev
	Dev          bool
}

// Validate parses, checks and canonically rebuilds a URL. The returned
// SafeURL round-trips: validating its String() yields the same value.
func (p Policy) Validate(raw, field string) (SafeURL, error) {
	return p.validate(raw, field, nil)
}

// ValidateVouched is Validate with the extra requirement that the host also
// appears in a registration-derived host set: endpoints read out of a
// registration's metadata must resolve to a host that registration itself
// vouches for, not merely any allowlisted host.
func (p Policy) ValidateVouched(raw, field string, vouchedHosts []string) (SafeURL, error) {
	if len(vouchedHosts) == 0 {
		return SafeURL{}, fail(field, "registration vouches for no hosts")
	}
	return p.validate(raw, field, vouchedHosts)
}

func (p Policy) validate(raw, field string, vouchedHosts []string) (SafeURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return SafeURL{}, fail(field, "unparsable URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return SafeURL{}, fail(field, "scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return SafeURL{}, fail(field, "userinfo not allowed")
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return SafeURL{}, fail(field, "fragment not allowed")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return SafeURL{}, fail(field, "missing hostname")
	}
	if port := u.Port(); port != "" {
		if (scheme == "https" && port != "443") || (scheme == "http" && port != "80") {
			return SafeURL{}, fail(field, "non-default port %q not allowed", port)
		}
	}

	// Exact host match only; return the allowlist's own string.
	canonical := ""
	for _, allowed := range p.AllowedHosts {
		if host == allowed {
			canonical = allowed
			break
		}
	}
	if canonical == "" {
		return SafeURL{}, fail(field, "host %q is not an allowed platform host", host)
	}
	if vouchedHosts != nil && !containsHost(vouchedHosts, canonical) {
		return SafeURL{}, fail(field, "host %q is not vouched for by the registration", host)
	}

	if scheme != "https" {
		if !p.Dev || !containsHost(p.DevHTTPHosts, canonical) {
			return SafeURL{}, fail(field, "https required for host %q", host)
		}
	}

	path := u.Path // decoded
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c <= 0x1F || c == 0x7F || c == '@' {
			return SafeURL{}, fail(field, "path contains forbidden character")
		}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return SafeURL{}, fail(field, "path traversal segment")
		}
	}

	query := url.Values{}
	if u.RawQuery != "" {
		query, err = url.ParseQuery(u.RawQuery)
		if err != nil {
			return SafeURL{}, fail(field, "unparsable query string")
		}
	}

	return SafeURL{Scheme: scheme, Host: canonical, Path: path, Query: query}, nil
}

func containsHost(hosts []string, h string) bool {
	for _, v := range hosts {
		if strings.EqualFold(strings.TrimSpace(v), h) {
			return true
		}
	}
	return false
}

// RegistrationHosts extracts the lower-cased hostnames of the given
// registration metadata URLs (issuer, login URL, JWKS URL, discovery
// document). Unparsable or empty values are skipped; the result is the set
// of hosts the registration vouches for.
func RegistrationHosts(rawURLs ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range rawURLs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		u, err := url.Parse(r)
		if err != nil {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
