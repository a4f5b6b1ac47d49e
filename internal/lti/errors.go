// internal/lti/errors.go
package lti

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coursekit/roster-sync/internal/urlcheck"
)

var (
	// ErrInvalidOpenIDConfiguration means the registration's cached
	// discovery document exists but cannot be parsed or carries no usable
	// token endpoint.
	ErrInvalidOpenIDConfiguration = errors.New("lti: invalid OpenID configuration for registration")

	// ErrPaginationLoop means an NRPS next link revisited a page URL.
	ErrPaginationLoop = errors.New("lti: membership pagination loop detected")

	ErrUnknownSSOProvider   = errors.New("lti: unknown SSO provider referenced by roster")
	ErrAmbiguousSSOProvider = errors.New("lti: roster references more than one SSO provider")

	// ErrClassNotLinked means the class row is missing the local class or
	// setup-user reference; the sync cannot be attempted.
	ErrClassNotLinked = errors.New("lti: class is not fully linked (missing class or setup user)")
)

// TokenRequestError is a non-2xx answer from the platform token endpoint.
type TokenRequestError struct {
	Status  int
	Message string
}

func (e *TokenRequestError) Error() string {
	return fmt.Sprintf("lti: token request failed (%d): %s", e.Status, e.Message)
}

// PageRequestError is a non-2xx answer from the membership endpoint.
type PageRequestError struct {
	Status  int
	Message string
}

func (e *PageRequestError) Error() string {
	return fmt.Sprintf("lti: membership request failed (%d): %s", e.Status, e.Message)
}

// RowErrors aggregates per-row upsert failures into one sync-level error.
// Only the first few messages are kept verbatim.
type RowErrors struct {
	Messages []string
	Overflow int
}

func (e *RowErrors) Error() string {
	s := "lti: roster rows failed: " + strings.Join(e.Messages, "; ")
	if e.Overflow > 0 {
		s += fmt.Sprintf(" (and %d more)", e.Overflow)
	}
	return s
}

const maxRowErrorMessages = 3

// aggregateRowErrors returns nil when every row succeeded.
func aggregateRowErrors(res SyncResult) error {
	var msgs []string
	overflow := 0
	for _, row := range res {
		if row.Err == "" {
			continue
		}
		if len(msgs) < maxRowErrorMessages {
			msgs = append(msgs, fmt.Sprintf("%s: %s", row.Email, row.Err))
		} else {
			overflow++
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return &RowErrors{Messages: msgs, Overflow: overflow}
}

// IsGlobalConfigError reports whether err is a configuration-level failure
// that blocks every class identically (missing or invalid allowlist). Such
// errors propagate unchanged and are never recorded as a class's own
// failure.
func IsGlobalConfigError(err error) bool {
	return errors.Is(err, urlcheck.ErrMissingAllowlist) || errors.Is(err, urlcheck.ErrInvalidAllowlist)
}
