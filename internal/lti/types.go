// internal/lti/types.go
package lti

import (
	"context"
	"time"

	"github.com/coursekit/roster-sync/internal/urlcheck"
)

// LTIStatus is the link state of a class, persisted on lti_classes.
type LTIStatus string

const (
	StatusPending LTIStatus = "PENDING"
	StatusLinked  LTIStatus = "LINKED"
	StatusError   LTIStatus = "ERROR"
)

const (
	// NRPS membership-read scope requested for access tokens.
	ScopeContextMembership = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

	// Media type for NRPS membership containers.
	membershipMediaType = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"

	// Member message claim carrying tool custom parameters.
	customClaim = "https://purl.imsglobal.org/spec/lti/claim/custom"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Registration holds one platform registration's OAuth/OIDC metadata.
type Registration struct {
	ID       int64
	ClientID string

	Issuer       string
	AuthLoginURL string
	JWKSURL      string

	// Fallback token endpoint, used when the cached discovery document is
	// absent or carries no token_endpoint.
	AuthTokenURL string

	// Cached OpenID-configuration document (raw JSON), possibly empty.
	OpenIDConfiguration []byte
}

// VouchedHosts is the set of hosts this registration's trusted fields
// point at (issuer, login, JWKS, fallback token URL). Endpoints derived
// from the registration — including the discovery document's
// token_endpoint — must resolve to one of these in addition to the
// system-wide allowlist.
func (r Registration) VouchedHosts() []string {
	return urlcheck.RegistrationHosts(r.Issuer, r.AuthLoginURL, r.JWKSURL, r.AuthTokenURL)
}

// LTIClass links an LMS course context to a local class.
type LTIClass struct {
	ID           int64
	Registration Registration

	ContextMembershipsURL *string
	ResourceLinkID        *string

	ClassID     *int64
	SetupUserID *int64

	LastSynced    *time.Time
	LastSyncError *string
	Status        LTIStatus
}

// MembershipContainer is one NRPS page.
type MembershipContainer struct {
	ID      string `json:"id,omitempty"`
	Context struct {
		ID    string `json:"id,omitempty"`
		Label string `json:"label,omitempty"`
		Title string `json:"title,omitempty"`
	} `json:"context"`
	Members []RawMember `json:"members"`
	Next    string      `json:"next,omitempty"`
}

// RawMember is one NRPS membership record as delivered by the platform.
type RawMember struct {
	Status  string          `json:"status,omitempty"`
	Name    string          `json:"name,omitempty"`
	Email   string          `json:"email,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Roles   []string        `json:"roles,omitempty"`
	Message []MemberMessage `json:"message,omitempty"`
}

// MemberMessage is one entry of a member's message array; keys are claim
// URIs, values claim payloads.
type MemberMessage map[string]any

// RoleFlags is the class-role triple a member maps to.
type RoleFlags struct {
	Admin   bool
	Teacher bool
	Student bool
}

// Priority orders conflicting role claims for one identity:
// admin > teacher > student > none.
func (f RoleFlags) Priority() int {
	switch {
	case f.Admin:
		return 3
	case f.Teacher:
		return 2
	case f.Student:
		return 1
	default:
		return 0
	}
}

// NormalizedRole is one deduplicated, priority-resolved roster entry.
type NormalizedRole struct {
	Email         string // lower-cased; dedup key
	DisplayName   string
	SSOProviderID int64 // 0 when absent
	SSOIdentifier string
	Roles         RoleFlags
}

// RowResult reports one row of the role upsert; Err empty on success.
type RowResult struct {
	Email string
	Err   string
}

// SyncResult is the ordered per-row outcome of a role upsert.
type SyncResult []RowResult

/* ---------------------- collaborator contracts ---------------------- */

// ClassStore reads LTI classes with their registration and records sync
// outcomes.
type ClassStore interface {
	// GetClassWithRegistration returns nil when the class does not exist.
	GetClassWithRegistration(ctx context.Context, id int64) (*LTIClass, error)
	MarkSynced(ctx context.Context, id int64, now time.Time) error
	MarkSyncError(ctx context.Context, id int64, message string) error
	// ListDueClasses returns ids of linked classes eligible for a scripted
	// sync pass, oldest sync first.
	ListDueClasses(ctx context.Context) ([]int64, error)
}

// RoleStore persists normalized roles for a class, acting as setupUserID.
type RoleStore interface {
	UpsertRoles(ctx context.Context, classID, actingUserID int64, roles []NormalizedRole, ssoTenant string) (SyncResult, error)
}

// ProviderStore resolves SSO provider ids to tenant names. Returns "" when
// the id is unknown.
type ProviderStore interface {
	ResolveProviderName(ctx context.Context, id int64) (string, error)
}

// RoleMapper maps LTI role URIs to class-role flags. ok=false skips the
// member entirely.
type RoleMapper interface {
	MapRoles(roleURIs []string) (flags RoleFlags, ok bool)
}

// SavepointRunner wraps fn in a nested transaction scope; when fn errors
// the scope's writes are rolled back and the error returned.
type SavepointRunner interface {
	WithSavepoint(ctx context.Context, name string, fn func(context.Context) error) error
}
