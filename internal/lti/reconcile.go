// internal/lti/reconcile.go
package lti

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Roster is the reconciled output of a full pagination chain.
type Roster struct {
	Roles []NormalizedRole
	// SSOTenant is the single identity-provider tenant for this sync,
	// "" when the roster carries no SSO claims.
	SSOTenant string
}

// reconcile folds raw membership pages into a deduplicated role list and
// resolves the sync's identity-provider tenant. It runs only after every
// page has been fetched; no partial results are ever emitted.
func reconcile(ctx context.Context, pages []MembershipContainer, mapper RoleMapper, providers ProviderStore) (Roster, error) {
	byEmail := map[string]int{}
	var roles []NormalizedRole
	providerIDs := map[int64]struct{}{}

	for _, page := range pages {
		for _, m := range page.Members {
			if !strings.EqualFold(strings.TrimSpace(m.Status), "Active") {
				continue
			}
			email := strings.ToLower(strings.TrimSpace(m.Email))
			if email == "" {
				continue
			}
			flags, ok := mapper.MapRoles(m.Roles)
			if !ok {
				continue
			}

			rec := NormalizedRole{
				Email:       email,
				DisplayName: strings.TrimSpace(m.Name),
				Roles:       flags,
			}
			rec.SSOProviderID, rec.SSOIdentifier = extractSSO(m.Message)
			if rec.SSOProviderID != 0 {
				providerIDs[rec.SSOProviderID] = struct{}{}
			}

			idx, seen := byEmail[email]
			if !seen {
				byEmail[email] = len(roles)
				roles = append(roles, rec)
				continue
			}
			if replaces(roles[idx], rec) {
				roles[idx] = rec
			}
		}
	}

	tenant, err := resolveTenant(ctx, providerIDs, providers)
	if err != nil {
		return Roster{}, err
	}
	return Roster{Roles: roles, SSOTenant: tenant}, nil
}

// replaces decides whether an incoming record wins over the kept one:
// strictly higher role priority wins; on a tie the record with a display
// name is preferred.
func replaces(kept, incoming NormalizedRole) bool {
	kp, ip := kept.Roles.Priority(), incoming.Roles.Priority()
	if ip != kp {
		return ip > kp
	}
	return kept.DisplayName == "" && incoming.DisplayName != ""
}

// extractSSO pulls the SSO provider id and identifier out of the member's
// message claims. Zero/blank/non-numeric ids and unresolved template
// placeholders ($-prefixed values) count as absent.
func extractSSO(messages []MemberMessage) (int64, string) {
	for _, msg := range messages {
		custom, ok := msg[customClaim].(map[string]any)
		if !ok {
			continue
		}
		id := coerceProviderID(custom["sso_provider_id"])
		if id == 0 {
			continue
		}
		value, _ := custom["sso_value"].(string)
		value = strings.TrimSpace(value)
		if value == "" || strings.HasPrefix(value, "$") {
			continue
		}
		return id, value
	}
	return 0, ""
}

func coerceProviderID(v any) int64 {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

// resolveTenant enforces the one-tenant-per-sync rule: zero providers is
// fine, one resolves to a name, two or more is fatal.
func resolveTenant(ctx context.Context, ids map[int64]struct{}, providers ProviderStore) (string, error) {
	switch len(ids) {
	case 0:
		return "", nil
	case 1:
		var id int64
		for k := range ids {
			id = k
		}
		name, err := providers.ResolveProviderName(ctx, id)
		if err != nil {
			return "", err
		}
		if name == "" {
			return "", fmt.Errorf("%w: id %d", ErrUnknownSSOProvider, id)
		}
		return name, nil
	default:
		list := make([]int64, 0, len(ids))
		for k := range ids {
			list = append(list, k)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		return "", fmt.Errorf("%w: ids %v", ErrAmbiguousSSOProvider, list)
	}
}
