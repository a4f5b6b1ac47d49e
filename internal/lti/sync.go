// internal/lti/sync.go
package lti

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coursekit/roster-sync/internal/keys"
	"github.com/coursekit/roster-sync/internal/urlcheck"
)

type Clock func() time.Time

// ManualFailureMessage is what interactive callers see when a sync fails;
// the underlying cause is logged and persisted, not surfaced.
const ManualFailureMessage = "Roster sync failed. Please try again later."

// OutcomeKind distinguishes a completed sync, a cooldown refusal and a
// failure. Cooldown is a retry-later signal, not an error.
type OutcomeKind int

const (
	OutcomeSynced OutcomeKind = iota
	OutcomeCooldown
	OutcomeFailed
)

// Outcome is the result of one manual sync request.
type Outcome struct {
	Kind       OutcomeKind
	Rows       int           // synced roster rows (OutcomeSynced)
	RetryAfter time.Duration // remaining cooldown (OutcomeCooldown)
	Message    string        // user-facing text (cooldown or generic failure)
	Err        error         // underlying cause (OutcomeFailed), for logs only
}

// Syncer drives roster syncs for LTI classes. Construct one per process;
// token caches are still created per sync attempt, never shared.
type Syncer struct {
	Classes   ClassStore
	Roles     RoleStore
	Providers ProviderStore
	Keys      keys.Provider
	Mapper    RoleMapper

	HTTP *http.Client

	// Raw configured allowlist; normalized fresh per attempt so a bad
	// config change fails closed instead of reusing stale hosts.
	AllowedPlatformHosts []string
	DevHTTPHosts         []string
	Dev                  bool

	SyncWait      time.Duration // manual cooldown
	RefreshBuffer time.Duration
	FallbackTTL   time.Duration

	// Savepoints isolates each scripted class sync; optional for manual.
	Savepoints SavepointRunner

	Now Clock
	Log *zap.Logger
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Syncer) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s *Syncer) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// ManualSync is the interactive variant: cooldown-limited, generic failure
// message. Global configuration errors (allowlist) are returned as the
// error value untouched; everything else lands in the Outcome.
func (s *Syncer) ManualSync(ctx context.Context, classID int64) (Outcome, error) {
	class, err := s.Classes.GetClassWithRegistration(ctx, classID)
	if err != nil {
		return Outcome{}, err
	}
	if class == nil {
		return Outcome{}, fmt.Errorf("lti: class %d not found", classID)
	}

	now := s.now()
	if class.LastSynced != nil && s.SyncWait > 0 {
		nextAllowed := class.LastSynced.Add(s.SyncWait)
		if now.Before(nextAllowed) {
			remaining := nextAllowed.Sub(now)
			secs := int(math.Ceil(remaining.Seconds()))
			return Outcome{
				Kind:       OutcomeCooldown,
				RetryAfter: remaining,
				Message:    fmt.Sprintf("Roster sync already ran recently; try again in %d seconds.", secs),
			}, nil
		}
	}

	rows, err := s.runSync(ctx, class)
	if err != nil {
		if IsGlobalConfigError(err) {
			return Outcome{}, err
		}
		s.log().Warn("manual roster sync failed",
			zap.Int64("lti_class_id", classID), zap.Error(err))
		if mErr := s.Classes.MarkSyncError(ctx, classID, err.Error()); mErr != nil {
			s.log().Error("persist sync error failed",
				zap.Int64("lti_class_id", classID), zap.Error(mErr))
		}
		return Outcome{Kind: OutcomeFailed, Message: ManualFailureMessage, Err: err}, nil
	}
	return Outcome{Kind: OutcomeSynced, Rows: rows}, nil
}

// ScriptedSync is the background variant: no cooldown, cause preserved on
// the class. The sync's writes run inside a savepoint when a runner is
// configured; the error marker is applied after the rollback so the
// failure state survives.
func (s *Syncer) ScriptedSync(ctx context.Context, classID int64) error {
	run := func(ctx context.Context) error {
		class, err := s.Classes.GetClassWithRegistration(ctx, classID)
		if err != nil {
			return err
		}
		if class == nil {
			return fmt.Errorf("lti: class %d not found", classID)
		}
		_, err = s.runSync(ctx, class)
		return err
	}

	var err error
	if s.Savepoints != nil {
		err = s.Savepoints.WithSavepoint(ctx, fmt.Sprintf("class_sync_%d", classID), run)
	} else {
		err = run(ctx)
	}
	if err == nil {
		return nil
	}
	if IsGlobalConfigError(err) {
		return err
	}
	if mErr := s.Classes.MarkSyncError(ctx, classID, err.Error()); mErr != nil {
		s.log().Error("persist sync error failed",
			zap.Int64("lti_class_id", classID), zap.Error(mErr))
	}
	return err
}

// SyncAllDue runs a scripted sync over every due class, sequentially. One
// class's failure is recorded and skipped; a global configuration error
// aborts the batch because it would fail every class identically.
func (s *Syncer) SyncAllDue(ctx context.Context) error {
	ids, err := s.Classes.ListDueClasses(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.ScriptedSync(ctx, id); err != nil {
			if IsGlobalConfigError(err) {
				return err
			}
			s.log().Warn("scripted roster sync failed",
				zap.Int64("lti_class_id", id), zap.Error(err))
			continue
		}
		s.log().Info("roster sync ok", zap.Int64("lti_class_id", id))
	}
	return nil
}

// runSync is the shared pipeline: allowlist → membership URL → token →
// pages → reconcile → upsert → mark synced.
func (s *Syncer) runSync(ctx context.Context, class *LTIClass) (int, error) {
	if class.ClassID == nil || class.SetupUserID == nil {
		return 0, ErrClassNotLinked
	}

	hosts, err := urlcheck.Require(s.AllowedPlatformHosts)
	if err != nil {
		return 0, err
	}
	// Snapshot for the whole attempt; a mid-sync config change cannot
	// downgrade an in-flight paginator.
	policy := urlcheck.Policy{AllowedHosts: hosts, DevHTTPHosts: s.DevHTTPHosts, Dev: s.Dev}
	vouched := class.Registration.VouchedHosts()

	if class.ContextMembershipsURL == nil || strings.TrimSpace(*class.ContextMembershipsURL) == "" {
		return 0, fmt.Errorf("lti: class %d has no context memberships URL", class.ID)
	}
	start, err := policy.ValidateVouched(*class.ContextMembershipsURL, "context memberships url", vouched)
	if err != nil {
		return 0, err
	}

	tokens := &TokenClient{
		HTTP:          s.httpClient(),
		Keys:          s.Keys,
		Registration:  class.Registration,
		Policy:        policy,
		Scope:         ScopeContextMembership,
		RefreshBuffer: s.RefreshBuffer,
		FallbackTTL:   s.FallbackTTL,
		Now:           s.now,
	}
	nrps := &NRPSClient{HTTP: s.httpClient(), Token: tokens, Policy: policy, Vouched: vouched}

	rlid := ""
	if class.ResourceLinkID != nil {
		rlid = strings.TrimSpace(*class.ResourceLinkID)
	}
	if rlid == "" {
		// One-shot fallback from the first page's context id. Used for
		// this fetch only and never written back to the class.
		probe, _, err := nrps.fetchPage(ctx, start.String())
		if err != nil {
			return 0, err
		}
		rlid = strings.TrimSpace(probe.Context.ID)
	}
	if rlid != "" {
		start.Query.Set("rlid", rlid)
	}

	pages, err := nrps.FetchAll(ctx, start)
	if err != nil {
		return 0, err
	}

	roster, err := reconcile(ctx, pages, s.Mapper, s.Providers)
	if err != nil {
		return 0, err
	}

	result, err := s.Roles.UpsertRoles(ctx, *class.ClassID, *class.SetupUserID, roster.Roles, roster.SSOTenant)
	if err != nil {
		return 0, err
	}
	if err := aggregateRowErrors(result); err != nil {
		return 0, err
	}

	if err := s.Classes.MarkSynced(ctx, class.ID, s.now()); err != nil {
		return 0, err
	}
	return len(roster.Roles), nil
}
