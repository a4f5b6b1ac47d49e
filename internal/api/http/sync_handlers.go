// internal/api/http/sync_handlers.go
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/coursekit/roster-sync/internal/lti"
)

// RosterSyncer is the part of the sync engine the HTTP surface needs.
type RosterSyncer interface {
	ManualSync(ctx context.Context, classID int64) (lti.Outcome, error)
}

// SyncAPI serves the operator-facing sync endpoints.
type SyncAPI struct {
	Syncer RosterSyncer
	Log    *zap.Logger

	// Operator basic-auth credentials. The endpoint is disabled until
	// both are configured.
	OperatorUser     string
	OperatorPassHash string // bcrypt
}

func (a *SyncAPI) log() *zap.Logger {
	if a.Log != nil {
		return a.Log
	}
	return zap.NewNop()
}

func (a *SyncAPI) Routes(r chi.Router) {
	r.With(a.requireOperator).Post("/classes/{classID}/sync", a.postSync)
}

func (a *SyncAPI) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.OperatorUser == "" || a.OperatorPassHash == "" {
			http.Error(w, "operator auth not configured", http.StatusServiceUnavailable)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.OperatorUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(a.OperatorPassHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="roster-sync"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type syncRespJSON struct {
	Status string `json:"status"`
	Rows   int    `json:"rows"`
}

func (a *SyncAPI) postSync(w http.ResponseWriter, r *http.Request) {
	classID, err := strconv.ParseInt(chi.URLParam(r, "classID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid class id", http.StatusBadRequest)
		return
	}

	out, err := a.Syncer.ManualSync(r.Context(), classID)
	if err != nil {
		// Deployment-level misconfiguration, not a per-class failure.
		a.log().Error("manual sync rejected", zap.Int64("class_id", classID), zap.Error(err))
		http.Error(w, "sync is not configured on this server", http.StatusInternalServerError)
		return
	}

	switch out.Kind {
	case lti.OutcomeCooldown:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(out.RetryAfter)))
		http.Error(w, out.Message, http.StatusTooManyRequests)
	case lti.OutcomeFailed:
		http.Error(w, out.Message, http.StatusBadGateway)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(syncRespJSON{Status: "ok", Rows: out.Rows})
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// HealthzHandler reports process liveness.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
