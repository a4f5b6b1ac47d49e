package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/coursekit/roster-sync/internal/lti"
)

type fakeSyncer struct {
	classID int64
	out     lti.Outcome
	err     error
}

func (f *fakeSyncer) ManualSync(_ context.Context, classID int64) (lti.Outcome, error) {
	f.classID = classID
	return f.out, f.err
}

func newAPI(t *testing.T, s *fakeSyncer) *SyncAPI {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	require.NoError(t, err)
	return &SyncAPI{Syncer: s, OperatorUser: "ops", OperatorPassHash: string(hash)}
}

func doSync(api *SyncAPI, path string, auth bool) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	api.Routes(r)
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if auth {
		req.SetBasicAuth("ops", "letmein")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPostSync_Success(t *testing.T) {
	s := &fakeSyncer{out: lti.Outcome{Kind: lti.OutcomeSynced, Rows: 17}}
	rec := doSync(newAPI(t, s), "/classes/42/sync", true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), s.classID)
	var resp syncRespJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 17, resp.Rows)
}

func TestPostSync_Cooldown(t *testing.T) {
	s := &fakeSyncer{out: lti.Outcome{
		Kind:       lti.OutcomeCooldown,
		RetryAfter: 90 * time.Second,
		Message:    "Roster sync already ran recently; try again in 90 seconds.",
	}}
	rec := doSync(newAPI(t, s), "/classes/42/sync", true)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "try again in 90 seconds")
}

func TestPostSync_FailureIsGeneric(t *testing.T) {
	s := &fakeSyncer{out: lti.Outcome{Kind: lti.OutcomeFailed, Message: lti.ManualFailureMessage}}
	rec := doSync(newAPI(t, s), "/classes/42/sync", true)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), lti.ManualFailureMessage)
	assert.NotContains(t, rec.Body.String(), "token", "no internal detail leaks")
}

func TestPostSync_ConfigErrorIs500(t *testing.T) {
	s := &fakeSyncer{err: errors.New("platform allowlist is not configured")}
	rec := doSync(newAPI(t, s), "/classes/42/sync", true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "allowlist", "config detail stays server-side")
}

func TestPostSync_BadClassID(t *testing.T) {
	s := &fakeSyncer{}
	rec := doSync(newAPI(t, s), "/classes/notanumber/sync", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, s.classID)
}

func TestPostSync_AuthRequired(t *testing.T) {
	s := &fakeSyncer{out: lti.Outcome{Kind: lti.OutcomeSynced}}
	api := newAPI(t, s)

	rec := doSync(api, "/classes/42/sync", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, s.classID, "handler not reached without credentials")

	// Wrong password.
	r := chi.NewRouter()
	api.Routes(r)
	req := httptest.NewRequest(http.MethodPost, "/classes/42/sync", nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostSync_DisabledWithoutCredentials(t *testing.T) {
	api := &SyncAPI{Syncer: &fakeSyncer{}}
	rec := doSync(api, "/classes/42/sync", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
