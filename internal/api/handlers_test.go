package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/workoutdedup/internal/auth"
	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/persistence/memory"
)

type nopRecalc struct{}

func (nopRecalc) Enqueue(context.Context, string, time.Time) error { return nil }

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (func(), error) {
	return nil, domain.ErrRunInProgress
}

func f64(v float64) *float64 { return &v }

func newTestMux(t *testing.T, opts ...domain.Option) (*http.ServeMux, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	store.AddUser("user-1", "rider@example.com")
	store.AddWorkout(domain.Workout{
		ID: "A", UserID: "user-1", Source: domain.SourceStrava, Type: "Ride",
		Date: time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC), DurationSec: 3600,
	})
	store.AddWorkout(domain.Workout{
		ID: "B", UserID: "user-1", Source: domain.SourceIntervals, Type: "Ride",
		Date: time.Date(2024, time.May, 1, 8, 5, 0, 0, time.UTC), DurationSec: 3660,
		AverageWatts: f64(220),
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]domain.Option{domain.WithLogger(logger), domain.WithRecorder(store)}, opts...)
	service := domain.NewService(store, store, nopRecalc{}, opts...)

	mux := http.NewServeMux()
	NewHandler(service, store, time.Minute, logger).RegisterRoutes(mux)
	return mux, store
}

func withScopes(req *http.Request, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   "user-1",
		Email:     "rider@example.com",
		Scopes:    map[string]struct{}{},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, s := range scopes {
		claims.Scopes[s] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func postRun(t *testing.T, mux *http.ServeMux, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/dedup/runs", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, withScopes(req, scopes...))
	return rr
}

func TestCreateRunMergesDuplicates(t *testing.T) {
	mux, store := newTestMux(t)

	rr := postRun(t, mux, `{"userId":"Rider@Example.com"}`, auth.ScopeDedupRun)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp RunSummaryView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, 1, resp.DuplicateGroupsFound)
	require.Equal(t, 1, resp.WorkoutsMarkedDuplicate)
	require.Equal(t, 1, resp.WorkoutsKeptCanonical)
	require.Equal(t, "2024-05-01", resp.EarliestAffectedDate)
	require.NotEmpty(t, resp.RunID)

	a, ok := store.Workout("A")
	require.True(t, ok)
	require.True(t, a.IsDuplicate)

	get := httptest.NewRequest(http.MethodGet, "/v1/dedup/runs/"+resp.RunID, nil)
	getRR := httptest.NewRecorder()
	mux.ServeHTTP(getRR, withScopes(get, auth.ScopeDedupRead))
	require.Equal(t, http.StatusOK, getRR.Code)

	var run RunView
	require.NoError(t, json.Unmarshal(getRR.Body.Bytes(), &run))
	require.Equal(t, string(domain.RunStateCompleted), run.State)
	require.Equal(t, "user-1", run.UserID)
	require.Equal(t, 1, run.Summary.DuplicateGroupsFound)
}

func TestCreateRunResponseUsesJobContractKeys(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := postRun(t, mux, `{"userId":"user-1"}`, auth.ScopeDedupRun)
	require.Equal(t, http.StatusOK, rr.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	for _, key := range []string{"success", "duplicateGroupsFound", "workoutsMarkedDuplicate", "workoutsKeptCanonical"} {
		require.Contains(t, raw, key)
	}
}

func TestCreateRunErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		scopes []string
		opts   []domain.Option
		status int
		kind   string
	}{
		{name: "missing scope", body: `{"userId":"user-1"}`, scopes: []string{auth.ScopeDedupRead}, status: http.StatusForbidden, kind: "forbidden"},
		{name: "malformed body", body: `{`, scopes: []string{auth.ScopeDedupRun}, status: http.StatusBadRequest, kind: "invalid_request"},
		{name: "missing user", body: `{}`, scopes: []string{auth.ScopeDedupRun}, status: http.StatusBadRequest, kind: "validation_failed"},
		{name: "bad since", body: `{"userId":"user-1","since":"May 1"}`, scopes: []string{auth.ScopeDedupRun}, status: http.StatusBadRequest, kind: "validation_failed"},
		{name: "other user", body: `{"userId":"user-2"}`, scopes: []string{auth.ScopeDedupRun}, status: http.StatusForbidden, kind: "forbidden_user"},
		{name: "other email", body: `{"userId":"nobody@example.com"}`, scopes: []string{auth.ScopeDedupRun}, status: http.StatusForbidden, kind: "forbidden_user"},
		{name: "unknown email", body: `{"userId":"nobody@example.com"}`, scopes: []string{auth.ScopeDedupAdmin}, status: http.StatusNotFound, kind: "user_not_found"},
		{
			name: "run in progress", body: `{"userId":"user-1"}`, scopes: []string{auth.ScopeDedupRun},
			opts: []domain.Option{domain.WithLocker(busyLocker{})}, status: http.StatusConflict, kind: "run_in_progress",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux, _ := newTestMux(t, tc.opts...)
			rr := postRun(t, mux, tc.body, tc.scopes...)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.Equal(t, tc.kind, resp.Type)
		})
	}
}

func TestCreateRunHonoursSince(t *testing.T) {
	mux, store := newTestMux(t)

	rr := postRun(t, mux, `{"userId":"user-1","since":"2024-06-01"}`, auth.ScopeDedupRun)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RunSummaryView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Zero(t, resp.DuplicateGroupsFound)
	require.Empty(t, resp.EarliestAffectedDate)
	require.Zero(t, store.Writes())
}

func TestGetRunNotFound(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/dedup/runs/does-not-exist", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, withScopes(req, auth.ScopeDedupRead))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminRunsForOtherUsers(t *testing.T) {
	mux, store := newTestMux(t)
	store.AddUser("user-2", "other@example.com")
	store.AddWorkout(domain.Workout{
		ID: "C", UserID: "user-2", Source: domain.SourceStrava, Type: "Run",
		Date: time.Date(2024, time.May, 2, 7, 0, 0, 0, time.UTC), DurationSec: 1800,
	})
	store.AddWorkout(domain.Workout{
		ID: "D", UserID: "user-2", Source: domain.SourceFitbit, Type: "Run",
		Date: time.Date(2024, time.May, 2, 7, 2, 0, 0, time.UTC), DurationSec: 1790,
		AverageHR: f64(150),
	})

	rr := postRun(t, mux, `{"userId":"other@example.com"}`, auth.ScopeDedupAdmin)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp RunSummaryView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.DuplicateGroupsFound)

	// The owner of the admin-started run can read it; user-1 cannot.
	get := httptest.NewRequest(http.MethodGet, "/v1/dedup/runs/"+resp.RunID, nil)
	getRR := httptest.NewRecorder()
	mux.ServeHTTP(getRR, withScopes(get, auth.ScopeDedupRead))
	require.Equal(t, http.StatusNotFound, getRR.Code)

	getRR = httptest.NewRecorder()
	mux.ServeHTTP(getRR, withScopes(get, auth.ScopeDedupAdmin))
	require.Equal(t, http.StatusOK, getRR.Code)
}

func TestRequestsWithoutClaimsAreRejected(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/dedup/runs", bytes.NewBufferString(`{"userId":"user-1"}`)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
