// Package api exposes HTTP handlers for the dedup service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"example.com/workoutdedup/internal/auth"
	"example.com/workoutdedup/internal/domain"
)

var validate = validator.New()

// Handler coordinates HTTP requests with the dedup service.
type Handler struct {
	service    *domain.Service
	runs       domain.RunReader
	runTimeout time.Duration
	logger     *slog.Logger
}

// NewHandler builds a Handler. A zero runTimeout leaves runs bounded only by
// the request context.
func NewHandler(service *domain.Service, runs domain.RunReader, runTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, runs: runs, runTimeout: runTimeout, logger: logger.With("component", "api")}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/dedup/runs", h.createRun)
	mux.HandleFunc("GET /v1/dedup/runs/{id}", h.getRun)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeDedupRun) && !claims.HasScope(auth.ScopeDedupAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope dedup:run required")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	runReq := domain.RunRequest{UserRef: strings.TrimSpace(req.UserID)}
	if !claims.CanRun(runReq.UserRef) {
		writeError(w, http.StatusForbidden, "forbidden_user", "token may only deduplicate its own workouts")
		return
	}
	if req.Since != "" {
		since, err := time.Parse(time.DateOnly, req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "since must be YYYY-MM-DD")
			return
		}
		runReq.Since = since
	}

	ctx := r.Context()
	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	summary, err := h.service.Run(ctx, runReq)
	if err != nil {
		status, code := classify(err)
		h.logger.Warn("dedup run request failed", "run_id", summary.RunID, "subject", claims.Subject, "status", status, "error", err)
		writeJSON(w, status, ErrorResponse{Type: code, Detail: err.Error(), RunID: summary.RunID})
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryView(summary))
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeDedupRead) && !claims.HasScope(auth.ScopeDedupRun) && !claims.HasScope(auth.ScopeDedupAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope dedup:read required")
		return
	}

	id := r.PathValue("id")
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing run id")
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dedup run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	// Runs belonging to other users are reported as absent.
	if !claims.CanRead(run.UserRef, run.UserID) {
		writeError(w, http.StatusNotFound, "not_found", "dedup run not found")
		return
	}
	writeJSON(w, http.StatusOK, toRunView(*run))
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// CreateRunRequest is the payload for POST /v1/dedup/runs. UserID may be an
// internal id or an email address.
type CreateRunRequest struct {
	UserID string `json:"userId" validate:"required,max=320"`
	Since  string `json:"since,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// RunSummaryView is the job response.
type RunSummaryView struct {
	RunID                   string `json:"runId"`
	Success                 bool   `json:"success"`
	DuplicateGroupsFound    int    `json:"duplicateGroupsFound"`
	WorkoutsMarkedDuplicate int    `json:"workoutsMarkedDuplicate"`
	WorkoutsKeptCanonical   int    `json:"workoutsKeptCanonical"`
	FieldsFilled            int    `json:"fieldsFilled"`
	MergeStepFailures       int    `json:"mergeStepFailures"`
	EarliestAffectedDate    string `json:"earliestAffectedDate,omitempty"`
}

// RunView exposes a persisted run record.
type RunView struct {
	RunID      string         `json:"runId"`
	UserRef    string         `json:"userRef"`
	UserID     string         `json:"userId,omitempty"`
	State      string         `json:"state"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	Summary    RunSummaryView `json:"summary"`
	Error      string         `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	RunID  string `json:"runId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toRunSummaryView(s domain.Summary) RunSummaryView {
	view := RunSummaryView{
		RunID:                   s.RunID,
		Success:                 s.Success,
		DuplicateGroupsFound:    s.DuplicateGroupsFound,
		WorkoutsMarkedDuplicate: s.WorkoutsMarkedDuplicate,
		WorkoutsKeptCanonical:   s.WorkoutsKeptCanonical,
		FieldsFilled:            s.FieldsFilled,
		MergeStepFailures:       s.MergeStepFailures,
	}
	if !s.EarliestAffectedDate.IsZero() {
		view.EarliestAffectedDate = s.EarliestAffectedDate.UTC().Format(time.DateOnly)
	}
	return view
}

func toRunView(run domain.Run) RunView {
	return RunView{
		RunID:      run.ID,
		UserRef:    run.UserRef,
		UserID:     run.UserID,
		State:      string(run.State),
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Summary:    toRunSummaryView(run.Summary),
		Error:      run.Error,
	}
}
