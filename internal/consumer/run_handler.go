package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/events"
)

// Runner is the part of domain.Service the handler drives.
type Runner interface {
	Run(ctx context.Context, req domain.RunRequest) (domain.Summary, error)
}

// RunHandler executes a dedup run for every dedup.requested message.
type RunHandler struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunHandler constructs a RunHandler. Each run is bounded by timeout when it
// is positive.
func NewRunHandler(runner Runner, timeout time.Duration, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{runner: runner, timeout: timeout, logger: logger.With("component", "run-handler")}
}

// Handle implements Handler for dedup.requested. Requests for unknown users
// and requests that find a run already in progress are acknowledged; other
// failures are returned so the processor retries them.
func (h *RunHandler) Handle(ctx context.Context, msg Message) error {
	req, err := decodeDedupRequested(msg)
	if err != nil {
		h.logger.Warn("dropping malformed dedup request", "offset", msg.Offset, "event_id", msg.EventID, "error", err)
		recordSkipped("malformed")
		return nil
	}

	runReq := domain.RunRequest{UserRef: req.UserRef}
	if req.Since != nil {
		runReq.Since = *req.Since
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	summary, err := h.runner.Run(ctx, runReq)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		h.logger.Warn("dedup request for unknown user", "user_ref", req.UserRef, "run_id", summary.RunID)
		recordSkipped("user_not_found")
		return nil
	case errors.Is(err, domain.ErrRunInProgress):
		h.logger.Info("dedup run already in progress", "user_ref", req.UserRef, "run_id", summary.RunID)
		recordSkipped("in_progress")
		return nil
	case err != nil:
		return fmt.Errorf("dedup run %s: %w", summary.RunID, err)
	}

	h.logger.Info("dedup request handled",
		"run_id", summary.RunID,
		"event_id", msg.EventID,
		"requested_by", req.RequestedBy,
		"groups", summary.DuplicateGroupsFound,
		"marked_duplicate", summary.WorkoutsMarkedDuplicate)
	return nil
}

// decodeDedupRequested reads the request body strictly. A CloudEvent whose
// data omits user_ref falls back to the envelope subject.
func decodeDedupRequested(msg Message) (events.DedupRequested, error) {
	var req events.DedupRequested

	if len(bytes.TrimSpace(msg.Data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(msg.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, err
		}
	}

	req.UserRef = strings.TrimSpace(req.UserRef)
	if req.UserRef == "" {
		req.UserRef = strings.TrimSpace(msg.Subject)
	}
	if req.UserRef == "" {
		return req, errors.New("user_ref is required")
	}
	return req, nil
}
