// Package events defines the messages exchanged with other services.
package events

import "time"

// Event types carried in the outbox and on the wire.
const (
	TypeDedupRequested             = "dedup.requested"
	TypeLoadRecalculationRequested = "training_load.recalculation_requested"
)

// DedupRequested asks the worker to run a dedup pass for one user. It is
// emitted by ingestion after a sync or by a scheduler.
type DedupRequested struct {
	// UserRef is an internal user id or an email address.
	UserRef     string     `json:"user_ref"`
	Since       *time.Time `json:"since,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
}

// LoadRecalculationRequested asks the training-load service to recompute a
// user's load from a given date onward.
type LoadRecalculationRequested struct {
	UserID      string    `json:"user_id"`
	From        time.Time `json:"from"`
	RequestedAt time.Time `json:"requested_at"`
}
