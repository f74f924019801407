package domain

import "time"

// RunState is the lifecycle state of a dedup run.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Summary is the outcome returned to the caller of a run.
type Summary struct {
	RunID                   string
	Success                 bool
	DuplicateGroupsFound    int
	WorkoutsMarkedDuplicate int
	WorkoutsKeptCanonical   int
	FieldsFilled            int
	MergeStepFailures       int
	// EarliestAffectedDate is zero when no group was found.
	EarliestAffectedDate time.Time
}

// Run is the persisted record of one engine invocation.
type Run struct {
	ID         string
	UserRef    string
	UserID     string
	State      RunState
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Summary    Summary
	Error      string
}

// Metrics receives engine observations.
type Metrics interface {
	RunFinished(state RunState, elapsed time.Duration)
	GroupMerged(result MergeResult)
	MergeStepFailed(step string)
	FieldFilled(column string)
	RecalcEnqueueFailed()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RunFinished(RunState, time.Duration) {}
func (NopMetrics) GroupMerged(MergeResult)             {}
func (NopMetrics) MergeStepFailed(string)              {}
func (NopMetrics) FieldFilled(string)                  {}
func (NopMetrics) RecalcEnqueueFailed()                {}
