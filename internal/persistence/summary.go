// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/workoutdedup/internal/domain"
)

type summaryRecord struct {
	RunID                   string     `json:"run_id"`
	Success                 bool       `json:"success"`
	DuplicateGroupsFound    int        `json:"duplicate_groups_found"`
	WorkoutsMarkedDuplicate int        `json:"workouts_marked_duplicate"`
	WorkoutsKeptCanonical   int        `json:"workouts_kept_canonical"`
	FieldsFilled            int        `json:"fields_filled"`
	MergeStepFailures       int        `json:"merge_step_failures"`
	EarliestAffectedDate    *time.Time `json:"earliest_affected_date,omitempty"`
}

// EncodeSummary serialises a run summary for a JSON column.
func EncodeSummary(s domain.Summary) ([]byte, error) {
	rec := summaryRecord{
		RunID:                   s.RunID,
		Success:                 s.Success,
		DuplicateGroupsFound:    s.DuplicateGroupsFound,
		WorkoutsMarkedDuplicate: s.WorkoutsMarkedDuplicate,
		WorkoutsKeptCanonical:   s.WorkoutsKeptCanonical,
		FieldsFilled:            s.FieldsFilled,
		MergeStepFailures:       s.MergeStepFailures,
	}
	if !s.EarliestAffectedDate.IsZero() {
		earliest := s.EarliestAffectedDate.UTC()
		rec.EarliestAffectedDate = &earliest
	}
	return json.Marshal(rec)
}

// DecodeSummary parses a summary written by EncodeSummary. Empty input yields a
// zero summary.
func DecodeSummary(raw []byte) (domain.Summary, error) {
	if len(raw) == 0 {
		return domain.Summary{}, nil
	}
	var rec summaryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Summary{}, fmt.Errorf("decoding run summary: %w", err)
	}
	s := domain.Summary{
		RunID:                   rec.RunID,
		Success:                 rec.Success,
		DuplicateGroupsFound:    rec.DuplicateGroupsFound,
		WorkoutsMarkedDuplicate: rec.WorkoutsMarkedDuplicate,
		WorkoutsKeptCanonical:   rec.WorkoutsKeptCanonical,
		FieldsFilled:            rec.FieldsFilled,
		MergeStepFailures:       rec.MergeStepFailures,
	}
	if rec.EarliestAffectedDate != nil {
		s.EarliestAffectedDate = *rec.EarliestAffectedDate
	}
	return s, nil
}
