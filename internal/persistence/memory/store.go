// Package memory provides an in-memory workout store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/workoutdedup/internal/domain"
)

// Store keeps workouts and their relations in maps. WithinGroup snapshots the
// state and restores it when the unit of work fails.
type Store struct {
	mu        sync.RWMutex
	workouts  map[string]domain.Workout
	streams   map[string]domain.Stream
	exercises map[string]domain.Exercise
	planned   map[string]domain.PlannedWorkout
	users     map[string]string
	runs      map[string]domain.Run

	failures map[string]error
	writes   int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		workouts:  make(map[string]domain.Workout),
		streams:   make(map[string]domain.Stream),
		exercises: make(map[string]domain.Exercise),
		planned:   make(map[string]domain.PlannedWorkout),
		users:     make(map[string]string),
		runs:      make(map[string]domain.Run),
		failures:  make(map[string]error),
	}
}

// Operation names accepted by FailOn.
const (
	OpList                 = "list"
	OpLoad                 = "load"
	OpUpdateScalarFields   = "update_scalar_fields"
	OpSetScore             = "set_score"
	OpTransferPlanned      = "transfer_planned"
	OpMarkPlannedCompleted = "mark_planned_completed"
	OpReparentStream       = "reparent_stream"
	OpReparentExercises    = "reparent_exercises"
	OpRepointDuplicates    = "repoint_duplicates"
	OpMarkDuplicate        = "mark_duplicate"
	OpClearDuplicate       = "clear_duplicate"
)

// FailOn makes every later call of op return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Writes returns the number of successful mutations applied by GroupTx calls.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// AddUser registers an email for FindIDByEmail.
func (s *Store) AddUser(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(email)] = id
}

// AddWorkout inserts or replaces a workout row. Relation hints on w are ignored
// except PlannedWorkoutID.
func (s *Store) AddWorkout(w domain.Workout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.StreamID = nil
	w.ExerciseCount = 0
	s.workouts[w.ID] = w
}

// AddStream attaches a stream to its workout.
func (s *Store) AddStream(st domain.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.ID] = st
}

// AddExercise attaches an exercise entry to its workout.
func (s *Store) AddExercise(e domain.Exercise) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exercises[e.ID] = e
}

// AddPlannedWorkout inserts a planned workout.
func (s *Store) AddPlannedWorkout(p domain.PlannedWorkout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planned[p.ID] = p
}

// Workout returns a workout with relation hints populated.
func (s *Store) Workout(id string) (domain.Workout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workouts[id]
	if !ok {
		return domain.Workout{}, false
	}
	return s.withHints(w), true
}

// Stream returns a stream by id.
func (s *Store) Stream(id string) (domain.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// StreamsOf returns the ids of streams pointing at workoutID.
func (s *Store) StreamsOf(workoutID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, st := range s.streams {
		if st.WorkoutID == workoutID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ExercisesOf returns the exercise entries of workoutID ordered by position.
func (s *Store) ExercisesOf(workoutID string) []domain.Exercise {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Exercise
	for _, e := range s.exercises {
		if e.WorkoutID == workoutID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// PlannedWorkout returns a planned workout by id.
func (s *Store) PlannedWorkout(id string) (domain.PlannedWorkout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.planned[id]
	return p, ok
}

// FindIDByEmail implements domain.UserDirectory.
func (s *Store) FindIDByEmail(_ context.Context, email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return "", domain.ErrUserNotFound
	}
	return id, nil
}

// ListForUser implements domain.WorkoutStore. Workouts are ordered by date,
// then id.
func (s *Store) ListForUser(_ context.Context, userID string, opts domain.ListOptions) ([]domain.Workout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failures[OpList]; err != nil {
		return nil, err
	}

	var out []domain.Workout
	for _, w := range s.workouts {
		if w.UserID != userID {
			continue
		}
		if !opts.Since.IsZero() && w.Date.Before(opts.Since) {
			continue
		}
		out = append(out, s.withHints(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// WithinGroup implements domain.WorkoutStore.
func (s *Store) WithinGroup(ctx context.Context, fn func(domain.GroupTx) error) error {
	s.mu.Lock()
	snapshot := s.snapshot()
	s.mu.Unlock()

	if err := fn(&groupTx{store: s}); err != nil {
		s.mu.Lock()
		s.restore(snapshot)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SaveRun implements domain.RunRecorder.
func (s *Store) SaveRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// GetRun implements domain.RunReader.
func (s *Store) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return &run, nil
}

func (s *Store) withHints(w domain.Workout) domain.Workout {
	w.StreamID = nil
	w.ExerciseCount = 0
	for id, st := range s.streams {
		if st.WorkoutID == w.ID {
			streamID := id
			w.StreamID = &streamID
			break
		}
	}
	for _, e := range s.exercises {
		if e.WorkoutID == w.ID {
			w.ExerciseCount++
		}
	}
	return w
}

type snapshot struct {
	workouts  map[string]domain.Workout
	streams   map[string]domain.Stream
	exercises map[string]domain.Exercise
	planned   map[string]domain.PlannedWorkout
	writes    int
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		workouts:  maps.Clone(s.workouts),
		streams:   maps.Clone(s.streams),
		exercises: maps.Clone(s.exercises),
		planned:   maps.Clone(s.planned),
		writes:    s.writes,
	}
}

func (s *Store) restore(snap snapshot) {
	s.workouts = snap.workouts
	s.streams = snap.streams
	s.exercises = snap.exercises
	s.planned = snap.planned
	s.writes = snap.writes
}

type groupTx struct {
	store *Store
}

// mutate runs fn under the write lock unless op is configured to fail.
func (tx *groupTx) mutate(op string, fn func(s *Store) error) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[op]; err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	s.writes++
	return nil
}

func (tx *groupTx) LoadWorkouts(_ context.Context, ids []string) ([]domain.Workout, error) {
	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failures[OpLoad]; err != nil {
		return nil, err
	}
	out := make([]domain.Workout, 0, len(ids))
	for _, id := range ids {
		if w, ok := s.workouts[id]; ok {
			out = append(out, s.withHints(w))
		}
	}
	return out, nil
}

func (tx *groupTx) UpdateScalarFields(_ context.Context, id string, fields domain.FieldSet) error {
	return tx.mutate(OpUpdateScalarFields, func(s *Store) error {
		w, ok := s.workouts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrWorkoutNotFound, id)
		}
		if err := domain.ApplyFields(&w, fields); err != nil {
			return err
		}
		s.workouts[id] = w
		return nil
	})
}

func (tx *groupTx) SetCompletenessScore(_ context.Context, id string, score int) error {
	return tx.mutate(OpSetScore, func(s *Store) error {
		w, ok := s.workouts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrWorkoutNotFound, id)
		}
		w.CompletenessScore = &score
		s.workouts[id] = w
		return nil
	})
}

func (tx *groupTx) TransferPlannedWorkout(_ context.Context, plannedID, fromID, toID string) error {
	return tx.mutate(OpTransferPlanned, func(s *Store) error {
		from, okFrom := s.workouts[fromID]
		to, okTo := s.workouts[toID]
		if !okFrom || !okTo {
			return fmt.Errorf("%w: %s -> %s", domain.ErrWorkoutNotFound, fromID, toID)
		}
		if to.HasPlannedWorkout() {
			return fmt.Errorf("planned workout for %s: %w", toID, domain.ErrRelationConflict)
		}
		from.PlannedWorkoutID = nil
		id := plannedID
		to.PlannedWorkoutID = &id
		s.workouts[fromID] = from
		s.workouts[toID] = to
		return nil
	})
}

func (tx *groupTx) MarkPlannedCompleted(_ context.Context, plannedID string, completedAt time.Time) error {
	return tx.mutate(OpMarkPlannedCompleted, func(s *Store) error {
		p, ok := s.planned[plannedID]
		if !ok {
			return fmt.Errorf("planned workout %s not found", plannedID)
		}
		if !p.Completed {
			p.Completed = true
			p.CompletedAt = &completedAt
		}
		s.planned[plannedID] = p
		return nil
	})
}

func (tx *groupTx) ReparentStream(_ context.Context, streamID, newWorkoutID string) error {
	return tx.mutate(OpReparentStream, func(s *Store) error {
		st, ok := s.streams[streamID]
		if !ok {
			return fmt.Errorf("stream %s not found", streamID)
		}
		for id, other := range s.streams {
			if id != streamID && other.WorkoutID == newWorkoutID {
				return fmt.Errorf("stream for %s: %w", newWorkoutID, domain.ErrRelationConflict)
			}
		}
		st.WorkoutID = newWorkoutID
		s.streams[streamID] = st
		return nil
	})
}

func (tx *groupTx) ReparentExercises(_ context.Context, oldWorkoutID, newWorkoutID string) error {
	return tx.mutate(OpReparentExercises, func(s *Store) error {
		for id, e := range s.exercises {
			if e.WorkoutID == oldWorkoutID {
				e.WorkoutID = newWorkoutID
				s.exercises[id] = e
			}
		}
		return nil
	})
}

func (tx *groupTx) RepointDuplicates(_ context.Context, fromID, toID string) (int, error) {
	moved := 0
	err := tx.mutate(OpRepointDuplicates, func(s *Store) error {
		for id, w := range s.workouts {
			if id == toID || w.DuplicateOf == nil || *w.DuplicateOf != fromID {
				continue
			}
			target := toID
			w.DuplicateOf = &target
			s.workouts[id] = w
			moved++
		}
		return nil
	})
	return moved, err
}

func (tx *groupTx) MarkDuplicate(_ context.Context, id, canonicalID string) error {
	return tx.mutate(OpMarkDuplicate, func(s *Store) error {
		w, ok := s.workouts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrWorkoutNotFound, id)
		}
		canonical := canonicalID
		w.IsDuplicate = true
		w.DuplicateOf = &canonical
		s.workouts[id] = w
		return nil
	})
}

func (tx *groupTx) ClearDuplicate(_ context.Context, id string) error {
	return tx.mutate(OpClearDuplicate, func(s *Store) error {
		w, ok := s.workouts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrWorkoutNotFound, id)
		}
		w.IsDuplicate = false
		w.DuplicateOf = nil
		s.workouts[id] = w
		return nil
	})
}
