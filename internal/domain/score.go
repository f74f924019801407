package domain

import (
	"strings"
	"unicode/utf8"
)

// sourceBonus ranks platforms by how much they usually know about a session.
var sourceBonus = map[Source]int{
	SourceHevy:      25,
	SourceIntervals: 15,
	SourceStrava:    10,
	SourceWithings:  5,
	SourceFitbit:    5,
}

// CompletenessScore returns the additive information score used to choose the
// canonical member of a duplicate group.
func CompletenessScore(w Workout) int {
	score := sourceBonus[w.Source]

	if w.HasExercises() {
		score += 50
	}

	if IsCyclingType(w.Type) {
		if positive(w.AverageWatts) {
			score += 40
			if w.Source == SourceIntervals {
				score += 10
			}
		}
		if positive(w.NormalizedPower) {
			score += 10
		}
		if positive(w.TSS) {
			score += 10
		}
	}
	if IsGymType(w.Type) && w.Source == SourceStrava {
		score += 20
	}

	if positive(w.AverageHR) {
		score += 20
	}
	if positive(w.MaxHR) {
		score += 5
	}
	if positive(w.DistanceMeters) {
		score += 5
	}
	if positive(w.ElevationGain) {
		score += 5
	}
	if w.HasStream() {
		score += 50
	}
	if positive(w.TrainingLoad) {
		score += 10
	}
	if positive(w.Intensity) {
		score += 5
	}
	if positive(w.Calories) {
		score += 3
	}
	if positive(w.AverageSpeed) {
		score += 3
	}
	if positive(w.MaxSpeed) {
		score += 2
	}
	if positive(w.AverageCadence) {
		score += 5
	}
	if w.Description != nil && utf8.RuneCountInString(*w.Description) > 5 {
		score += 5
	}
	return score
}

// IsCyclingType reports whether the free-form sport tag describes a ride.
func IsCyclingType(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "ride") || strings.Contains(t, "bike")
}

// IsGymType reports whether the sport tag describes strength training.
func IsGymType(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "gym") || strings.Contains(t, "strength") || strings.Contains(t, "weight")
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}
