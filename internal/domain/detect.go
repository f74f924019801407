package domain

import (
	"math"
	"strings"
	"time"
)

const (
	startTolerance      = 30 * time.Minute
	timezoneSlack       = 5 * time.Minute
	minTimezoneShift    = 1 * time.Hour
	maxTimezoneShift    = 14 * time.Hour
	closeStartWindow    = 10 * time.Minute
	baseDurationFloor   = 5 * time.Minute
	closeDurationFloor  = 30 * time.Minute
	pausedDurationFloor = 60 * time.Minute
	baseDurationRatio   = 0.10
	closeDurationRatio  = 0.50
	pausedDurationRatio = 0.90
)

// pauseHeavyTypes get a much wider duration tolerance: auto-pause behaviour
// differs between recording devices.
var pauseHeavyTypes = []string{"ski", "snowboard", "hike", "hiking"}

// IsDuplicatePair decides whether two workouts of the same user describe the
// same real-world session. It favours recall: once start time and duration
// agree, either a title or a sport-type match is enough.
func IsDuplicatePair(a, b Workout) bool {
	timeDiff := absDuration(a.Date.Sub(b.Date))

	threshold := startTolerance
	if isTimezoneShift(timeDiff) {
		threshold = timeDiff
	}
	if timeDiff > threshold {
		return false
	}

	if durationDiff(a, b) > durationTolerance(a, b, timeDiff) {
		return false
	}

	return titlesSimilar(a.Title, b.Title) || typesSimilar(a.Type, b.Type)
}

// isTimezoneShift reports whether diff looks like a whole-hour offset caused by
// one source recording local time as UTC.
func isTimezoneShift(diff time.Duration) bool {
	if diff < minTimezoneShift || diff > maxTimezoneShift {
		return false
	}
	nearest := diff.Round(time.Hour)
	return absDuration(diff-nearest) < timezoneSlack
}

func durationDiff(a, b Workout) time.Duration {
	return absDuration(time.Duration(a.DurationSec-b.DurationSec) * time.Second)
}

func durationTolerance(a, b Workout, timeDiff time.Duration) time.Duration {
	longer := time.Duration(max(a.DurationSec, b.DurationSec)) * time.Second

	floor, ratio := baseDurationFloor, baseDurationRatio
	if timeDiff <= closeStartWindow {
		if isPauseHeavy(a.Type) || isPauseHeavy(b.Type) {
			floor, ratio = pausedDurationFloor, pausedDurationRatio
		} else {
			floor, ratio = closeDurationFloor, closeDurationRatio
		}
	}

	scaled := time.Duration(math.Round(float64(longer) * ratio))
	return max(floor, scaled)
}

func isPauseHeavy(t string) bool {
	t = strings.ToLower(t)
	for _, p := range pauseHeavyTypes {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func titlesSimilar(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func typesSimilar(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	switch {
	case a == b:
		return true
	case strings.Contains(a, "ride") && strings.Contains(b, "ride"):
		return true
	case strings.Contains(a, "run") && strings.Contains(b, "run"):
		return true
	case a == "gym" && strings.Contains(b, "weight"):
		return true
	case b == "gym" && strings.Contains(a, "weight"):
		return true
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
