package domain

import "time"

var day = time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func str(v string) *string { return &v }

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func workout(id string, source Source, typ string, start time.Time, minutes int) Workout {
	return Workout{
		ID:          id,
		UserID:      "user-1",
		Source:      source,
		Type:        typ,
		Date:        start,
		DurationSec: minutes * 60,
	}
}
