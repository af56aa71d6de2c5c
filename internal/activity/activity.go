// Package activity classifies how recently a session did something and keeps
// a journal of what it did.
package activity

import (
	"strconv"
	"time"
)

// State is a coarse liveness bucket derived from a session's last activity.
type State string

const (
	StateActive  State = "active"  // under ThresholdActive
	StateIdle    State = "idle"    // under ThresholdIdle
	StateStalled State = "stalled" // beyond ThresholdIdle
	StateUnknown State = "unknown"
)

// Thresholds.
const (
	ThresholdActive = 2 * time.Minute
	ThresholdIdle   = 5 * time.Minute
)

// Info describes a session's last activity for display.
type Info struct {
	Last  time.Time
	Since time.Duration
	Age   string
	State State
}

// Classify computes Info for last relative to now. A zero last is unknown,
// and a last in the future counts as just now.
func Classify(last, now time.Time) Info {
	if last.IsZero() {
		return Info{Age: "unknown", State: StateUnknown}
	}
	since := now.Sub(last)
	if since < 0 {
		since = 0
	}
	return Info{
		Last:  last,
		Since: since,
		Age:   FormatAge(since),
		State: stateFor(since),
	}
}

// Of classifies last against the current time.
func Of(last time.Time) Info {
	return Classify(last, time.Now())
}

func stateFor(d time.Duration) State {
	switch {
	case d < ThresholdActive:
		return StateActive
	case d < ThresholdIdle:
		return StateIdle
	default:
		return StateStalled
	}
}

// FormatAge renders d as "<1m", "5m", "2h" or "3d".
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	default:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
}
