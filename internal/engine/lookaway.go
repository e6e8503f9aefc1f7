package engine

import "time"

// DefaultAwayThreshold is how long a face must be continuously absent before
// a looking_away violation is emitted.
const DefaultAwayThreshold = 5 * time.Second

// AwayTracker debounces the continuous "no face detected" condition. The
// detector samples every few seconds; without debouncing a single long
// absence would fire a violation on every tick. The tracker emits once the
// continuous absence exceeds the threshold, then resets its timer so a still
// ongoing absence produces repeated violations at threshold granularity.
//
// Not safe for concurrent use; the detection loop is the only caller.
type AwayTracker struct {
	threshold time.Duration
	awaySince time.Time
}

func NewAwayTracker(threshold time.Duration) *AwayTracker {
	if threshold <= 0 {
		threshold = DefaultAwayThreshold
	}
	return &AwayTracker{threshold: threshold}
}

// Observe records one detection tick. faceCount == 0 means the candidate is
// away. It returns the elapsed away duration in seconds and true when a
// looking_away violation should be emitted now.
func (a *AwayTracker) Observe(faceCount int, now time.Time) (float64, bool) {
	if faceCount > 0 {
		a.awaySince = time.Time{}
		return 0, false
	}

	if a.awaySince.IsZero() {
		a.awaySince = now
		return 0, false
	}

	elapsed := now.Sub(a.awaySince)
	if elapsed <= a.threshold {
		return elapsed.Seconds(), false
	}

	a.awaySince = now
	return elapsed.Seconds(), true
}

// Away reports whether the tracker currently considers the candidate away.
func (a *AwayTracker) Away() bool {
	return !a.awaySince.IsZero()
}
