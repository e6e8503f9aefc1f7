// Package heatmap derives a fixed-resolution severity grid from a session's
// violation log, for the monitoring timeline and the "peak activity" insight.
package heatmap

import (
	"time"

	"github.com/skillscreen/proctoring-service/internal/models"
)

// DefaultBucketCount matches the reference 12x5 monitoring grid.
const DefaultBucketCount = 60

// Severity weights are visualization-only and deliberately distinct from the
// integrity-score penalty table.
var severity = map[models.ViolationType]int{
	models.ViolationMultipleFaces:     3,
	models.ViolationPhoneDetected:     3,
	models.ViolationScreenshotAttempt: 3,
	models.ViolationTabSwitch:         2,
	models.ViolationCopyPaste:         2,
	models.ViolationLookingAway:       1,
	models.ViolationRightClick:        1,
	models.ViolationMouseLeave:        1,
}

// Severity returns the visualization weight for a violation type. Types the
// table does not know weigh 1; the ledger has already validated writes, so
// this only matters for historical data.
func Severity(t models.ViolationType) int {
	if s, ok := severity[t]; ok {
		return s
	}
	return 1
}

// Cell is one time bucket of the grid.
type Cell struct {
	Severity int `json:"severity"`
	Count    int `json:"count"`
}

// Grid is the aggregation result. PeakIndex and QuietIndex are -1 when not
// found (empty log or degenerate duration).
type Grid struct {
	Cells         []Cell  `json:"cells"`
	BucketSeconds float64 `json:"bucket_seconds"`

	// PeakIndex is the bucket with the highest severity.
	PeakIndex int `json:"peak_index"`

	// QuietIndex is the first zero-severity bucket, scanned from the start.
	QuietIndex int `json:"quiet_index"`

	TotalViolations int `json:"total_violations"`
}

// Summary carries the attention-rate figures shown next to the grid.
type Summary struct {
	AttentionPercent int     `json:"attention_percent"`
	AttentiveSeconds float64 `json:"attentive_seconds"`
	AwaySeconds      float64 `json:"away_seconds"`
	TotalSeconds     float64 `json:"total_seconds"`
}

type Aggregator struct {
	buckets int
}

// New returns an aggregator with the given bucket count; values below 1 fall
// back to the default grid size.
func New(buckets int) *Aggregator {
	if buckets < 1 {
		buckets = DefaultBucketCount
	}
	return &Aggregator{buckets: buckets}
}

// Aggregate partitions [0, totalDuration] seconds into equal buckets and sums
// per-type severity per bucket. Elapsed time is measured from the minimum
// violation timestamp (the empirical session start) rather than a
// caller-supplied start, because client clocks may not have recorded the true
// first-event time.
func (a *Aggregator) Aggregate(violations []models.Violation, totalDuration float64) *Grid {
	grid := &Grid{
		Cells:           make([]Cell, a.buckets),
		PeakIndex:       -1,
		QuietIndex:      -1,
		TotalViolations: len(violations),
	}

	if totalDuration <= 0 {
		// All-zero grid; no peak, no quiet. Must not divide by zero.
		return grid
	}
	grid.BucketSeconds = totalDuration / float64(a.buckets)

	var start time.Time
	for _, v := range violations {
		if start.IsZero() || v.Timestamp.Before(start) {
			start = v.Timestamp
		}
	}

	for _, v := range violations {
		elapsed := v.Timestamp.Sub(start).Seconds()
		idx := int(elapsed / totalDuration * float64(a.buckets))
		if idx < 0 {
			idx = 0
		}
		if idx >= a.buckets {
			idx = a.buckets - 1
		}
		grid.Cells[idx].Severity += Severity(v.Type)
		grid.Cells[idx].Count++
	}

	maxSev := 0
	for i, c := range grid.Cells {
		if c.Severity > maxSev {
			maxSev = c.Severity
			grid.PeakIndex = i
		}
	}
	for i, c := range grid.Cells {
		if c.Severity == 0 {
			grid.QuietIndex = i
			break
		}
	}

	return grid
}

// Summarize computes the attention rate from the derived counters.
func Summarize(att models.AttentionData, totalDuration float64) Summary {
	s := Summary{
		AwaySeconds:      att.TotalLookingAway,
		TotalSeconds:     totalDuration,
		AttentionPercent: 100,
	}
	s.AttentiveSeconds = totalDuration - att.TotalLookingAway
	if s.AttentiveSeconds < 0 {
		s.AttentiveSeconds = 0
	}
	if totalDuration > 0 {
		s.AttentionPercent = int(s.AttentiveSeconds/totalDuration*100 + 0.5)
	}
	return s
}

// Breakdown counts violations per type, for the report summary.
func Breakdown(violations []models.Violation) map[models.ViolationType]int {
	counts := make(map[models.ViolationType]int)
	for _, v := range violations {
		counts[v.Type]++
	}
	return counts
}
