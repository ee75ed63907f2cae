// Package estimate projects the cost and wall-clock duration of a run
// before any processor is invoked, using per-step averages observed in
// earlier runs.
package estimate

import (
	"fmt"

	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/runlog"
	"github.com/papapumpkin/accretion/internal/segment"
)

// Defaults used when no historical samples exist yet.
const (
	defaultStepCostUSD    = 0.25
	defaultStepDurationMs = 30_000
)

// SegmentEstimate is the projection for one segment.
type SegmentEstimate struct {
	SegmentID  string
	Kind       segment.Kind
	StepsTotal int
	StepsLeft  int
	CostUSD    float64
	DurationMs float64

	// FinishMs is the projected completion time on the critical path,
	// measured from run start.
	FinishMs float64
}

// Plan is the full projection for a run.
type Plan struct {
	Segments []SegmentEstimate

	StepsLeft int
	CostUSD   float64

	// SerialMs is the projected duration with one worker; CriticalPathMs
	// is the lower bound with unlimited workers (the longest dependency
	// chain).
	SerialMs       float64
	CriticalPathMs float64

	// Samples is how many recorded steps back the averages; zero means
	// built-in defaults were used.
	Samples int
}

// Build projects a run over topologically sorted segments. Progress already
// in the ledger shrinks the remaining work; avg supplies per-step cost and
// duration, falling back to defaults when it carries no samples.
func Build(segments []*segment.Segment, l *ledger.Ledger, avg runlog.Averages) (*Plan, error) {
	stepCost := avg.CostUSD
	stepMs := avg.DurationMs
	if avg.Samples == 0 {
		stepCost = defaultStepCostUSD
		stepMs = defaultStepDurationMs
	}

	plan := &Plan{Samples: avg.Samples}
	finish := make(map[string]float64, len(segments))

	for _, s := range segments {
		left := len(s.CommitIDs)
		if l != nil {
			if p, ok := l.Progress(s.ID); ok {
				if p.Status == ledger.StatusComplete {
					left = 0
				} else if done := len(p.Steps); done < left {
					left -= done
				} else {
					left = 0
				}
			}
		}

		se := SegmentEstimate{
			SegmentID:  s.ID,
			Kind:       s.Kind,
			StepsTotal: len(s.CommitIDs),
			StepsLeft:  left,
			CostUSD:    float64(left) * stepCost,
			DurationMs: float64(left) * stepMs,
		}

		// A segment cannot start before its slowest dependency finishes.
		var start float64
		for _, dep := range s.DependsOn {
			f, ok := finish[dep]
			if !ok {
				return nil, fmt.Errorf("segment %s depends on unknown segment %s", s.ID, dep)
			}
			if f > start {
				start = f
			}
		}
		se.FinishMs = start + se.DurationMs
		finish[s.ID] = se.FinishMs

		plan.Segments = append(plan.Segments, se)
		plan.StepsLeft += left
		plan.CostUSD += se.CostUSD
		plan.SerialMs += se.DurationMs
		if se.FinishMs > plan.CriticalPathMs {
			plan.CriticalPathMs = se.FinishMs
		}
	}
	return plan, nil
}
