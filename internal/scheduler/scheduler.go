// Package scheduler executes segments concurrently in dependency order.
// Dispatch is continuous: when any segment finishes, the loop immediately
// re-evaluates for newly ready segments — no wave or batch barriers.
// Within a segment, commits are processed strictly in order; across
// segments only the dependency partial order is guaranteed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/papapumpkin/accretion/internal/gitrepo"
	"github.com/papapumpkin/accretion/internal/history"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/processor"
	"github.com/papapumpkin/accretion/internal/runlog"
	"github.com/papapumpkin/accretion/internal/segment"
	"github.com/papapumpkin/accretion/internal/telemetry"
	"github.com/papapumpkin/accretion/internal/ui"
)

var (
	// ErrShutdown is the graceful termination outcome: in-flight segments
	// finished their current commit and the ledger is safe to resume from.
	ErrShutdown = errors.New("graceful shutdown")

	// ErrNoProgress means no segment is ready and none is in flight while
	// work remains — reachable only when failed segments block downstream
	// dependents.
	ErrNoProgress = errors.New("no segment can make progress")

	// ErrSegmentsFailed aggregates processor failures once the run can do
	// nothing more.
	ErrSegmentsFailed = errors.New("segments failed")
)

// reconcileTag marks the merge step in the replay log.
const reconcileTag = "reconcile"

// defaultWindow is how many preceding commit summaries a step request
// carries for context.
const defaultWindow = 5

// Source is the read access to the original repository the scheduler needs.
// *gitrepo.Repo implements it.
type Source interface {
	Message(ctx context.Context, sha string) (string, error)
	Patch(ctx context.Context, sha string) (string, error)
	FileAt(ctx context.Context, sha, path string) (string, error)
}

// Writer materializes synthetic commits. *gitrepo.Repo implements it.
type Writer interface {
	WriteSynthetic(ctx context.Context, sc gitrepo.SyntheticCommit) (string, error)
}

// Refs advances shadow pointers. *gitrepo.Repo implements it.
type Refs interface {
	UpdateRef(ctx context.Context, ref, sha string) error
}

// Progress is a point-in-time view of one segment, delivered to the
// OnProgress callback. The callback may be invoked from multiple
// goroutines.
type Progress struct {
	SegmentID  string
	Status     ledger.Status
	StepsDone  int
	StepsTotal int
	CostUSD    float64
}

// Runner drives one derivation run over a topologically sorted segment
// list. Graph, Segments, and Ledger are required; UI, Telemetry, Runlog,
// and OnProgress are optional.
type Runner struct {
	Graph    *history.Graph
	Segments []*segment.Segment
	Ledger   *ledger.Ledger

	Steps      processor.StepProcessor
	Reconciler processor.Reconciler

	Source Source
	Writer Writer
	Refs   Refs

	// ShadowBranch is the trunk pointer's branch name.
	ShadowBranch string

	// ArtifactPath and LogPath are the overlay file names every synthetic
	// commit carries.
	ArtifactPath string
	LogPath      string

	MaxWorkers int
	WindowSize int

	// RunTag labels recorded steps with the processor that produced them.
	RunTag string

	RunID      string
	UI         *ui.Printer
	Telemetry  *telemetry.Emitter
	Runlog     *runlog.Store
	OnProgress func(Progress)

	segmentOf map[string]string // commit id -> segment id
}

// segmentResult is a completed segment's final outputs, handed to
// dependents in memory during the run.
type segmentResult struct {
	artifact string
	log      string
	tip      string // final synthetic id
}

// completion is what a worker goroutine reports back to the dispatch loop.
type completion struct {
	segmentID string
	result    segmentResult
	err       error
	shutdown  bool
}

// Run executes all segments. It returns nil on full success, ErrShutdown
// on cooperative cancellation, and an ErrSegmentsFailed or ErrNoProgress
// wrap otherwise.
func (r *Runner) Run(ctx context.Context) error {
	if r.MaxWorkers <= 0 {
		r.MaxWorkers = 1
	}
	if r.WindowSize <= 0 {
		r.WindowSize = defaultWindow
	}
	r.segmentOf = make(map[string]string, r.Graph.Len())
	for _, s := range r.Segments {
		for _, id := range s.CommitIDs {
			r.segmentOf[id] = s.ID
		}
	}

	done := make(map[string]bool)
	failed := make(map[string]bool)
	inFlight := make(map[string]bool)
	results := make(map[string]segmentResult)

	// Seed from the ledger: completed segments are done; a failed status
	// from a prior run is retried, not carried over.
	for _, s := range r.Segments {
		p, ok := r.Ledger.Progress(s.ID)
		if !ok {
			continue
		}
		switch p.Status {
		case ledger.StatusComplete:
			if len(p.Steps) == 0 {
				return fmt.Errorf("%w: segment %s complete with no recorded steps", ledger.ErrStateMismatch, s.ID)
			}
			done[s.ID] = true
			results[s.ID] = segmentResult{
				artifact: p.Artifact,
				log:      p.Log,
				tip:      p.Steps[len(p.Steps)-1].SyntheticID,
			}
		case ledger.StatusFailed:
			if err := r.Ledger.SetSegmentStatus(s.ID, ledger.StatusInProgress); err != nil {
				return err
			}
		}
	}

	sem := make(chan struct{}, r.MaxWorkers)
	// completionCh lets the dispatch loop re-evaluate the moment any one
	// segment finishes.
	completionCh := make(chan completion, len(r.Segments))
	var active int64

	drain := func() {
		for atomic.LoadInt64(&active) > 0 {
			<-completionCh
			atomic.AddInt64(&active, -1)
		}
	}

	for {
		if ctx.Err() != nil {
			if r.UI != nil {
				r.UI.ShutdownRequested()
			}
			drain()
			r.emit(telemetry.Event{Kind: telemetry.KindShutdown, RunID: r.RunID})
			return ErrShutdown
		}

		ready := r.readySegments(done, failed, inFlight)
		if len(ready) == 0 {
			if len(inFlight) == 0 {
				return r.finish(done, failed)
			}
			c := <-completionCh
			atomic.AddInt64(&active, -1)
			delete(inFlight, c.segmentID)
			switch {
			case c.shutdown:
				// Loop top observes ctx and drains the rest.
			case c.err != nil:
				failed[c.segmentID] = true
				if r.UI != nil {
					r.UI.SegmentFailed(c.segmentID, c.err)
				}
			default:
				done[c.segmentID] = true
				results[c.segmentID] = c.result
			}
			continue
		}

		for _, s := range ready {
			if ctx.Err() != nil || len(inFlight) >= r.MaxWorkers {
				break
			}
			preds, err := r.resolvePredecessors(s, results)
			if err != nil {
				failed[s.ID] = true
				if r.UI != nil {
					r.UI.SegmentFailed(s.ID, err)
				}
				continue
			}
			inFlight[s.ID] = true

			sem <- struct{}{}
			atomic.AddInt64(&active, 1)
			go func(s *segment.Segment, preds predecessors) {
				res, err := r.runSegment(ctx, s, preds)
				c := completion{segmentID: s.ID}
				switch {
				case err == nil && res == nil:
					c.shutdown = true
				case err != nil && ctx.Err() != nil:
					c.shutdown = true
				case err != nil:
					c.err = err
				default:
					c.result = *res
				}
				<-sem
				completionCh <- c
			}(s, preds)
		}

		if len(inFlight) > 0 {
			c := <-completionCh
			atomic.AddInt64(&active, -1)
			delete(inFlight, c.segmentID)
			switch {
			case c.shutdown:
			case c.err != nil:
				failed[c.segmentID] = true
				if r.UI != nil {
					r.UI.SegmentFailed(c.segmentID, c.err)
				}
			default:
				done[c.segmentID] = true
				results[c.segmentID] = c.result
			}
		}
	}
}

// readySegments returns segments whose dependencies are complete, in topo
// order for deterministic single-worker dispatch. Segments downstream of a
// failure are never ready; the loop ends once nothing else can move.
func (r *Runner) readySegments(done, failed, inFlight map[string]bool) []*segment.Segment {
	var ready []*segment.Segment
	for _, s := range r.Segments {
		if done[s.ID] || failed[s.ID] || inFlight[s.ID] {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// finish classifies the terminal state once nothing is ready or in flight.
func (r *Runner) finish(done, failed map[string]bool) error {
	if len(done) == len(r.Segments) {
		return nil
	}
	if len(failed) > 0 {
		var ids []string
		for _, s := range r.Segments {
			if failed[s.ID] {
				ids = append(ids, s.ID)
			}
		}
		return fmt.Errorf("%w: %s", ErrSegmentsFailed, strings.Join(ids, ", "))
	}
	return fmt.Errorf("%w: %d of %d segments incomplete", ErrNoProgress, len(r.Segments)-len(done), len(r.Segments))
}

func (r *Runner) emit(evt telemetry.Event) {
	if r.Telemetry != nil {
		_ = r.Telemetry.Emit(evt)
	}
}

func (r *Runner) reportProgress(s *segment.Segment, status ledger.Status, stepsDone int, cost float64) {
	if r.OnProgress == nil {
		return
	}
	r.OnProgress(Progress{
		SegmentID:  s.ID,
		Status:     status,
		StepsDone:  stepsDone,
		StepsTotal: len(s.CommitIDs),
		CostUSD:    cost,
	})
}
