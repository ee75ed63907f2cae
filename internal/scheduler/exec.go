package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/papapumpkin/accretion/internal/gitrepo"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/processor"
	"github.com/papapumpkin/accretion/internal/runlog"
	"github.com/papapumpkin/accretion/internal/segment"
	"github.com/papapumpkin/accretion/internal/shadow"
	"github.com/papapumpkin/accretion/internal/telemetry"
)

// predecessors carries a merge segment's two upstream results, resolved by
// the dispatch loop before launch so workers never share the results map.
type predecessors struct {
	trunk  segmentResult
	branch segmentResult
}

// resolvePredecessors looks up both upstream results of a merge segment,
// preferring in-memory results from this run and falling back to progress
// persisted by a prior one.
func (r *Runner) resolvePredecessors(s *segment.Segment, results map[string]segmentResult) (predecessors, error) {
	if !s.IsMerge(r.Graph) {
		return predecessors{}, nil
	}
	parents := r.Graph.Node(s.First()).Parents
	if len(parents) != 2 {
		return predecessors{}, fmt.Errorf("merge %s has %d parents; only two-parent merges are supported", s.First(), len(parents))
	}

	resolve := func(parent string) (segmentResult, error) {
		segID, ok := r.segmentOf[parent]
		if !ok {
			return segmentResult{}, fmt.Errorf("merge parent %s not covered by any segment", parent)
		}
		if res, ok := results[segID]; ok {
			return res, nil
		}
		p, ok := r.Ledger.Progress(segID)
		if !ok || len(p.Steps) == 0 {
			return segmentResult{}, fmt.Errorf("no result available for predecessor segment %s", segID)
		}
		return segmentResult{
			artifact: p.Artifact,
			log:      p.Log,
			tip:      p.Steps[len(p.Steps)-1].SyntheticID,
		}, nil
	}

	trunk, err := resolve(parents[0])
	if err != nil {
		return predecessors{}, err
	}
	branch, err := resolve(parents[1])
	if err != nil {
		return predecessors{}, err
	}
	return predecessors{trunk: trunk, branch: branch}, nil
}

// runSegment processes one segment commit by commit. It returns (nil, nil)
// when interrupted by a shutdown request, leaving the ledger resumable.
func (r *Runner) runSegment(ctx context.Context, s *segment.Segment, preds predecessors) (*segmentResult, error) {
	if r.UI != nil {
		r.UI.SegmentStart(s.ID, string(s.Kind), len(s.CommitIDs))
	}
	r.emit(telemetry.Event{Kind: telemetry.KindSegmentStart, RunID: r.RunID, SegmentID: s.ID})

	p, ok := r.Ledger.Progress(s.ID)
	if !ok {
		return nil, fmt.Errorf("no progress entry for segment %s", s.ID)
	}
	// Recorded steps must be a prefix of the segment's commits; anything
	// else is stale partial state and is redone from scratch, never
	// silently combined.
	if !stepsArePrefix(p.Steps, s.CommitIDs) {
		if err := r.Ledger.ResetSegmentProgress(s.ID); err != nil {
			return nil, err
		}
		p, _ = r.Ledger.Progress(s.ID)
	}
	if err := r.Ledger.SetSegmentStatus(s.ID, ledger.StatusInProgress); err != nil {
		return nil, err
	}

	var (
		artifact  string
		log       string
		parentSyn string
		cost      float64
	)
	startIdx := len(p.Steps)

	switch {
	case startIdx > 0:
		// Replay: resume after the recorded prefix.
		artifact = p.Artifact
		log = p.Log
		parentSyn = p.Steps[startIdx-1].SyntheticID
	case s.IsMerge(r.Graph):
		if ctx.Err() != nil {
			return nil, nil
		}
		var err error
		artifact, log, parentSyn, cost, err = r.reconcile(ctx, s, preds)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			r.failSegment(s)
			return nil, err
		}
		startIdx = 1
	default:
		// A dependent segment starts from its first commit's original
		// parent: the fork point for branches, the previous trunk commit
		// for trunk segments.
		if parents := r.Graph.Node(s.First()).Parents; len(parents) > 0 {
			var err error
			artifact, log, parentSyn, err = r.forkState(ctx, parents[0])
			if err != nil {
				return nil, err
			}
		}
	}

	for i := startIdx; i < len(s.CommitIDs); i++ {
		// Cooperative shutdown is observed at commit granularity only;
		// a write-commit is never interrupted mid-flight.
		if ctx.Err() != nil {
			return nil, nil
		}
		commitID := s.CommitIDs[i]
		res, syn, err := r.processCommit(ctx, s, i, artifact, log, parentSyn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			r.failSegment(s)
			return nil, fmt.Errorf("segment %s at %s: %w", s.ID, commitID, err)
		}
		artifact = res.Artifact
		log = appendLog(log, res.LogEntry)
		parentSyn = syn
		cost += res.CostUSD
		r.reportProgress(s, ledger.StatusInProgress, i+1, res.CostUSD)
	}

	if err := r.completeSegment(ctx, s, parentSyn); err != nil {
		return nil, err
	}
	if r.UI != nil {
		r.UI.SegmentDone(s.ID, cost)
	}
	r.emit(telemetry.Event{Kind: telemetry.KindSegmentDone, RunID: r.RunID, SegmentID: s.ID, CostUSD: cost})
	r.reportProgress(s, ledger.StatusComplete, len(s.CommitIDs), 0)

	return &segmentResult{artifact: artifact, log: log, tip: parentSyn}, nil
}

// forkState recovers the artifact state as of an original commit from its
// synthetic counterpart's tree.
func (r *Runner) forkState(ctx context.Context, parentOrig string) (artifact, log, parentSyn string, err error) {
	parentSyn, ok := r.Ledger.SyntheticOf(parentOrig)
	if !ok {
		return "", "", "", fmt.Errorf("no synthetic commit recorded for predecessor %s", parentOrig)
	}
	artifact, err = r.Source.FileAt(ctx, parentSyn, r.ArtifactPath)
	if err != nil {
		return "", "", "", fmt.Errorf("recovering artifact at fork %s: %w", parentOrig, err)
	}
	if l, lerr := r.Source.FileAt(ctx, parentSyn, r.LogPath); lerr == nil {
		log = l
	}
	return artifact, log, parentSyn, nil
}

// reconcile executes a merge segment's first step: unify both predecessor
// artifacts, write a true two-parent synthetic merge, and record it under
// the fixed reconcile tag. Reconcile commits carry no source tag.
func (r *Runner) reconcile(ctx context.Context, s *segment.Segment, preds predecessors) (artifact, log, syn string, cost float64, err error) {
	mergeID := s.First()
	node := r.Graph.Node(mergeID)

	changes, err := r.Source.Patch(ctx, mergeID)
	if err != nil {
		return "", "", "", 0, err
	}
	res, err := r.Reconciler.Reconcile(ctx, processor.ReconcileRequest{
		SegmentID:      s.ID,
		MergeID:        mergeID,
		MergeSummary:   node.Summary,
		Changes:        changes,
		TrunkArtifact:  preds.trunk.artifact,
		TrunkLog:       preds.trunk.log,
		BranchArtifact: preds.branch.artifact,
		BranchLog:      preds.branch.log,
	})
	if err != nil {
		return "", "", "", 0, fmt.Errorf("reconciling %s: %w", mergeID, err)
	}

	log = appendLog(preds.trunk.log, res.LogEntry)
	summary := res.CommitSummary
	if summary == "" {
		summary = "reconcile: " + node.Summary
	}
	syn, err = r.Writer.WriteSynthetic(ctx, gitrepo.SyntheticCommit{
		OriginalID: mergeID,
		Parents:    []string{preds.trunk.tip, preds.branch.tip},
		Message:    summary + "\n",
		Overlay:    r.overlay(res.Artifact, log),
	})
	if err != nil {
		return "", "", "", 0, fmt.Errorf("writing merge commit for %s: %w", mergeID, err)
	}

	step := ledger.CompletedStep{
		OriginalID:   mergeID,
		SyntheticID:  syn,
		ProcessorTag: reconcileTag,
		CostUSD:      res.CostUSD,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.Ledger.RecordMerge(s.ID, step, res.Artifact, log); err != nil {
		return "", "", "", 0, err
	}
	r.recordRunlog(ctx, s.ID, mergeID, reconcileTag, res.CostUSD, res.DurationMs)
	r.emit(telemetry.Event{Kind: telemetry.KindMergeDone, RunID: r.RunID, SegmentID: s.ID, CommitID: mergeID, CostUSD: res.CostUSD})
	if r.UI != nil {
		r.UI.MergeDone(s.ID, mergeID, res.CostUSD)
	}

	return res.Artifact, log, syn, res.CostUSD, nil
}

// processCommit runs one step: invoke the processor, write the synthetic
// commit with a single parent, and record the step.
func (r *Runner) processCommit(ctx context.Context, s *segment.Segment, idx int, artifact, log, parentSyn string) (processor.StepResult, string, error) {
	commitID := s.CommitIDs[idx]
	node := r.Graph.Node(commitID)

	message, err := r.Source.Message(ctx, commitID)
	if err != nil {
		return processor.StepResult{}, "", err
	}
	changes, err := r.Source.Patch(ctx, commitID)
	if err != nil {
		return processor.StepResult{}, "", err
	}

	res, err := r.Steps.Process(ctx, processor.StepRequest{
		SegmentID:       s.ID,
		CommitID:        commitID,
		CommitSummary:   node.Summary,
		CommitMessage:   message,
		Changes:         changes,
		PriorArtifact:   artifact,
		PriorLog:        log,
		RecentSummaries: r.window(s, idx),
	})
	if err != nil {
		return processor.StepResult{}, "", err
	}

	newLog := appendLog(log, res.LogEntry)
	summary := res.CommitSummary
	if summary == "" {
		summary = "derive: " + node.Summary
	}
	var syntheticParents []string
	if parentSyn != "" {
		syntheticParents = []string{parentSyn}
	}
	syn, err := r.Writer.WriteSynthetic(ctx, gitrepo.SyntheticCommit{
		OriginalID: commitID,
		Parents:    syntheticParents,
		Message:    shadow.ComposeMessage(summary, commitID, node.Summary),
		Overlay:    r.overlay(res.Artifact, newLog),
	})
	if err != nil {
		return processor.StepResult{}, "", fmt.Errorf("writing synthetic commit: %w", err)
	}

	step := ledger.CompletedStep{
		OriginalID:   commitID,
		SyntheticID:  syn,
		ProcessorTag: r.processorTag(),
		CostUSD:      res.CostUSD,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.Ledger.RecordStep(s.ID, step, res.Artifact, newLog); err != nil {
		return processor.StepResult{}, "", err
	}
	r.recordRunlog(ctx, s.ID, commitID, step.ProcessorTag, res.CostUSD, res.DurationMs)
	r.emit(telemetry.Event{Kind: telemetry.KindStepDone, RunID: r.RunID, SegmentID: s.ID, CommitID: commitID, CostUSD: res.CostUSD})
	if r.UI != nil {
		r.UI.StepDone(s.ID, commitID, summary, res.CostUSD, res.DurationMs)
	}

	return res, syn, nil
}

// completeSegment records completion and advances the segment's pointer:
// the shadow trunk head for trunk segments, the auxiliary per-segment ref
// otherwise.
func (r *Runner) completeSegment(ctx context.Context, s *segment.Segment, tip string) error {
	if err := r.Ledger.SetSegmentStatus(s.ID, ledger.StatusComplete); err != nil {
		return err
	}
	if s.Kind == segment.KindTrunk {
		if err := r.Refs.UpdateRef(ctx, shadow.TrunkRef(r.ShadowBranch), tip); err != nil {
			return err
		}
		return r.Ledger.SetShadowHead(tip)
	}
	return r.Refs.UpdateRef(ctx, shadow.SegmentRef(s.ID), tip)
}

func (r *Runner) failSegment(s *segment.Segment) {
	_ = r.Ledger.SetSegmentStatus(s.ID, ledger.StatusFailed)
	r.reportProgress(s, ledger.StatusFailed, 0, 0)
}

// window returns up to WindowSize summaries of the commits preceding idx
// within the segment.
func (r *Runner) window(s *segment.Segment, idx int) []string {
	start := idx - r.WindowSize
	if start < 0 {
		start = 0
	}
	var summaries []string
	for _, id := range s.CommitIDs[start:idx] {
		summaries = append(summaries, r.Graph.Node(id).Summary)
	}
	return summaries
}

func (r *Runner) overlay(artifact, log string) map[string]string {
	return map[string]string{
		r.ArtifactPath: artifact,
		r.LogPath:      log,
	}
}

func (r *Runner) processorTag() string {
	if r.RunTag != "" {
		return r.RunTag
	}
	return "step"
}

func (r *Runner) recordRunlog(ctx context.Context, segmentID, commitID, tag string, cost float64, durationMs int64) {
	if r.Runlog == nil {
		return
	}
	_ = r.Runlog.Record(ctx, runlog.Step{
		RunID:        r.RunID,
		SegmentID:    segmentID,
		CommitID:     commitID,
		ProcessorTag: tag,
		CostUSD:      cost,
		DurationMs:   durationMs,
	})
}

// stepsArePrefix reports whether recorded steps match the leading commits
// of the segment, in order.
func stepsArePrefix(steps []ledger.CompletedStep, commitIDs []string) bool {
	if len(steps) > len(commitIDs) {
		return false
	}
	for i, step := range steps {
		if step.OriginalID != commitIDs[i] {
			return false
		}
	}
	return true
}

func appendLog(prior, entry string) string {
	switch {
	case entry == "":
		return prior
	case prior == "":
		return entry
	default:
		return prior + "\n\n" + entry
	}
}
