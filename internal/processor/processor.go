// Package processor defines the boundary to the external collaborators
// that produce artifact content: a per-commit step processor and a merge
// reconciler. The scheduler treats both as opaque; retry policy belongs to
// the implementation, and any unrecovered failure is a segment failure.
package processor

import "context"

// StepRequest carries everything a processor needs to advance the artifact
// by one commit.
type StepRequest struct {
	SegmentID string
	CommitID  string

	// CommitSummary and CommitMessage describe the original commit;
	// Changes is its patch against the first parent.
	CommitSummary string
	CommitMessage string
	Changes       string

	// PriorArtifact and PriorLog are the accumulated outputs of the
	// previous step, the authoritative input to this one.
	PriorArtifact string
	PriorLog      string

	// RecentSummaries is a short window of preceding commit summaries for
	// context.
	RecentSummaries []string
}

// ReconcileRequest carries both predecessor results of a merge plus the
// merge commit's own changes.
type ReconcileRequest struct {
	SegmentID    string
	MergeID      string
	MergeSummary string
	Changes      string

	TrunkArtifact  string
	TrunkLog       string
	BranchArtifact string
	BranchLog      string
}

// StepResult is the unified output shape for steps and reconciliations.
type StepResult struct {
	Artifact      string
	LogEntry      string
	CommitSummary string
	CostUSD       float64
	DurationMs    int64
}

// StepProcessor advances the artifact by one commit.
type StepProcessor interface {
	Process(ctx context.Context, req StepRequest) (StepResult, error)
}

// Reconciler unifies two segment results at a merge point.
type Reconciler interface {
	Reconcile(ctx context.Context, req ReconcileRequest) (StepResult, error)
}
