// Package ledger persists run progress: per-segment replay logs, the
// original-to-synthetic id map, and global counters. The snapshot is a
// versioned TOML file rewritten whole on every checkpoint.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/papapumpkin/accretion/internal/history"
	"github.com/papapumpkin/accretion/internal/segment"
)

// Version is bumped on any incompatible snapshot change. A mismatched
// version on load is treated as corrupt, not as an error.
const Version = 1

// FileName is the snapshot file, written into the state directory.
const FileName = "accretion.state.toml"

var (
	// ErrUnknownSegment means a progress operation named a segment id the
	// state does not hold.
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrStateMismatch means the snapshot references commits absent from
	// the current graph: the source history was rewritten after the
	// snapshot was taken, and resuming blindly would corrupt the shadow
	// history.
	ErrStateMismatch = errors.New("state references missing commits")
)

// Status is a segment's progress state.
type Status string

const (
	// StatusPending means the segment has not started processing.
	StatusPending Status = "pending"
	// StatusInProgress means the segment is partially processed.
	StatusInProgress Status = "in_progress"
	// StatusComplete means every commit in the segment was processed.
	StatusComplete Status = "complete"
	// StatusFailed means processing the segment stopped on an error.
	StatusFailed Status = "failed"
)

// CompletedStep records one processed commit.
type CompletedStep struct {
	OriginalID   string    `toml:"original_id"`
	SyntheticID  string    `toml:"synthetic_id"`
	ProcessorTag string    `toml:"processor_tag"`
	CostUSD      float64   `toml:"cost_usd"`
	Timestamp    time.Time `toml:"timestamp"`
}

// SegmentProgress tracks one segment's replay log and cached outputs. Steps
// is always a prefix of the owning segment's commit list; Artifact and Log
// are the accumulated outputs as of the last step and the authoritative
// input to the next.
type SegmentProgress struct {
	Status   Status          `toml:"status"`
	Steps    []CompletedStep `toml:"steps,omitempty"`
	Artifact string          `toml:"artifact,omitempty"`
	Log      string          `toml:"log,omitempty"`
}

// EvolutionState is the full snapshot. The segment list is embedded so a
// later run can detect decomposition drift against the ids progress is
// recorded under.
type EvolutionState struct {
	Version             int                         `toml:"version"`
	RootCommit          string                      `toml:"root_commit"`
	Segments            []*segment.Segment          `toml:"segments"`
	Progress            map[string]*SegmentProgress `toml:"progress"`
	OriginalToSynthetic map[string]string           `toml:"original_to_synthetic"`
	CompletedMerges     []string                    `toml:"completed_merges,omitempty"`
	ShadowHead          string                      `toml:"shadow_head,omitempty"`
	TotalCostUSD        float64                     `toml:"total_cost_usd"`
	TotalSteps          int                         `toml:"total_steps"`
}

// NewState builds an all-pending state for a fresh run.
func NewState(rootCommit string, segments []*segment.Segment) *EvolutionState {
	progress := make(map[string]*SegmentProgress, len(segments))
	for _, s := range segments {
		progress[s.ID] = &SegmentProgress{Status: StatusPending}
	}
	return &EvolutionState{
		Version:             Version,
		RootCommit:          rootCommit,
		Segments:            segments,
		Progress:            progress,
		OriginalToSynthetic: make(map[string]string),
	}
}

// LoadOutcome is the tri-state result of loading a snapshot.
type LoadOutcome int

const (
	// LoadAbsent: no snapshot file. Silent; the caller proceeds to the
	// cold-resume path.
	LoadAbsent LoadOutcome = iota

	// LoadCorrupt: a file exists but does not parse, or carries a
	// different version. The caller warns and degrades to cold resume.
	LoadCorrupt

	// LoadOK: a snapshot was read. The caller must still Validate it
	// against a freshly built graph.
	LoadOK
)

// Load reads the snapshot from dir. Only I/O failures other than absence
// are returned as errors; unparseable content is LoadCorrupt, not an error.
func Load(dir string) (*EvolutionState, LoadOutcome, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, LoadAbsent, nil
	}
	if err != nil {
		return nil, LoadAbsent, fmt.Errorf("reading state file: %w", err)
	}
	var state EvolutionState
	if err := toml.Unmarshal(data, &state); err != nil {
		return nil, LoadCorrupt, nil
	}
	if state.Version != Version {
		return nil, LoadCorrupt, nil
	}
	if state.Progress == nil {
		state.Progress = make(map[string]*SegmentProgress)
	}
	if state.OriginalToSynthetic == nil {
		state.OriginalToSynthetic = make(map[string]string)
	}
	return &state, LoadOK, nil
}

// Validate checks a loaded snapshot against a freshly built graph: the root
// commit must exist, a complete segment must carry at least one step, and
// for every segment with recorded steps the last step's original id must
// exist. Any failure is fatal.
func (s *EvolutionState) Validate(g *history.Graph) error {
	if !g.Has(s.RootCommit) {
		return fmt.Errorf("%w: root commit %s", ErrStateMismatch, s.RootCommit)
	}
	for id, p := range s.Progress {
		if len(p.Steps) == 0 {
			if p.Status == StatusComplete {
				return fmt.Errorf("%w: segment %s complete with no recorded steps", ErrStateMismatch, id)
			}
			continue
		}
		last := p.Steps[len(p.Steps)-1].OriginalID
		if !g.Has(last) {
			return fmt.Errorf("%w: segment %s last step %s", ErrStateMismatch, id, last)
		}
	}
	return nil
}

// Ledger owns a state snapshot and its file, checkpointing after every
// mutation. Safe for concurrent use; the scheduler guarantees no two
// goroutines touch the same segment id.
type Ledger struct {
	mu    sync.Mutex
	dir   string
	state *EvolutionState
}

// New wraps state for persistence into dir.
func New(dir string, state *EvolutionState) *Ledger {
	return &Ledger{dir: dir, state: state}
}

// RecordStep appends a step to a segment's replay log, caches the updated
// artifact and log, registers the id mapping, and checkpoints.
func (l *Ledger) RecordStep(segmentID string, step CompletedStep, artifact, log string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.state.Progress[segmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, segmentID)
	}
	p.Steps = append(p.Steps, step)
	p.Artifact = artifact
	p.Log = log
	if p.Status == StatusPending {
		p.Status = StatusInProgress
	}
	l.state.OriginalToSynthetic[step.OriginalID] = step.SyntheticID
	l.state.TotalCostUSD += step.CostUSD
	l.state.TotalSteps++
	return l.save()
}

// RecordMerge is RecordStep plus the completed-merges entry for the merge
// commit itself.
func (l *Ledger) RecordMerge(segmentID string, step CompletedStep, artifact, log string) error {
	if err := l.RecordStep(segmentID, step, artifact, log); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.CompletedMerges = append(l.state.CompletedMerges, step.OriginalID)
	return l.save()
}

// SetSegmentStatus transitions a segment and checkpoints.
func (l *Ledger) SetSegmentStatus(segmentID string, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.state.Progress[segmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, segmentID)
	}
	p.Status = status
	return l.save()
}

// ResetSegmentProgress discards a segment's recorded steps, reversing the
// counters and id mappings they contributed. Used when a resumed prefix
// fails validation and the segment must be redone from scratch.
func (l *Ledger) ResetSegmentProgress(segmentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.state.Progress[segmentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSegment, segmentID)
	}
	for _, step := range p.Steps {
		l.state.TotalCostUSD -= step.CostUSD
		l.state.TotalSteps--
		if l.state.OriginalToSynthetic[step.OriginalID] == step.SyntheticID {
			delete(l.state.OriginalToSynthetic, step.OriginalID)
		}
	}
	l.state.Progress[segmentID] = &SegmentProgress{Status: StatusPending}
	return l.save()
}

// SetShadowHead records the shadow trunk tip and checkpoints.
func (l *Ledger) SetShadowHead(sha string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.ShadowHead = sha
	return l.save()
}

// Progress returns a segment's progress record.
func (l *Ledger) Progress(segmentID string) (*SegmentProgress, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.state.Progress[segmentID]
	return p, ok
}

// SyntheticOf returns the synthetic id recorded for an original commit.
func (l *Ledger) SyntheticOf(originalID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sha, ok := l.state.OriginalToSynthetic[originalID]
	return sha, ok
}

// ShadowHead returns the recorded shadow trunk tip.
func (l *Ledger) ShadowHead() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.ShadowHead
}

// Totals returns the accumulated cost and step count.
func (l *Ledger) Totals() (costUSD float64, steps int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TotalCostUSD, l.state.TotalSteps
}

// State returns the underlying snapshot. Callers must not mutate it.
func (l *Ledger) State() *EvolutionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Checkpoint persists the snapshot without mutating it.
func (l *Ledger) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save()
}

// save rewrites the whole snapshot atomically: temp file, then rename.
// Callers hold l.mu.
func (l *Ledger) save() error {
	data, err := toml.Marshal(l.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	path := filepath.Join(l.dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
