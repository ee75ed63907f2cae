// Package resume decides how a run starts: fresh, from a ledger snapshot,
// or reconstructed from nothing but the shadow history (cold resume).
package resume

import (
	"context"
	"errors"
	"fmt"

	"github.com/papapumpkin/accretion/internal/gitrepo"
	"github.com/papapumpkin/accretion/internal/history"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/segment"
	"github.com/papapumpkin/accretion/internal/shadow"
)

// maxAnchorDepth bounds the first-parent walk for a tagged commit, so a
// corrupt shadow branch cannot trigger an unbounded scan.
const maxAnchorDepth = 50

var (
	// ErrNoAnchor means no tagged commit was found within the depth bound:
	// the shadow branch is not one this system produced, or is corrupt.
	ErrNoAnchor = errors.New("no tagged commit found in shadow history")

	// ErrAnchorUnreachable means the anchor's original commit is absent
	// from the current graph: the source history was rewritten. Remediation
	// is to restore the missing history, or delete the shadow branch and
	// state file to start over.
	ErrAnchorUnreachable = errors.New("shadow anchor references a commit missing from source history")

	// ErrMissingMapping means a covered commit has no recoverable synthetic
	// id, e.g. a manually edited shadow commit.
	ErrMissingMapping = errors.New("no synthetic id recorded for covered commit")

	// ErrBrokenPrefix means the covered commits do not form a prefix of a
	// segment, which cannot happen on shadow history this system wrote.
	ErrBrokenPrefix = errors.New("covered commits are not a segment prefix")
)

// Mode says where the seeded state came from.
type Mode string

const (
	// ModeFresh means the state was seeded from scratch.
	ModeFresh Mode = "fresh"
	// ModeShadow means the state was seeded from a shadow repository.
	ModeShadow Mode = "shadow"
)

// ShadowRepo is the read access the resolver needs. *gitrepo.Repo
// implements it.
type ShadowRepo interface {
	ResolveRef(ctx context.Context, ref string) (string, error)
	FirstParentWalk(ctx context.Context, ref string, limit int) ([]string, error)
	Message(ctx context.Context, sha string) (string, error)
	LogMessages(ctx context.Context, ref string) ([]gitrepo.MessageEntry, error)
	FileAt(ctx context.Context, sha, path string) (string, error)
}

// Resolution is the seeded starting state for a run.
type Resolution struct {
	Mode  Mode
	State *ledger.EvolutionState

	// AnchorOriginal and AnchorSynthetic identify the anchor commit pair;
	// empty on a fresh start.
	AnchorOriginal  string
	AnchorSynthetic string

	// SkippedBeforeAnchor counts untagged shadow commits walked past
	// before the anchor, reported as a diagnostic.
	SkippedBeforeAnchor int
}

// Resolver reconstructs run state from shadow history.
type Resolver struct {
	Repo ShadowRepo

	// ArtifactPath and LogPath are the overlay file names synthetic
	// commits carry; the resolver reads them back from segment tips.
	ArtifactPath string
	LogPath      string
}

// Resolve inspects shadowRef and seeds an EvolutionState. A missing ref is
// a fresh start; a present ref must yield an anchor whose original commit
// exists in the graph, or resolution fails.
func (rv *Resolver) Resolve(ctx context.Context, g *history.Graph, segments []*segment.Segment, shadowRef string) (*Resolution, error) {
	rootCommit := segments[0].First()

	tip, err := rv.Repo.ResolveRef(ctx, shadowRef)
	if errors.Is(err, gitrepo.ErrRefNotFound) {
		return &Resolution{Mode: ModeFresh, State: ledger.NewState(rootCommit, segments)}, nil
	}
	if err != nil {
		return nil, err
	}

	anchor, skipped, err := rv.findAnchor(ctx, shadowRef)
	if err != nil {
		return nil, err
	}
	if !g.Has(anchor.tag.OriginalID) {
		return nil, fmt.Errorf("%w: %s (restore the missing history, or delete the shadow branch and state file to start over)",
			ErrAnchorUnreachable, anchor.tag.OriginalID)
	}

	idMap, err := rv.collectIDMap(ctx, shadowRef)
	if err != nil {
		return nil, err
	}

	covered, err := g.AncestorsOf(anchor.tag.OriginalID)
	if err != nil {
		return nil, err
	}

	state := ledger.NewState(rootCommit, segments)
	state.ShadowHead = tip
	// Every recoverable mapping for a covered commit is kept: later steps
	// need fork-point parents, not just segment tips.
	for id, synthetic := range idMap {
		if covered[id] {
			state.OriginalToSynthetic[id] = synthetic
		}
	}
	for _, s := range segments {
		if err := rv.seedSegment(ctx, state, s, covered, idMap); err != nil {
			return nil, err
		}
	}

	return &Resolution{
		Mode:                ModeShadow,
		State:               state,
		AnchorOriginal:      anchor.tag.OriginalID,
		AnchorSynthetic:     anchor.synthetic,
		SkippedBeforeAnchor: skipped,
	}, nil
}

type anchorHit struct {
	tag       shadow.Tag
	synthetic string
}

// findAnchor walks first parents from the shadow tip for the nearest
// tagged commit.
func (rv *Resolver) findAnchor(ctx context.Context, shadowRef string) (anchorHit, int, error) {
	walk, err := rv.Repo.FirstParentWalk(ctx, shadowRef, maxAnchorDepth)
	if err != nil {
		return anchorHit{}, 0, err
	}
	for i, sha := range walk {
		msg, err := rv.Repo.Message(ctx, sha)
		if err != nil {
			return anchorHit{}, 0, err
		}
		tag, err := shadow.ParseTag(msg)
		if errors.Is(err, shadow.ErrNoTag) {
			continue
		}
		if err != nil {
			return anchorHit{}, 0, fmt.Errorf("shadow commit %s: %w", sha, err)
		}
		return anchorHit{tag: tag, synthetic: sha}, i, nil
	}
	return anchorHit{}, 0, fmt.Errorf("%w: walked %d commits from %s", ErrNoAnchor, len(walk), shadowRef)
}

// collectIDMap builds the full original-to-synthetic map from one walk of
// the entire shadow history, tip first. First seen wins, so tip-ward
// entries shadow older duplicates.
func (rv *Resolver) collectIDMap(ctx context.Context, shadowRef string) (map[string]string, error) {
	entries, err := rv.Repo.LogMessages(ctx, shadowRef)
	if err != nil {
		return nil, err
	}
	idMap := make(map[string]string, len(entries))
	for _, e := range entries {
		tag, err := shadow.ParseTag(e.Message)
		if errors.Is(err, shadow.ErrNoTag) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shadow commit %s: %w", e.ID, err)
		}
		if _, seen := idMap[tag.OriginalID]; !seen {
			idMap[tag.OriginalID] = e.ID
		}
	}
	return idMap, nil
}

// seedSegment fills one segment's progress from the covered-commit set.
// Full coverage collapses to a complete status with a single tip step;
// partial coverage replays one step per covered commit.
func (rv *Resolver) seedSegment(ctx context.Context, state *ledger.EvolutionState, s *segment.Segment, covered map[string]bool, idMap map[string]string) error {
	n := 0
	for _, id := range s.CommitIDs {
		if covered[id] {
			n++
		} else {
			break
		}
	}
	// Coverage past a gap means the shadow history disagrees with the
	// segment's linear order.
	for _, id := range s.CommitIDs[n:] {
		if covered[id] {
			return fmt.Errorf("%w: segment %s commit %s", ErrBrokenPrefix, s.ID, id)
		}
	}
	if n == 0 {
		return nil
	}

	p := state.Progress[s.ID]
	if n == len(s.CommitIDs) {
		tip := s.Tip()
		synthetic, ok := idMap[tip]
		if !ok {
			return fmt.Errorf("%w: %s (segment %s tip)", ErrMissingMapping, tip, s.ID)
		}
		p.Status = ledger.StatusComplete
		p.Steps = []ledger.CompletedStep{{OriginalID: tip, SyntheticID: synthetic, ProcessorTag: "resume"}}
		state.OriginalToSynthetic[tip] = synthetic
		return rv.loadOutputs(ctx, p, synthetic)
	}

	p.Status = ledger.StatusInProgress
	for _, id := range s.CommitIDs[:n] {
		synthetic, ok := idMap[id]
		if !ok {
			return fmt.Errorf("%w: %s (segment %s)", ErrMissingMapping, id, s.ID)
		}
		p.Steps = append(p.Steps, ledger.CompletedStep{OriginalID: id, SyntheticID: synthetic, ProcessorTag: "resume"})
		state.OriginalToSynthetic[id] = synthetic
	}
	return rv.loadOutputs(ctx, p, p.Steps[len(p.Steps)-1].SyntheticID)
}

// loadOutputs reads the cached artifact and log back out of a synthetic
// tip's tree. The artifact is required; a missing log file reads as empty.
func (rv *Resolver) loadOutputs(ctx context.Context, p *ledger.SegmentProgress, synthetic string) error {
	artifact, err := rv.Repo.FileAt(ctx, synthetic, rv.ArtifactPath)
	if err != nil {
		return fmt.Errorf("recovering artifact from %s: %w", synthetic, err)
	}
	p.Artifact = artifact
	if log, err := rv.Repo.FileAt(ctx, synthetic, rv.LogPath); err == nil {
		p.Log = log
	}
	return nil
}
