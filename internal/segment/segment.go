// Package segment partitions a commit graph into linear segments — trunk
// runs cut at merge commits, plus branch and dead-end walks off the trunk —
// and orders them by their dependency edges.
package segment

import (
	"errors"
	"fmt"

	"github.com/papapumpkin/accretion/internal/history"
)

var (
	// ErrBranchFork means a commit inside a branch walk has more than one
	// continuation. History shaped like this is ambiguous to linearize, so
	// decomposition refuses it instead of picking a child arbitrarily.
	ErrBranchFork = errors.New("branch forks within a branch")

	// ErrOrphanCommit means a commit was reachable from the target but
	// ended up in no segment.
	ErrOrphanCommit = errors.New("commit not covered by any segment")

	// ErrDependencyCycle means the dependency edges loop, which only
	// happens on malformed input.
	ErrDependencyCycle = errors.New("segment dependency cycle")

	// ErrNoSegments means decomposition produced nothing to process.
	ErrNoSegments = errors.New("no segments")
)

// Kind classifies a segment by its relationship to the trunk.
type Kind string

const (
	// KindTrunk marks a segment on the trunk.
	KindTrunk Kind = "trunk"
	// KindBranch marks a segment that forks from the trunk and merges back.
	KindBranch Kind = "branch"
	// KindDeadEnd marks a segment that forks from the trunk and never merges.
	KindDeadEnd Kind = "deadEnd"
)

// Segment is a maximal linear run of commits processed as a unit. Segments
// are immutable and recomputed from the graph on every run.
type Segment struct {
	ID        string   `toml:"id"`
	Kind      Kind     `toml:"kind"`
	CommitIDs []string `toml:"commit_ids"`

	// ForkFrom is the trunk commit a branch or dead end forked from.
	ForkFrom string `toml:"fork_from,omitempty"`

	// MergesInto is the trunk merge commit a branch feeds into.
	MergesInto string `toml:"merges_into,omitempty"`

	DependsOn []string `toml:"depends_on,omitempty"`
}

// First returns the segment's oldest commit id.
func (s *Segment) First() string {
	return s.CommitIDs[0]
}

// Tip returns the segment's newest commit id.
func (s *Segment) Tip() string {
	return s.CommitIDs[len(s.CommitIDs)-1]
}

// IsMerge reports whether the segment begins at a merge commit and so needs
// two upstream results before it can start.
func (s *Segment) IsMerge(g *history.Graph) bool {
	return s.Kind == KindTrunk && len(g.Node(s.First()).Parents) >= 2
}

// Decompose partitions the graph into topologically ordered segments.
func Decompose(g *history.Graph, trunk *history.Trunk) ([]*Segment, error) {
	if trunk.Len() == 0 {
		return nil, ErrNoSegments
	}

	var segments []*Segment
	segmentOf := make(map[string]string, g.Len())

	add := func(s *Segment) {
		segments = append(segments, s)
		for _, id := range s.CommitIDs {
			segmentOf[id] = s.ID
		}
	}

	// Trunk runs, cut so that every merge commit starts a new segment.
	var run []string
	trunkIndex := 0
	flush := func() {
		if len(run) == 0 {
			return
		}
		add(&Segment{
			ID:        fmt.Sprintf("trunk-%d", trunkIndex),
			Kind:      KindTrunk,
			CommitIDs: run,
		})
		trunkIndex++
		run = nil
	}
	for _, id := range trunk.Order {
		if len(g.Node(id).Parents) >= 2 {
			flush()
		}
		run = append(run, id)
	}
	flush()

	// Branch and dead-end walks off every trunk commit. A fork point may
	// have several non-trunk children (one segment each); a commit inside
	// a walk may not.
	for _, forkID := range trunk.Order {
		for _, child := range g.Node(forkID).Children {
			if trunk.Has(child) {
				continue
			}
			seg, err := walkBranch(g, trunk, forkID, child)
			if err != nil {
				return nil, err
			}
			add(seg)
		}
	}

	for _, s := range segments {
		if err := linkDependencies(s, g, trunk, segmentOf); err != nil {
			return nil, err
		}
	}

	if covered := len(segmentOf); covered != g.Len() {
		return nil, fmt.Errorf("%w: %d of %d commits covered", ErrOrphanCommit, covered, g.Len())
	}

	return sortTopologically(segments)
}

// walkBranch follows the single chain of non-trunk commits starting at
// start until it merges back into the trunk or runs out of children.
func walkBranch(g *history.Graph, trunk *history.Trunk, forkID, start string) (*Segment, error) {
	var commits []string
	cur := start
	for {
		commits = append(commits, cur)

		var trunkChildren, branchChildren []string
		for _, c := range g.Node(cur).Children {
			if trunk.Has(c) {
				trunkChildren = append(trunkChildren, c)
			} else {
				branchChildren = append(branchChildren, c)
			}
		}

		switch {
		case len(branchChildren) > 1, len(trunkChildren) > 0 && len(branchChildren) > 0, len(trunkChildren) > 1:
			return nil, fmt.Errorf("%w: at commit %s", ErrBranchFork, cur)
		case len(trunkChildren) == 1:
			return &Segment{
				ID:         "branch-" + shortID(start),
				Kind:       KindBranch,
				CommitIDs:  commits,
				ForkFrom:   forkID,
				MergesInto: trunkChildren[0],
			}, nil
		case len(branchChildren) == 0:
			return &Segment{
				ID:        "deadend-" + shortID(start),
				Kind:      KindDeadEnd,
				CommitIDs: commits,
				ForkFrom:  forkID,
			}, nil
		default:
			cur = branchChildren[0]
		}
	}
}

// linkDependencies fills s.DependsOn: trunk segments depend on the segment
// holding each parent of their first commit, branches and dead ends on the
// trunk segment holding their fork point.
func linkDependencies(s *Segment, g *history.Graph, trunk *history.Trunk, segmentOf map[string]string) error {
	if s.Kind != KindTrunk {
		dep, ok := segmentOf[s.ForkFrom]
		if !ok {
			return fmt.Errorf("%w: fork point %s of %s", ErrOrphanCommit, s.ForkFrom, s.ID)
		}
		s.DependsOn = []string{dep}
		return nil
	}
	for _, parent := range g.Node(s.First()).Parents {
		dep, ok := segmentOf[parent]
		if !ok {
			return fmt.Errorf("%w: parent %s of segment %s", ErrOrphanCommit, parent, s.ID)
		}
		s.DependsOn = append(s.DependsOn, dep)
	}
	return nil
}

// sortTopologically orders segments so every dependency precedes its
// dependents, via post-order DFS with an in-stack cycle guard.
func sortTopologically(segments []*Segment) ([]*Segment, error) {
	byID := make(map[string]*Segment, len(segments))
	for _, s := range segments {
		byID[s.ID] = s
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(segments))
	ordered := make([]*Segment, 0, len(segments))

	var visit func(s *Segment) error
	visit = func(s *Segment) error {
		switch state[s.ID] {
		case done:
			return nil
		case inStack:
			return fmt.Errorf("%w: via %s", ErrDependencyCycle, s.ID)
		}
		state[s.ID] = inStack
		for _, dep := range s.DependsOn {
			d, ok := byID[dep]
			if !ok {
				return fmt.Errorf("unknown dependency %s of %s", dep, s.ID)
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		state[s.ID] = done
		ordered = append(ordered, s)
		return nil
	}

	for _, s := range segments {
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func shortID(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
