// Package history models the source repository's commit history as an
// in-memory graph and identifies the trunk: the first-parent spine from the
// target commit back to a root.
package history

import (
	"errors"
	"fmt"

	"github.com/papapumpkin/accretion/internal/gitrepo"
)

var (
	// ErrEmptyHistory means the target ref has no commits.
	ErrEmptyHistory = errors.New("empty history")

	// ErrUnknownCommit means an id was looked up that the graph does not hold.
	ErrUnknownCommit = errors.New("unknown commit")

	// ErrNoRoot means a first-parent walk from the target never reached a
	// parentless commit, which only happens on malformed input.
	ErrNoRoot = errors.New("no root reachable by first parents")

	// ErrOctopusMerge means a commit has more than two parents. Only
	// two-parent merges can be mirrored in the shadow history.
	ErrOctopusMerge = errors.New("octopus merges are not supported")
)

// Node is one commit in the graph. Nodes are built once per run and not
// mutated afterwards.
type Node struct {
	ID       string
	Parents  []string
	Children []string
	Summary  string
}

// Graph holds every commit reachable from the target ref.
type Graph struct {
	nodes  map[string]*Node
	target string
}

// Build constructs a graph from a bulk history load. The commits slice must
// contain the target commit; child links are derived from parent links.
func Build(commits []gitrepo.Commit, targetID string) (*Graph, error) {
	if len(commits) == 0 {
		return nil, ErrEmptyHistory
	}
	nodes := make(map[string]*Node, len(commits))
	for _, c := range commits {
		if len(c.Parents) > 2 {
			return nil, fmt.Errorf("%w: %s has %d parents", ErrOctopusMerge, c.ID, len(c.Parents))
		}
		nodes[c.ID] = &Node{ID: c.ID, Parents: c.Parents, Summary: c.Summary}
	}
	if _, ok := nodes[targetID]; !ok {
		return nil, fmt.Errorf("%w: target %s", ErrUnknownCommit, targetID)
	}
	for _, n := range nodes {
		for _, p := range n.Parents {
			parent, ok := nodes[p]
			if !ok {
				return nil, fmt.Errorf("%w: parent %s of %s", ErrUnknownCommit, p, n.ID)
			}
			parent.Children = append(parent.Children, n.ID)
		}
	}
	return &Graph{nodes: nodes, target: targetID}, nil
}

// Node returns the node for id, or nil if the graph does not hold it.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Target returns the commit id the graph was built toward.
func (g *Graph) Target() string {
	return g.target
}

// Len returns the number of commits in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// AncestorsOf returns the set of commits reachable from id by following
// parent links, including id itself.
func (g *Graph) AncestorsOf(id string) (map[string]bool, error) {
	if !g.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, id)
	}
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range g.nodes[cur].Parents {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen, nil
}

// Trunk is the set of commit ids on the first-parent spine, with the spine
// preserved in root-to-target order.
type Trunk struct {
	ids   map[string]bool
	Order []string
}

// Has reports whether id is on the trunk.
func (t *Trunk) Has(id string) bool {
	return t.ids[id]
}

// Len returns the number of trunk commits.
func (t *Trunk) Len() int {
	return len(t.Order)
}

// MarkTrunk walks first parents from the target down to a parentless root
// and returns the resulting spine. The walk is bounded by the graph size so
// malformed parent data cannot loop forever.
func MarkTrunk(g *Graph, targetID string) (*Trunk, error) {
	if !g.Has(targetID) {
		return nil, fmt.Errorf("%w: target %s", ErrUnknownCommit, targetID)
	}
	ids := make(map[string]bool)
	var spine []string
	cur := targetID
	for steps := 0; steps <= g.Len(); steps++ {
		ids[cur] = true
		spine = append(spine, cur)
		n := g.Node(cur)
		if len(n.Parents) == 0 {
			// spine was collected target-first; callers want root-first.
			for i, j := 0, len(spine)-1; i < j; i, j = i+1, j-1 {
				spine[i], spine[j] = spine[j], spine[i]
			}
			return &Trunk{ids: ids, Order: spine}, nil
		}
		cur = n.Parents[0]
		if !g.Has(cur) {
			return nil, fmt.Errorf("%w: first parent %s", ErrUnknownCommit, cur)
		}
	}
	return nil, ErrNoRoot
}
