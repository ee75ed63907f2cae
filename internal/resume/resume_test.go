package resume

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/papapumpkin/accretion/internal/gitrepo"
	"github.com/papapumpkin/accretion/internal/history"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/segment"
	"github.com/papapumpkin/accretion/internal/shadow"
)

// oid builds a full-length hex id from a single character.
func oid(c string) string {
	return strings.Repeat(c, 40)
}

type fakeCommit struct {
	parents []string
	message string
	files   map[string]string
}

// fakeShadow is an in-memory shadow repository.
type fakeShadow struct {
	refs    map[string]string
	commits map[string]fakeCommit
}

func (f *fakeShadow) ResolveRef(_ context.Context, ref string) (string, error) {
	sha, ok := f.refs[ref]
	if !ok {
		return "", gitrepo.ErrRefNotFound
	}
	return sha, nil
}

func (f *fakeShadow) FirstParentWalk(_ context.Context, ref string, limit int) ([]string, error) {
	var walk []string
	cur := f.refs[ref]
	for cur != "" && len(walk) < limit {
		walk = append(walk, cur)
		c := f.commits[cur]
		if len(c.parents) == 0 {
			break
		}
		cur = c.parents[0]
	}
	return walk, nil
}

func (f *fakeShadow) Message(_ context.Context, sha string) (string, error) {
	return f.commits[sha].message, nil
}

func (f *fakeShadow) LogMessages(_ context.Context, ref string) ([]gitrepo.MessageEntry, error) {
	var entries []gitrepo.MessageEntry
	seen := make(map[string]bool)
	queue := []string{f.refs[ref]}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		entries = append(entries, gitrepo.MessageEntry{ID: cur, Message: f.commits[cur].message})
		queue = append(queue, f.commits[cur].parents...)
	}
	return entries, nil
}

func (f *fakeShadow) FileAt(_ context.Context, sha, path string) (string, error) {
	content, ok := f.commits[sha].files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return content, nil
}

func tagged(original, summary string, parents []string, artifact string) fakeCommit {
	return fakeCommit{
		parents: parents,
		message: shadow.ComposeMessage("derived: "+summary, original, summary),
		files:   map[string]string{"SPEC.md": artifact, "SPEC_LOG.md": "log of " + summary},
	}
}

func newResolver(repo ShadowRepo) *Resolver {
	return &Resolver{Repo: repo, ArtifactPath: "SPEC.md", LogPath: "SPEC_LOG.md"}
}

// linearSetup is trunk A-B-C as one segment.
func linearSetup(t *testing.T) (*history.Graph, []*segment.Segment) {
	t.Helper()
	g, err := history.Build([]gitrepo.Commit{
		{ID: oid("c"), Parents: []string{oid("b")}, Summary: "third"},
		{ID: oid("b"), Parents: []string{oid("a")}, Summary: "second"},
		{ID: oid("a"), Summary: "first"},
	}, oid("c"))
	if err != nil {
		t.Fatal(err)
	}
	trunk, err := history.MarkTrunk(g, oid("c"))
	if err != nil {
		t.Fatal(err)
	}
	segments, err := segment.Decompose(g, trunk)
	if err != nil {
		t.Fatal(err)
	}
	return g, segments
}

const shadowRef = "refs/heads/spec"

func TestResolveFresh(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	rv := newResolver(&fakeShadow{refs: map[string]string{}})

	res, err := rv.Resolve(context.Background(), g, segments, shadowRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeFresh {
		t.Errorf("Mode = %s, want fresh", res.Mode)
	}
	for id, p := range res.State.Progress {
		if p.Status != ledger.StatusPending || len(p.Steps) != 0 {
			t.Errorf("segment %s = %+v, want pristine pending", id, p)
		}
	}
}

func TestResolveFullCoverage(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "s3"},
		commits: map[string]fakeCommit{
			"s1": tagged(oid("a"), "first", nil, "v1"),
			"s2": tagged(oid("b"), "second", []string{"s1"}, "v2"),
			"s3": tagged(oid("c"), "third", []string{"s2"}, "v3"),
		},
	}

	res, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Mode != ModeShadow || res.SkippedBeforeAnchor != 0 {
		t.Errorf("mode %s skipped %d, want shadow / 0", res.Mode, res.SkippedBeforeAnchor)
	}
	if res.AnchorOriginal != oid("c") || res.AnchorSynthetic != "s3" {
		t.Errorf("anchor = %s / %s", res.AnchorOriginal, res.AnchorSynthetic)
	}

	p := res.State.Progress[segments[0].ID]
	if p.Status != ledger.StatusComplete {
		t.Fatalf("status = %s, want complete", p.Status)
	}
	if len(p.Steps) != 1 || p.Steps[0].OriginalID != oid("c") || p.Steps[0].SyntheticID != "s3" {
		t.Errorf("steps = %+v, want single tip step", p.Steps)
	}
	if p.Artifact != "v3" {
		t.Errorf("artifact = %q, want v3", p.Artifact)
	}
	if res.State.ShadowHead != "s3" {
		t.Errorf("ShadowHead = %q", res.State.ShadowHead)
	}
}

func TestResolvePartialCoverage(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "s2"},
		commits: map[string]fakeCommit{
			"s1": tagged(oid("a"), "first", nil, "v1"),
			"s2": tagged(oid("b"), "second", []string{"s1"}, "v2"),
		},
	}

	res, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	p := res.State.Progress[segments[0].ID]
	if p.Status != ledger.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", p.Status)
	}
	if len(p.Steps) != 2 || p.Steps[0].OriginalID != oid("a") || p.Steps[1].OriginalID != oid("b") {
		t.Errorf("steps = %+v, want A then B", p.Steps)
	}
	if p.Artifact != "v2" || !strings.Contains(p.Log, "second") {
		t.Errorf("outputs = %q / %q", p.Artifact, p.Log)
	}
}

// An untagged tip (a reconciliation commit) is skipped and reported.
func TestResolveSkipsUntaggedTip(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "s4"},
		commits: map[string]fakeCommit{
			"s1": tagged(oid("a"), "first", nil, "v1"),
			"s2": tagged(oid("b"), "second", []string{"s1"}, "v2"),
			"s3": tagged(oid("c"), "third", []string{"s2"}, "v3"),
			"s4": {parents: []string{"s3"}, message: "reconcile branch results\n", files: map[string]string{"SPEC.md": "v4"}},
		},
	}

	res, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.SkippedBeforeAnchor != 1 {
		t.Errorf("SkippedBeforeAnchor = %d, want 1", res.SkippedBeforeAnchor)
	}
	if res.AnchorSynthetic != "s3" {
		t.Errorf("anchor = %s, want s3", res.AnchorSynthetic)
	}
}

func TestResolveNoAnchor(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "u2"},
		commits: map[string]fakeCommit{
			"u1": {message: "handwritten\n"},
			"u2": {parents: []string{"u1"}, message: "also handwritten\n"},
		},
	}

	_, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if !errors.Is(err, ErrNoAnchor) {
		t.Errorf("err = %v, want ErrNoAnchor", err)
	}
}

// A shadow branch whose anchor points at a commit missing from the source
// graph is a consistency error, never a silent fresh start.
func TestResolveAnchorUnreachable(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "s1"},
		commits: map[string]fakeCommit{
			"s1": tagged(oid("f"), "rewritten away", nil, "v1"),
		},
	}

	_, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if !errors.Is(err, ErrAnchorUnreachable) {
		t.Errorf("err = %v, want ErrAnchorUnreachable", err)
	}
}

func TestResolveMissingMapping(t *testing.T) {
	t.Parallel()
	g, segments := linearSetup(t)
	// Anchor covers A and B, but A's synthetic commit is absent from the
	// shadow walk, so its id cannot be recovered.
	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "s2"},
		commits: map[string]fakeCommit{
			"u1": {message: "handwritten base\n"},
			"s2": tagged(oid("b"), "second", []string{"u1"}, "v2"),
		},
	}

	_, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if !errors.Is(err, ErrMissingMapping) {
		t.Errorf("err = %v, want ErrMissingMapping", err)
	}
}

// Branch tips hang off the second parent of a synthetic merge; the full
// shadow walk must still recover their mappings.
func TestResolveBranchThroughMerge(t *testing.T) {
	t.Parallel()
	g, err := history.Build([]gitrepo.Commit{
		{ID: oid("e"), Parents: []string{oid("d")}},
		{ID: oid("d"), Parents: []string{oid("b"), oid("2")}},
		{ID: oid("2"), Parents: []string{oid("1")}},
		{ID: oid("1"), Parents: []string{oid("b")}},
		{ID: oid("b"), Parents: []string{oid("a")}},
		{ID: oid("a")},
	}, oid("e"))
	if err != nil {
		t.Fatal(err)
	}
	trunk, err := history.MarkTrunk(g, oid("e"))
	if err != nil {
		t.Fatal(err)
	}
	segments, err := segment.Decompose(g, trunk)
	if err != nil {
		t.Fatal(err)
	}

	repo := &fakeShadow{
		refs: map[string]string{shadowRef: "sE"},
		commits: map[string]fakeCommit{
			"sA": tagged(oid("a"), "a", nil, "va"),
			"sB": tagged(oid("b"), "b", []string{"sA"}, "vb"),
			"s1": tagged(oid("1"), "x1", []string{"sB"}, "v1"),
			"s2": tagged(oid("2"), "x2", []string{"s1"}, "v2"),
			"sM": {parents: []string{"sB", "s2"}, message: "reconcile\n", files: map[string]string{"SPEC.md": "vm"}},
			"sE": tagged(oid("e"), "e", []string{"sM"}, "ve"),
		},
	}

	res, err := newResolver(repo).Resolve(context.Background(), g, segments, shadowRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var branch *segment.Segment
	for _, s := range segments {
		if s.Kind == segment.KindBranch {
			branch = s
		}
	}
	p := res.State.Progress[branch.ID]
	if p.Status != ledger.StatusComplete {
		t.Fatalf("branch status = %s, want complete", p.Status)
	}
	if p.Steps[0].SyntheticID != "s2" {
		t.Errorf("branch tip synthetic = %s, want s2", p.Steps[0].SyntheticID)
	}
	if p.Artifact != "v2" {
		t.Errorf("branch artifact = %q, want v2", p.Artifact)
	}
}
