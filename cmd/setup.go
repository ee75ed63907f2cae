package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/papapumpkin/accretion/internal/config"
	"github.com/papapumpkin/accretion/internal/gitrepo"
	"github.com/papapumpkin/accretion/internal/history"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/resume"
	"github.com/papapumpkin/accretion/internal/segment"
	"github.com/papapumpkin/accretion/internal/shadow"
	"github.com/papapumpkin/accretion/internal/ui"
)

// pipeline is everything the commands share: the opened repository, the
// commit graph, its segment decomposition, and the resolved paths.
type pipeline struct {
	cfg      config.Config
	repo     *gitrepo.Repo
	graph    *history.Graph
	segments []*segment.Segment
	targetID string
	stateDir string
}

// buildPipeline opens the repository and decomposes its history. Every
// command starts here; failures at this stage mean the repository itself
// cannot be processed.
func buildPipeline(ctx context.Context) (*pipeline, error) {
	cfg := config.Load()

	branch := shadowBranchName(cfg)
	if err := shadow.ValidateBranchName(branch); err != nil {
		return nil, fmt.Errorf("shadow branch %q: %w", branch, err)
	}

	repo, err := gitrepo.Open(ctx, cfg.RepoDir)
	if err != nil {
		return nil, err
	}

	targetID, err := repo.ResolveRef(ctx, cfg.TargetRef)
	if err != nil {
		return nil, fmt.Errorf("resolving target %s: %w", cfg.TargetRef, err)
	}

	commits, err := repo.Log(ctx, targetID)
	if err != nil {
		return nil, err
	}
	g, err := history.Build(commits, targetID)
	if err != nil {
		return nil, err
	}
	trunk, err := history.MarkTrunk(g, targetID)
	if err != nil {
		return nil, err
	}
	segments, err := segment.Decompose(g, trunk)
	if err != nil {
		return nil, err
	}

	stateDir := cfg.StateDir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(cfg.RepoDir, stateDir)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	return &pipeline{
		cfg:      cfg,
		repo:     repo,
		graph:    g,
		segments: segments,
		targetID: targetID,
		stateDir: stateDir,
	}, nil
}

// shadowBranchName derives the shadow branch for the current target. The
// configured name is used as-is.
func shadowBranchName(cfg config.Config) string {
	return cfg.ShadowBranch
}

// openLedger loads run state with a three-way outcome: a valid state file
// wins; a missing or unreadable one falls back to reconstructing state from
// the shadow branch itself. A state file that loads but contradicts the
// current history is fatal, never silently discarded.
func (p *pipeline) openLedger(ctx context.Context, printer *ui.Printer) (*ledger.Ledger, *resume.Resolution, error) {
	state, outcome, err := ledger.Load(p.stateDir)
	if err != nil {
		return nil, nil, err
	}

	switch outcome {
	case ledger.LoadOK:
		if err := state.Validate(p.graph); err != nil {
			return nil, nil, fmt.Errorf("state file %s disagrees with repository history: %w "+
				"(restore the missing history, or delete the shadow branch and state file to start over)",
				filepath.Join(p.stateDir, ledger.FileName), err)
		}
		return ledger.New(p.stateDir, state), nil, nil

	case ledger.LoadCorrupt:
		printer.Warn("state file unreadable; reconstructing from shadow history")
	}

	resolver := &resume.Resolver{
		Repo:         p.repo,
		ArtifactPath: p.cfg.ArtifactFile,
		LogPath:      p.cfg.LogFile,
	}
	res, err := resolver.Resolve(ctx, p.graph, p.segments, shadow.TrunkRef(shadowBranchName(p.cfg)))
	if err != nil {
		return nil, nil, err
	}

	l := ledger.New(p.stateDir, res.State)
	if err := l.Checkpoint(); err != nil {
		return nil, nil, err
	}
	if res.Mode == resume.ModeShadow {
		printer.Resume(string(res.Mode), res.AnchorOriginal, res.SkippedBeforeAnchor)
	}
	return l, res, nil
}

// runlogPath resolves the step database location.
func (p *pipeline) runlogPath() string {
	if p.cfg.RunlogPath != "" {
		return p.cfg.RunlogPath
	}
	return filepath.Join(p.stateDir, "runlog.db")
}

// telemetryPath resolves the JSONL event log location.
func (p *pipeline) telemetryPath() string {
	if p.cfg.TelemetryPath != "" {
		return p.cfg.TelemetryPath
	}
	return filepath.Join(p.stateDir, "telemetry.jsonl")
}
