package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/accretion/internal/estimate"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/processor/claude"
	"github.com/papapumpkin/accretion/internal/runlog"
	"github.com/papapumpkin/accretion/internal/scheduler"
	"github.com/papapumpkin/accretion/internal/segment"
	"github.com/papapumpkin/accretion/internal/telemetry"
	"github.com/papapumpkin/accretion/internal/tui"
	"github.com/papapumpkin/accretion/internal/ui"
	"github.com/papapumpkin/accretion/internal/watch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Derive the specification, one commit at a time",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Int("max-workers", 0, "number of segments processed concurrently")
	runCmd.Flags().String("target", "", "ref whose history to derive (default HEAD)")
	runCmd.Flags().String("shadow-branch", "", "branch the synthetic history grows on")
	runCmd.Flags().String("artifact-file", "", "specification file name inside synthetic commits")
	runCmd.Flags().String("model", "", "model passed to the claude CLI")
	runCmd.Flags().Float64("max-budget", 0, "warn before starting if the projected cost exceeds this")
	runCmd.Flags().Bool("tui", false, "show the full-screen progress view")
	runCmd.Flags().Bool("watch", false, "keep running, re-deriving whenever the target branch moves")

	rootCmd.AddCommand(runCmd)
}

// applyRunFlags pushes CLI flag values into viper so config.Load sees them
// with flag precedence.
func applyRunFlags(cmd *cobra.Command) {
	set := func(flag, key string) {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			viper.Set(key, v)
		}
	}
	set("target", "target_ref")
	set("shadow-branch", "shadow_branch")
	set("artifact-file", "artifact_file")
	set("model", "model")
	if cmd.Flags().Changed("max-workers") {
		v, _ := cmd.Flags().GetInt("max-workers")
		viper.Set("max_workers", v)
	}
	if cmd.Flags().Changed("max-budget") {
		v, _ := cmd.Flags().GetFloat64("max-budget")
		viper.Set("max_budget_usd", v)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	useTUI, _ := cmd.Flags().GetBool("tui")
	useWatch, _ := cmd.Flags().GetBool("watch")
	if useTUI && useWatch {
		return fmt.Errorf("--tui and --watch cannot be combined")
	}

	applyRunFlags(cmd)
	printer := ui.New()
	ctx, cancel := setupSignalContext(printer)
	defer cancel()

	if useWatch {
		return runWatch(ctx, printer)
	}
	return runOnce(ctx, printer, useTUI)
}

// runOnce performs a single derivation pass.
func runOnce(ctx context.Context, printer *ui.Printer, useTUI bool) error {
	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}

	proc := &claude.Processor{
		Path:       p.cfg.ClaudePath,
		Model:      p.cfg.Model,
		MaxRetries: p.cfg.MaxRetries,
		Verbose:    p.cfg.Verbose,
	}
	if err := proc.Validate(); err != nil {
		printer.Error(fmt.Sprintf("claude not available: %v", err))
		return err
	}

	l, _, err := p.openLedger(ctx, printer)
	if err != nil {
		return err
	}

	store, err := runlog.Open(ctx, p.runlogPath())
	if err != nil {
		return err
	}
	defer store.Close()

	if p.cfg.MaxBudgetUSD > 0 {
		if err := checkBudget(ctx, p, l, store, printer); err != nil {
			return err
		}
	}

	emitter, err := telemetry.NewEmitter(p.telemetryPath())
	if err != nil {
		return err
	}
	defer emitter.Close()

	runID := uuid.NewString()
	runner := &scheduler.Runner{
		Graph:        p.graph,
		Segments:     p.segments,
		Ledger:       l,
		Steps:        proc,
		Reconciler:   proc,
		Source:       p.repo,
		Writer:       p.repo,
		Refs:         p.repo,
		ShadowBranch: shadowBranchName(p.cfg),
		ArtifactPath: p.cfg.ArtifactFile,
		LogPath:      p.cfg.LogFile,
		MaxWorkers:   p.cfg.MaxWorkers,
		WindowSize:   p.cfg.ContextWindow,
		RunTag:       "claude",
		RunID:        runID,
		Telemetry:    emitter,
		Runlog:       store,
	}

	emitter.Emit(telemetry.Event{Kind: telemetry.KindRunStart, RunID: runID})

	if useTUI {
		return runWithTUI(ctx, runner, p.segments)
	}

	runner.UI = printer
	printer.Banner()
	printer.RunStart(len(p.segments), p.graph.Len(), p.cfg.MaxWorkers)

	err = runner.Run(ctx)
	emitter.Emit(telemetry.Event{Kind: telemetry.KindRunDone, RunID: runID})
	if errors.Is(err, scheduler.ErrShutdown) {
		printer.Info("stopped; progress is saved and the run can be resumed")
		return nil
	}
	if err != nil {
		return err
	}

	cost, steps := l.Totals()
	printer.RunDone(cost, steps, l.ShadowHead())
	return nil
}

// runWithTUI runs the scheduler behind a BubbleTea program. Quitting the
// program cancels the run; the scheduler still finishes its current commits.
func runWithTUI(ctx context.Context, runner *scheduler.Runner, segments []*segment.Segment) error {
	infos := make([]tui.SegmentInfo, 0, len(segments))
	for _, s := range segments {
		infos = append(infos, tui.SegmentInfo{ID: s.ID, Kind: string(s.Kind), Steps: len(s.CommitIDs)})
	}
	program := tui.NewProgram(infos, runner.MaxWorkers)
	bridge := tui.NewBridge(program)
	runner.OnProgress = bridge.OnProgress

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		err := runner.Run(runCtx)
		cost, steps := runner.Ledger.Totals()
		errText := ""
		if err != nil && !errors.Is(err, scheduler.ErrShutdown) {
			errText = err.Error()
		}
		bridge.RunDone(cost, steps, runner.Ledger.ShadowHead(), errText)
		runErr <- err
	}()

	tuiErr := tui.Run(program)
	cancelRun()
	err := <-runErr
	if tuiErr != nil {
		return tuiErr
	}
	if errors.Is(err, scheduler.ErrShutdown) {
		return nil
	}
	return err
}

// runWatch re-derives every time the target branch moves. Each pass resumes
// from the ledger, so only new commits cost anything.
func runWatch(ctx context.Context, printer *ui.Printer) error {
	if err := runOnce(ctx, printer, false); err != nil {
		return err
	}

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	gitDir, err := p.repo.GitDir(ctx)
	if err != nil {
		return err
	}
	w, err := watch.New(gitDir)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()
	printer.Info("watching for new commits (ctrl-c to stop)")

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-w.Changes:
			if !ok {
				return nil
			}
			if change.Ref != "" {
				printer.Info(fmt.Sprintf("%s moved; re-deriving", change.Ref))
			} else {
				printer.Info("refs updated; re-deriving")
			}
			if err := runOnce(ctx, printer, false); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				printer.Error(err.Error())
			}
		}
	}
}

// checkBudget projects the remaining cost and refuses to start a run that
// would blow past the configured ceiling.
func checkBudget(ctx context.Context, p *pipeline, l *ledger.Ledger, store *runlog.Store, printer *ui.Printer) error {
	avg, err := store.Averages(ctx)
	if err != nil {
		return err
	}
	plan, err := estimate.Build(p.segments, l, avg)
	if err != nil {
		return err
	}
	if plan.CostUSD > p.cfg.MaxBudgetUSD {
		return fmt.Errorf("projected cost $%.2f exceeds budget $%.2f (run 'accretion plan' for the breakdown)",
			plan.CostUSD, p.cfg.MaxBudgetUSD)
	}
	if plan.Samples == 0 {
		printer.Warn("no historical step data; budget check used built-in estimates")
	}
	return nil
}

// setupSignalContext returns a context that is canceled on SIGINT or SIGTERM.
func setupSignalContext(printer *ui.Printer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		printer.Info("\nfinishing current commits, then stopping...")
		cancel()
	}()
	return ctx, cancel
}
