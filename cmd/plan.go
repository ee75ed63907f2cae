package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/accretion/internal/estimate"
	"github.com/papapumpkin/accretion/internal/ledger"
	"github.com/papapumpkin/accretion/internal/runlog"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Project the cost and duration of the next run",
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}

	l := loadLedgerReadOnly(p)

	store, err := runlog.Open(ctx, p.runlogPath())
	if err != nil {
		return err
	}
	defer store.Close()
	avg, err := store.Averages(ctx)
	if err != nil {
		return err
	}

	plan, err := estimate.Build(p.segments, l, avg)
	if err != nil {
		return err
	}

	fmt.Printf("%-24s %-8s %8s %10s %10s\n", "SEGMENT", "KIND", "STEPS", "EST COST", "EST TIME")
	for _, se := range plan.Segments {
		fmt.Printf("%-24s %-8s %4d/%-3d %9.2f %10s\n",
			se.SegmentID, se.Kind, se.StepsLeft, se.StepsTotal,
			se.CostUSD, formatMs(se.DurationMs))
	}
	fmt.Println()
	fmt.Printf("steps remaining: %d\n", plan.StepsLeft)
	fmt.Printf("projected cost:  $%.2f\n", plan.CostUSD)
	fmt.Printf("serial time:     %s\n", formatMs(plan.SerialMs))
	fmt.Printf("best parallel:   %s (longest dependency chain)\n", formatMs(plan.CriticalPathMs))
	if plan.Samples == 0 {
		fmt.Println("no recorded runs yet; figures use built-in per-step estimates")
	} else {
		fmt.Printf("based on %d recorded steps\n", plan.Samples)
	}
	return nil
}

// loadLedgerReadOnly loads prior progress if a valid state file exists.
// Unlike openLedger it never reconstructs or writes state: projection
// commands must not mutate anything.
func loadLedgerReadOnly(p *pipeline) *ledger.Ledger {
	state, outcome, err := ledger.Load(p.stateDir)
	if err != nil || outcome != ledger.LoadOK {
		return nil
	}
	if state.Validate(p.graph) != nil {
		return nil
	}
	return ledger.New(p.stateDir, state)
}

func formatMs(ms float64) string {
	return time.Duration(ms * float64(time.Millisecond)).Round(time.Second).String()
}
