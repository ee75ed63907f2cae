package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/accretion/internal/runlog"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recorded runs and per-step averages",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().Int("limit", 10, "number of recent runs to show")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}

	store, err := runlog.Open(ctx, p.runlogPath())
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	avg, err := store.Averages(ctx)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}

	fmt.Printf("%-36s %6s %10s %10s  %s\n", "RUN", "STEPS", "COST", "AVG/STEP", "FINISHED")
	for _, r := range runs {
		perStep := 0.0
		if r.Steps > 0 {
			perStep = r.CostUSD / float64(r.Steps)
		}
		fmt.Printf("%-36s %6d %9.2f %9.4f  %s\n",
			r.RunID, r.Steps, r.CostUSD, perStep, r.LastStep.Local().Format(time.DateTime))
	}

	fmt.Println()
	fmt.Printf("per-step average over %d steps: $%.4f, %s\n",
		avg.Samples, avg.CostUSD, formatMs(avg.DurationMs))
	return nil
}
