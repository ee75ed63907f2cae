package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/accretion/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-segment progress of the derivation",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}

	l := loadLedgerReadOnly(p)

	fmt.Printf("target %s: %d commits in %d segments\n\n", short(p.targetID), p.graph.Len(), len(p.segments))
	fmt.Printf("%-24s %-8s %-12s %s\n", "SEGMENT", "KIND", "STATUS", "STEPS")

	completed := 0
	for _, s := range p.segments {
		status := ledger.StatusPending
		done := 0
		if l != nil {
			if prog, ok := l.Progress(s.ID); ok {
				status = prog.Status
				done = len(prog.Steps)
			}
		}
		if status == ledger.StatusComplete {
			completed++
			done = len(s.CommitIDs)
		}
		fmt.Printf("%-24s %-8s %-12s %d/%d\n", s.ID, s.Kind, status, done, len(s.CommitIDs))
	}

	fmt.Println()
	fmt.Printf("segments complete: %d/%d\n", completed, len(p.segments))
	if l != nil {
		totalCost, totalSteps := l.Totals()
		fmt.Printf("recorded steps:    %d ($%.2f)\n", totalSteps, totalCost)
		if head := l.ShadowHead(); head != "" {
			fmt.Printf("shadow head:       %s\n", short(head))
		}
	} else {
		fmt.Println("no usable state file; a run would resume from the shadow branch if present")
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
