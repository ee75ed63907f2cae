// Package ui prints human-facing run progress to stderr. Machine-readable
// output goes through internal/telemetry instead.
package ui

import (
	"fmt"
	"os"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	blue    = "\033[34m"
	yellow  = "\033[33m"
	green   = "\033[32m"
	red     = "\033[31m"
	cyan    = "\033[36m"
	magenta = "\033[35m"
)

// Printer renders colored progress output to stderr.
type Printer struct{}

// New returns a ready Printer.
func New() *Printer {
	return &Printer{}
}

// Banner prints the startup header.
func (p *Printer) Banner() {
	fmt.Fprintln(os.Stderr, bold+cyan+"  ╔═══════════════════════════════════════╗"+reset)
	fmt.Fprintln(os.Stderr, bold+cyan+"  ║"+reset+bold+"  ACCRETION  "+dim+"history-to-spec deriver"+reset+bold+cyan+"   ║"+reset)
	fmt.Fprintln(os.Stderr, bold+cyan+"  ╚═══════════════════════════════════════╝"+reset)
	fmt.Fprintln(os.Stderr)
}

// RunStart announces the scope of the run.
func (p *Printer) RunStart(segments, commits, workers int) {
	fmt.Fprintf(os.Stderr, bold+magenta+"── deriving %d segment(s), %d commit(s), %d worker(s) ──"+reset+"\n", segments, commits, workers)
}

// Resume reports where a resumed run picks up, including how many
// untagged shadow commits were walked past to find the anchor.
func (p *Printer) Resume(mode string, anchor string, skipped int) {
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, cyan+"↻ resume (%s)"+reset+" from %s "+dim+"(%d untagged commit(s) skipped)"+reset+"\n", mode, short(anchor), skipped)
		return
	}
	fmt.Fprintf(os.Stderr, cyan+"↻ resume (%s)"+reset+" from %s\n", mode, short(anchor))
}

// SegmentStart announces one segment beginning to process.
func (p *Printer) SegmentStart(id, kind string, commits int) {
	color := blue
	if kind != "trunk" {
		color = yellow
	}
	fmt.Fprintf(os.Stderr, color+bold+"▶ %s"+reset+dim+" (%s, %d commit(s))"+reset+"\n", id, kind, commits)
}

// StepDone prints one completed commit derivation.
func (p *Printer) StepDone(segmentID, commitID, summary string, costUSD float64, durationMs int64) {
	secs := float64(durationMs) / 1000.0
	fmt.Fprintf(os.Stderr, dim+"  · %s %s"+reset+" %s "+dim+"(%.1fs, $%.4f)"+reset+"\n", segmentID, short(commitID), summary, secs, costUSD)
}

// MergeDone prints a completed reconcile step.
func (p *Printer) MergeDone(segmentID, mergeID string, costUSD float64) {
	fmt.Fprintf(os.Stderr, magenta+"  ⇄ reconciled %s"+reset+" at %s "+dim+"($%.4f)"+reset+"\n", segmentID, short(mergeID), costUSD)
}

// SegmentDone prints a segment completion line.
func (p *Printer) SegmentDone(id string, costUSD float64) {
	fmt.Fprintf(os.Stderr, green+"✓ %s"+reset+dim+" done ($%.4f)"+reset+"\n", id, costUSD)
}

// SegmentFailed prints a segment failure with its cause.
func (p *Printer) SegmentFailed(id string, err error) {
	fmt.Fprintf(os.Stderr, red+bold+"✗ %s failed"+reset+" — %v\n", id, err)
}

// RunDone prints the final run summary.
func (p *Printer) RunDone(totalCost float64, totalSteps int, shadowHead string) {
	fmt.Fprintf(os.Stderr, green+bold+"✓ run complete"+reset+" — %d step(s), $%.4f, head %s\n", totalSteps, totalCost, short(shadowHead))
}

// ShutdownRequested acknowledges a ctrl-c.
func (p *Printer) ShutdownRequested() {
	fmt.Fprintln(os.Stderr, yellow+bold+"⚠ shutdown requested"+reset+" — finishing current commits, safe to resume later")
}

// Warn prints a yellow warning line.
func (p *Printer) Warn(msg string) {
	fmt.Fprintf(os.Stderr, yellow+bold+"warning: "+reset+"%s\n", msg)
}

// Error prints a red error line.
func (p *Printer) Error(msg string) {
	fmt.Fprintf(os.Stderr, red+bold+"error: "+reset+"%s\n", msg)
}

// Info prints a dim informational line.
func (p *Printer) Info(msg string) {
	fmt.Fprintf(os.Stderr, dim+"%s"+reset+"\n", msg)
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
