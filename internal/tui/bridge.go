package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/papapumpkin/accretion/internal/scheduler"
)

// Bridge forwards scheduler callbacks as typed messages to a BubbleTea
// program. tea.Program.Send is goroutine-safe, so concurrent segment
// workers can report through one bridge.
type Bridge struct {
	program *tea.Program
}

// NewBridge creates a bridge that sends messages to the given program.
func NewBridge(p *tea.Program) *Bridge {
	return &Bridge{program: p}
}

// OnProgress is wired into scheduler.Runner.OnProgress.
func (b *Bridge) OnProgress(p scheduler.Progress) {
	b.program.Send(MsgSegmentProgress{
		SegmentID:  p.SegmentID,
		Status:     string(p.Status),
		StepsDone:  p.StepsDone,
		StepsTotal: p.StepsTotal,
		CostUSD:    p.CostUSD,
	})
}

// RunDone reports the terminal outcome; errText is empty on success.
func (b *Bridge) RunDone(costUSD float64, steps int, shadowHead, errText string) {
	b.program.Send(MsgRunDone{CostUSD: costUSD, Steps: steps, ShadowHead: shadowHead, Err: errText})
}

// Info appends an informational line to the activity log.
func (b *Bridge) Info(text string) {
	b.program.Send(MsgInfo{Text: text})
}

// Error appends an error line to the activity log.
func (b *Bridge) Error(text string) {
	b.program.Send(MsgError{Text: text})
}
