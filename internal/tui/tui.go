package tui

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// Program is an alias for tea.Program, exposed so callers don't need
// to import bubbletea directly.
type Program = tea.Program

// NewProgram creates a BubbleTea program with the segment table seeded, so
// no MsgRunStart race exists between Run() and the first worker.
func NewProgram(segments []SegmentInfo, workers int, opts ...tea.ProgramOption) *Program {
	model := NewAppModel()
	model.workers = workers
	for _, info := range segments {
		model.index[info.ID] = len(model.rows)
		model.rows = append(model.rows, segmentRow{info: info, status: "pending"})
	}

	allOpts := []tea.ProgramOption{
		tea.WithAltScreen(),
	}
	allOpts = append(allOpts, opts...)
	return tea.NewProgram(model, allOpts...)
}

// Run blocks until the program exits.
func Run(p *Program) error {
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// WithOutput returns a program option that directs TUI output to the given
// writer. Useful for testing or redirecting output.
func WithOutput(w io.Writer) tea.ProgramOption {
	return tea.WithOutput(w)
}
