package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// maxLogLines bounds the activity log kept in memory.
const maxLogLines = 200

type segmentRow struct {
	info     SegmentInfo
	status   string
	done     int
	costUSD  float64
}

// AppModel is the root BubbleTea model: a status bar, the segment table,
// an activity log, and a key footer.
type AppModel struct {
	rows  []segmentRow
	index map[string]int

	log []string

	workers    int
	start      time.Time
	width      int
	height     int
	finished   bool
	finalCost  float64
	finalSteps int
	shadowHead string
	finalErr   string
}

// NewAppModel creates an empty model; MsgRunStart populates it.
func NewAppModel() AppModel {
	return AppModel{
		index: make(map[string]int),
		start: time.Now(),
		width: 80,
	}
}

func (m AppModel) Init() tea.Cmd {
	return tickCmd()
}

type msgTick time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return msgTick(t)
	})
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case msgTick:
		if m.finished {
			return m, nil
		}
		return m, tickCmd()

	case MsgRunStart:
		m.workers = msg.Workers
		m.start = time.Now()
		m.rows = m.rows[:0]
		m.index = make(map[string]int, len(msg.Segments))
		for _, info := range msg.Segments {
			m.index[info.ID] = len(m.rows)
			m.rows = append(m.rows, segmentRow{info: info, status: "pending"})
		}

	case MsgSegmentProgress:
		if i, ok := m.index[msg.SegmentID]; ok {
			m.rows[i].status = msg.Status
			if msg.StepsDone > m.rows[i].done {
				m.rows[i].done = msg.StepsDone
			}
			m.rows[i].costUSD += msg.CostUSD
		}

	case MsgStepDone:
		m.appendLog(styleLogLine.Render(fmt.Sprintf("%s %s  %s  $%.4f",
			msg.SegmentID, shortID(msg.CommitID), msg.Summary, msg.CostUSD)))

	case MsgInfo:
		m.appendLog(styleLogLine.Render(msg.Text))

	case MsgError:
		m.appendLog(styleLogError.Render(msg.Text))

	case MsgRunDone:
		m.finished = true
		m.finalCost = msg.CostUSD
		m.finalSteps = msg.Steps
		m.shadowHead = msg.ShadowHead
		m.finalErr = msg.Err
	}
	return m, nil
}

func (m *AppModel) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m AppModel) View() string {
	var b strings.Builder
	b.WriteString(m.statusBarView())
	b.WriteString("\n\n")
	b.WriteString(m.tableView())
	b.WriteString("\n")
	b.WriteString(m.logView())
	b.WriteString("\n")
	b.WriteString(m.footerView())
	return b.String()
}

func (m AppModel) statusBarView() string {
	done := 0
	var cost float64
	for _, r := range m.rows {
		if r.status == "complete" {
			done++
		}
		cost += r.costUSD
	}
	elapsed := time.Since(m.start).Round(time.Second)

	parts := []string{
		styleStatusLabel.Render("accretion"),
		fmt.Sprintf("%s %d/%d", styleStatusLabel.Render("segments"), done, len(m.rows)),
		styleStatusCost.Render(fmt.Sprintf("$%.2f", cost)),
		elapsed.String(),
	}
	if m.workers > 1 {
		parts = append(parts, fmt.Sprintf("%d workers", m.workers))
	}
	if m.finished {
		if m.finalErr != "" {
			parts = append(parts, styleRowFailed.Render(m.finalErr))
		} else {
			parts = append(parts, styleRowDone.Render("done "+shortID(m.shadowHead)))
		}
	}
	return styleStatusBar.Width(m.width).Render(strings.Join(parts, "  "))
}

func (m AppModel) tableView() string {
	if len(m.rows) == 0 {
		return styleRowWaiting.Render("  waiting for run to start")
	}
	var b strings.Builder
	for _, r := range m.rows {
		icon, style := rowStyle(r.status)
		line := fmt.Sprintf("  %s %-22s %-8s %3d/%-3d  $%.2f",
			icon, r.info.ID, r.info.Kind, r.done, r.info.Steps, r.costUSD)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func rowStyle(status string) (string, interface{ Render(...string) string }) {
	switch status {
	case "complete":
		return iconDone, styleRowDone
	case "in_progress":
		return iconWorking, styleRowWorking
	case "failed":
		return iconFailed, styleRowFailed
	default:
		return iconWaiting, styleRowWaiting
	}
}

func (m AppModel) logView() string {
	visible := 8
	if m.height > 0 {
		if v := m.height - len(m.rows) - 7; v < visible {
			visible = v
		}
	}
	if visible < 1 || len(m.log) == 0 {
		return ""
	}
	lines := m.log
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m AppModel) footerView() string {
	return styleFooter.Width(m.width).Render(
		" " + styleFooterKey.Render("q") + " quit",
	)
}

func shortID(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
