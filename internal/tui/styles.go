package tui

import "github.com/charmbracelet/lipgloss"

// Semantic color palette.
var (
	colorPrimary     = lipgloss.Color("#00BFFF") // Cyan — primary accent
	colorAccent      = lipgloss.Color("#FFD700") // Gold — cost figures
	colorSuccess     = lipgloss.Color("#00E676") // Green — completed
	colorDanger      = lipgloss.Color("#FF5252") // Red — failures
	colorMuted       = lipgloss.Color("#636363") // Gray — de-emphasized
	colorMutedLight  = lipgloss.Color("#8C8C8C") // Lighter gray — normal text
	colorWhite       = lipgloss.Color("#EEEEEE") // Off-white — primary text
	colorSurface     = lipgloss.Color("#1E1E2E") // Dark surface — status bar bg
	colorSurfaceDim  = lipgloss.Color("#181825") // Darkest surface — footer bg
	colorBlue        = lipgloss.Color("#5B8DEF") // Blue — in progress
)

// Status icons for segment states.
const (
	iconDone    = "✓"
	iconFailed  = "✗"
	iconWorking = "◎"
	iconWaiting = "·"
)

var (
	styleStatusBar = lipgloss.NewStyle().
			Background(colorSurface).
			Foreground(colorWhite).
			Bold(true).
			Padding(0, 1)

	styleStatusLabel = lipgloss.NewStyle().
				Foreground(colorPrimary).
				Bold(true)

	styleStatusCost = lipgloss.NewStyle().
			Foreground(colorAccent)
)

var (
	styleRowNormal = lipgloss.NewStyle().
			Foreground(colorMutedLight)

	styleRowDone = lipgloss.NewStyle().
			Foreground(colorSuccess)

	styleRowWorking = lipgloss.NewStyle().
			Foreground(colorBlue)

	styleRowFailed = lipgloss.NewStyle().
			Foreground(colorDanger).
			Bold(true)

	styleRowWaiting = lipgloss.NewStyle().
			Foreground(colorMuted)
)

var (
	styleFooter = lipgloss.NewStyle().
			Foreground(colorMuted).
			Background(colorSurfaceDim).
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(colorMuted)

	styleFooterKey = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	styleLogLine = lipgloss.NewStyle().
			Foreground(colorMutedLight)

	styleLogError = lipgloss.NewStyle().
			Foreground(colorDanger)
)
