package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette. Police and fire get their own badge colors.
var (
	colorPanel  = lipgloss.Color("235")
	colorText   = lipgloss.Color("252")
	colorDim    = lipgloss.Color("244")
	colorFaint  = lipgloss.Color("239")
	colorAccent = lipgloss.Color("39")  // blue
	colorMerged = lipgloss.Color("220") // amber
	colorAlarm  = lipgloss.Color("160") // red
	colorFire   = lipgloss.Color("208") // orange
)

var (
	SelectedItem = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(colorAccent).PaddingLeft(1)
	NormalItem   = lipgloss.NewStyle().Foreground(colorText).PaddingLeft(1)
	// DetailedItem marks incidents that already carry merged details.
	DetailedItem = lipgloss.NewStyle().Foreground(colorMerged).PaddingLeft(1)
	TimeColumn   = lipgloss.NewStyle().Foreground(colorDim)
	SourceBadge  = lipgloss.NewStyle().Foreground(colorPanel).Background(colorAccent).Bold(true).Padding(0, 1)
)

var (
	TickerBar  = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(colorAlarm).Bold(true).PaddingLeft(1)
	DetailPane = lipgloss.NewStyle().Border(lipgloss.ThickBorder(), true, false, false, false).BorderForeground(colorMerged).PaddingTop(1)

	StatusBar     = lipgloss.NewStyle().Foreground(colorText).Background(colorPanel).PaddingLeft(1)
	StatusBarText = lipgloss.NewStyle().Foreground(colorDim)
	ErrorStyle    = lipgloss.NewStyle().Foreground(colorAlarm).Bold(true)
	HelpStyle     = lipgloss.NewStyle().Foreground(colorFaint).Margin(1, 0, 0, 2)
)

// Debug overlay.
var (
	DebugPanel       = lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(colorFaint).Padding(0, 1)
	DebugHeaderStyle = lipgloss.NewStyle().Foreground(colorAccent).Underline(true)
)

// badgeFor colors the source badge by feed family.
func badgeFor(collection string) lipgloss.Style {
	switch {
	case strings.Contains(collection, "Fire"):
		return SourceBadge.Background(colorFire)
	case strings.Contains(collection, "News"), strings.Contains(collection, "Twitter"):
		return SourceBadge.Background(colorMerged)
	}
	return SourceBadge
}
