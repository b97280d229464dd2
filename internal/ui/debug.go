package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/ionicresearchlabs/ionic/internal/otel"
)

// debugPanelChrome is the border plus vertical padding of DebugPanel.
const debugPanelChrome = 4

// debugOverlay renders pipeline counters and the newest events. Returns ""
// when ring is nil.
func debugOverlay(ring *otel.RingBuffer, width, height int) string {
	if ring == nil {
		return ""
	}
	stats := ring.Stats()

	var lines []string
	lines = append(lines, DebugHeaderStyle.Render("Pipeline Stats"))
	lines = append(lines, fmt.Sprintf("  Polls:      %d complete, %d errors, %d parse errors",
		stats[otel.KindPollComplete], stats[otel.KindPollError], stats[otel.KindParseError]))
	lines = append(lines, fmt.Sprintf("  Store:      %d duplicates, %d errors",
		stats[otel.KindStoreDuplicate], stats[otel.KindStoreError]))
	lines = append(lines, fmt.Sprintf("  Reconcile:  %d merged, %d skipped, %d missed",
		stats[otel.KindReconcileMerge], stats[otel.KindReconcileSkip], stats[otel.KindReconcileMiss]))
	lines = append(lines, fmt.Sprintf("  List:       %d rebuilds, %d drains",
		stats[otel.KindListRebuild], stats[otel.KindListDrain]))
	lines = append(lines, fmt.Sprintf("  Buffer:     %d events", ring.Len()))
	lines = append(lines, "")

	lines = append(lines, DebugHeaderStyle.Render("Recent Events"))
	for _, e := range ring.Last(20) {
		line := fmt.Sprintf("  %6s  %-18s", formatAge(time.Since(e.Time)), string(e.Kind))
		if e.Collection != "" {
			line += "  " + truncateRunes(e.Collection, 24)
		}
		if e.Msg != "" {
			line += "  " + truncateRunes(e.Msg, 30)
		}
		if e.Err != "" {
			line += "  ERR:" + truncateRunes(e.Err, 30)
		}
		lines = append(lines, line)
	}

	maxHeight := height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}
	panelWidth := min(max(width-4, 20), 96)
	return DebugPanel.Width(panelWidth).Render(strings.Join(lines, "\n"))
}

// formatAge formats a duration compactly. Negative durations from clock
// skew clamp to "0ms".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}
