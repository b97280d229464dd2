package ui

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/lipgloss"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incidentlist"
)

// PlainText renders an HTML fragment as one line of text.
func PlainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("br,p,div,hr,li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 1 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// RenderList renders one page of entries, one line each.
func RenderList(entries []incidentlist.Entry, cursor, width, height int) string {
	if len(entries) == 0 {
		return HelpStyle.Render("No incidents to display. Press 'r' to refresh or 'f' to change the filter.")
	}
	if height < 1 {
		height = 1
	}
	offset := 0
	if cursor >= height {
		offset = cursor - height + 1
	}

	var b strings.Builder
	for i := offset; i < len(entries) && i < offset+height; i++ {
		b.WriteString(renderEntryLine(entries[i], i == cursor, width))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEntryLine(e incidentlist.Entry, selected bool, width int) string {
	when := "--:--"
	if t := e.Record.EventTime; !t.IsZero() {
		when = t.In(feed.Local).Format("Jan 2 15:04")
	}
	badge := badgeFor(e.Source).Render(shortSource(e.Source))
	prefix := TimeColumn.Render(fmt.Sprintf("%-12s", when)) + " " + badge

	textWidth := width - lipgloss.Width(prefix) - 2
	if textWidth < 20 {
		textWidth = 20
	}
	text := truncateRunes(PlainText(e.HTML), textWidth)

	style := NormalItem
	switch {
	case selected:
		style = SelectedItem
	case e.Record.HasDetails():
		style = DetailedItem
	}
	return prefix + style.Render(text)
}

// shortSource drops the common prefix and suffix of collection names.
func shortSource(collection string) string {
	s := strings.TrimPrefix(collection, "Toronto")
	s = strings.TrimSuffix(s, "Feed")
	if s == "" {
		return collection
	}
	return s
}

// RenderTicker joins ticker lines into one bar.
func RenderTicker(lines []feed.TickerLine, width int) string {
	if len(lines) == 0 || width <= 0 {
		return ""
	}
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, PlainText(l.HTML))
	}
	text := truncateRunes(strings.Join(parts, "  ·  "), width-2)
	return TickerBar.Width(width).Render(text)
}

// RenderDetails renders the selected entry's summary and merged details.
func RenderDetails(e incidentlist.Entry, width int) string {
	var b strings.Builder
	b.WriteString(PlainText(e.Record.Summary))
	if e.Record.Details != "" {
		for _, part := range strings.Split(e.Record.Details, "<hr>") {
			b.WriteString("\n\n")
			b.WriteString(PlainText(part))
		}
	}
	for _, d := range e.Record.DetailSources {
		b.WriteString(fmt.Sprintf("\n%s %s", StatusBarText.Render("from"), shortSource(d.Feed)))
	}
	w := width - 4
	if w < 20 {
		w = 20
	}
	return DetailPane.Width(w).Render(b.String())
}
