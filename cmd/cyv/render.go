package main

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/sujayakar/cyclotron/internal/snapshot"
	"github.com/sujayakar/cyclotron/internal/trace"
)

// --- Styles ---

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Background(lipgloss.Color("#1E1E2E")).
			Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6C7086")).
				Background(lipgloss.Color("#313244")).
				Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#89B4FA"))

	threadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086"))

	asyncStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#89B4FA"))

	syncStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAB387"))

	cpuStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6E3A1"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9E2AF")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8")).
			Bold(true)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAB387"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#1E1E2E"))
)

// --- View rendering ---

func (m uiModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(m.renderTitleBar())
	b.WriteRune('\n')

	b.WriteString(m.renderTabBar())
	b.WriteRune('\n')
	b.WriteRune('\n')

	if m.ingestErr != nil {
		b.WriteString(errorStyle.Render("ingestion stopped: " + m.ingestErr.Error()))
		b.WriteRune('\n')
	}

	contentHeight := m.contentHeight()

	var content string

	// Split-pane: timeline plus the selected span's detail on wide terminals.
	if m.activeView == viewTimeline && m.width >= 140 && m.hasSelection {
		leftWidth := m.width*2/3 - 1
		rightWidth := m.width - leftWidth - 3 // 3 for separator

		left := scroll(m.renderTimeline(leftWidth), m.scrollPos, contentHeight)
		right := m.renderSpanDetail(m.selected, rightWidth)

		content = renderSplitPane(left, right, leftWidth, rightWidth, contentHeight)
	} else {
		switch m.activeView {
		case viewTimeline:
			content = m.renderTimeline(m.width)
		case viewLanes:
			content = m.renderLanes()
		case viewWakeups:
			content = m.renderWakeups()
		case viewThreads:
			content = m.renderThreads()
		case viewPacked:
			content = m.renderPacked(m.width)
		case viewSpanDetail:
			content = m.renderSpanDetail(m.detailSpan, m.width)
		}
		content = scroll(content, m.scrollPos, contentHeight)
	}

	// Truncate each line to terminal width so content doesn't wrap
	// on resize.
	content = truncateLines(content, m.width)

	b.WriteString(content)

	// Pad to fill screen.
	rendered := strings.Count(b.String(), "\n")
	for rendered < m.height-2 {
		b.WriteRune('\n')
		rendered++
	}

	if m.showHelp {
		b.WriteString(m.help.View(keys))
	} else {
		b.WriteString(m.renderStatusBar())
	}

	return b.String()
}

// scroll drops the first pos lines and cuts content to height lines. pos is
// clamped here because View has a value receiver and cannot fix the model.
func scroll(content string, pos, height int) string {
	lines := strings.Split(content, "\n")
	if pos >= len(lines) {
		pos = max(0, len(lines)-1)
	}
	if pos > 0 {
		lines = lines[pos:]
	}
	if height > 0 && len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func (m uiModel) renderTitleBar() string {
	title := titleStyle.Render("cyclotron")
	stats := dimStyle.Render(fmt.Sprintf(
		"%d spans | %d lanes | %d wakeups | %d events",
		m.snap.TotalSpans,
		len(m.snap.Lanes),
		len(m.snap.Wakeups),
		m.snap.AppliedEvents,
	))
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(title)-lipgloss.Width(stats)-2))
	return title + gap + stats
}

func (m uiModel) renderTabBar() string {
	var tabs []string
	for i := viewID(0); i < viewCount; i++ {
		if i == m.activeView {
			tabs = append(tabs, tabActiveStyle.Render(i.String()))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(i.String()))
		}
	}
	if m.activeView == viewSpanDetail {
		tabs = append(tabs, tabActiveStyle.Render(fmt.Sprintf("Span: %d", m.detailSpan)))
	}
	return strings.Join(tabs, " ")
}

func (m uiModel) renderStatusBar() string {
	ago := time.Since(m.lastRefresh).Truncate(time.Second)
	left := fmt.Sprintf(" %s", contextHelp(m.activeView))
	right := fmt.Sprintf("refreshed %s ago ", ago)
	gap := strings.Repeat(" ", max(0, m.width-len(left)-len(right)))
	return statusBarStyle.Render(left + gap + right)
}

// --- Timeline view ---

// labelWidth is the width of the span name column left of the bars.
const labelWidth = 28

type cellKind uint8

const (
	cellEmpty cellKind = iota
	cellThread
	cellAsync
	cellSync
	cellCPU
	cellSelected
)

var cellGlyphs = [...]struct {
	r     string
	style *lipgloss.Style
}{
	cellEmpty:    {" ", nil},
	cellThread:   {"·", &threadStyle},
	cellAsync:    {"─", &asyncStyle},
	cellSync:     {"═", &syncStyle},
	cellCPU:      {"█", &cpuStyle},
	cellSelected: {"━", &selectedStyle},
}

func kindCell(k trace.SpanKind) cellKind {
	switch k {
	case trace.KindAsync:
		return cellAsync
	case trace.KindSync:
		return cellSync
	}
	return cellThread
}

func (m uiModel) renderTimeline(width int) string {
	var b strings.Builder
	w := m.snap.Window

	b.WriteString(headerStyle.Render("Timeline"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  [%s, %s)  %d rows, %d of %d spans",
		shortDuration(w.Start), shortDuration(w.End), len(m.snap.Rows), m.snap.VisibleSpans, m.snap.TotalSpans)))
	b.WriteRune('\n')

	if len(m.snap.Rows) == 0 {
		b.WriteString(dimStyle.Render("  (no spans in window)"))
		b.WriteRune('\n')
		return b.String()
	}

	cols := max(width-labelWidth-3, 10)
	b.WriteString(strings.Repeat(" ", labelWidth+3))
	b.WriteString(dimStyle.Render(axisLine(w, cols)))
	b.WriteRune('\n')

	for _, row := range m.snap.Rows {
		first, _ := m.snap.Span(row[0])
		marker := "  "
		if m.hasSelection && slices.Contains(row, m.selected) {
			marker = selectedStyle.Render("> ")
		}
		label := strings.Repeat(" ", min(first.Depth, 8)) + collapseGlyph(first) + first.Name
		if len(row) > 1 {
			label += fmt.Sprintf(" +%d", len(row)-1)
		}
		b.WriteString(marker)
		b.WriteString(fitWidth(label, labelWidth))
		b.WriteString(" ")
		b.WriteString(m.renderBar(row, w, cols))
		b.WriteRune('\n')
	}

	return b.String()
}

func collapseGlyph(s snapshot.Span) string {
	switch {
	case s.Children == 0:
		return "  "
	case s.Expanded:
		return "▾ "
	default:
		return "▸ "
	}
}

// renderBar draws the spans of one row across cols columns of window w.
// On-CPU intervals are drawn over the span body.
func (m uiModel) renderBar(row []trace.SpanID, w snapshot.Window, cols int) string {
	cells := make([]cellKind, cols)
	for _, id := range row {
		s, ok := m.snap.Span(id)
		if !ok {
			continue
		}
		body := kindCell(s.Kind)
		if m.hasSelection && id == m.selected {
			body = cellSelected
		}
		lo, hi := spanCols(s.Start, s.End, w, cols)
		for c := lo; c < hi; c++ {
			cells[c] = body
		}
		for _, cpu := range s.OnCPU {
			end := cpu.End
			if !cpu.Closed {
				end = m.snap.MaxTime
			}
			lo, hi := spanCols(cpu.Start, end, w, cols)
			for c := lo; c < hi; c++ {
				cells[c] = cellCPU
			}
		}
	}
	return renderCells(cells)
}

// spanCols maps [start, end) to the half-open column range it covers. Every
// span that touches the window gets at least one column.
func spanCols(start, end float64, w snapshot.Window, cols int) (int, int) {
	width := w.Width()
	if width <= 0 {
		width = 1
	}
	scale := float64(cols) / width
	// Clamp before converting so far off-screen spans cannot overflow int.
	limit := float64(cols + 1)
	lo := int(math.Floor(min(max((start-w.Start)*scale, -1), limit)))
	hi := int(math.Ceil(min(max((end-w.Start)*scale, -1), limit)))
	if lo >= cols && start <= w.End {
		lo = cols - 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return max(lo, 0), min(hi, cols)
}

func renderCells(cells []cellKind) string {
	var b strings.Builder
	for i := 0; i < len(cells); {
		j := i
		for j < len(cells) && cells[j] == cells[i] {
			j++
		}
		g := cellGlyphs[cells[i]]
		run := strings.Repeat(g.r, j-i)
		if g.style != nil {
			run = g.style.Render(run)
		}
		b.WriteString(run)
		i = j
	}
	return b.String()
}

// axisLine labels the window's start, middle and end across cols columns.
func axisLine(w snapshot.Window, cols int) string {
	left := shortDuration(w.Start)
	mid := shortDuration(w.Start + w.Width()/2)
	right := shortDuration(w.End)
	line := []rune(strings.Repeat(" ", cols))
	put := func(at int, s string) {
		for i, r := range []rune(s) {
			if at+i >= 0 && at+i < len(line) {
				line[at+i] = r
			}
		}
	}
	put(0, left)
	if cols > len(left)+len(mid)+len(right)+4 {
		put(cols/2-len(mid)/2, mid)
	}
	put(cols-len(right), right)
	return string(line)
}

// --- Packed view ---

// renderPacked draws the bounding-box layout of every thread against the
// current window.
func (m uiModel) renderPacked(width int) string {
	var b strings.Builder
	w := m.snap.Window

	rows := 0
	for _, t := range m.snap.Packed {
		rows += len(t.Rows)
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("Packed (%d rows)", rows)))
	b.WriteRune('\n')

	if rows == 0 {
		b.WriteString(dimStyle.Render("  (no spans)"))
		b.WriteRune('\n')
		return b.String()
	}

	cols := max(width-labelWidth-3, 10)
	b.WriteString(strings.Repeat(" ", labelWidth+3))
	b.WriteString(dimStyle.Render(axisLine(w, cols)))
	b.WriteRune('\n')

	for _, t := range m.snap.Packed {
		for i, row := range t.Rows {
			first, _ := m.snap.Span(row[0])
			label := "  " + first.Name
			if i == 0 {
				label = first.Thread
			}
			if len(row) > 1 {
				label += fmt.Sprintf(" +%d", len(row)-1)
			}
			b.WriteString("  ")
			b.WriteString(fitWidth(label, labelWidth))
			b.WriteString(" ")
			b.WriteString(m.renderBar(row, w, cols))
			b.WriteRune('\n')
		}
	}
	return b.String()
}

// --- Lanes view ---

func (m uiModel) renderLanes() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Lanes (%d)", len(m.snap.Lanes))))
	b.WriteRune('\n')
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-5s %-6s %-6s %-24s %s", "Index", "Lane", "Spans", "Occupant", "History")))
	b.WriteRune('\n')

	if len(m.snap.Lanes) == 0 {
		b.WriteString(dimStyle.Render("  (no lanes)"))
		b.WriteRune('\n')
		return b.String()
	}

	for _, l := range m.snap.Lanes {
		occupant := dimStyle.Render("-")
		var history []string
		for i, id := range l.Spans {
			s, ok := m.snap.Span(id)
			if !ok {
				continue
			}
			if i == len(l.Spans)-1 {
				if s.Open {
					occupant = asyncStyle.Render(truncate(s.Name, 20)) + " " + pendingStyle.Render("open")
				} else {
					occupant = dimStyle.Render(truncate(s.Name, 20) + " closed")
				}
			}
			history = append(history, s.Name)
		}
		b.WriteString(fmt.Sprintf("  %-5d %-6d %-6d %s %s\n",
			l.Index, l.ID, len(l.Spans), padRight(occupant, 24), dimStyle.Render(strings.Join(history, " "))))
	}

	return b.String()
}

// --- Wakeups view ---

func (m uiModel) renderWakeups() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Wakeups (%d, %d resolved)", len(m.snap.Wakeups), m.snap.ResolvedWakeups)))
	b.WriteRune('\n')
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-6s %-22s %-22s %-10s %s", "ID", "Waking", "Parked", "At", "Latency")))
	b.WriteRune('\n')

	if len(m.snap.Wakeups) == 0 {
		b.WriteString(dimStyle.Render("  (no wakeups)"))
		b.WriteRune('\n')
		return b.String()
	}

	for _, w := range m.snap.Wakeups {
		latency := pendingStyle.Render("pending")
		if w.Resolved {
			latency = cpuStyle.Render(shortDuration(w.End - w.Start))
		}
		b.WriteString(fmt.Sprintf("  %-6d %-22s %-22s %-10s %s\n",
			w.ID, truncate(m.spanLabel(w.WakingID), 19), truncate(m.spanLabel(w.ParkedID), 19),
			shortDuration(w.Start), latency))
	}

	return b.String()
}

func (m uiModel) spanLabel(id trace.SpanID) string {
	if s, ok := m.snap.Span(id); ok {
		return fmt.Sprintf("%d %s", id, s.Name)
	}
	return fmt.Sprintf("%d ?", id)
}

// --- Threads view ---

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

func (m uiModel) renderThreads() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Threads (%d)", len(m.snap.Threads))))
	b.WriteRune('\n')

	if len(m.snap.Threads) == 0 {
		b.WriteString(dimStyle.Render("  (no threads)"))
		b.WriteRune('\n')
		return b.String()
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-20s %-6s %-7s %s", "Name", "Root", "On-CPU", "Max")))
	b.WriteRune('\n')
	for _, t := range m.snap.Threads {
		active := dimStyle.Render(fmt.Sprintf("%-7d", t.Active))
		if t.Active > 0 {
			active = cpuStyle.Render(fmt.Sprintf("%-7d", t.Active))
		}
		b.WriteString(fmt.Sprintf("  %-20s %-6d %s %d\n", truncate(t.Name, 17), t.RootID, active, t.MaxCount))
		b.WriteString("    ")
		b.WriteString(cpuStyle.Render(sparkline(t.Counts, t.MaxCount, max(m.width-6, 10))))
		b.WriteRune('\n')
	}

	return b.String()
}

// sparkline draws the last width samples of counts scaled to maxCount.
func sparkline(counts []int, maxCount, width int) string {
	if len(counts) == 0 {
		return dimStyle.Render("(idle)")
	}
	if len(counts) > width {
		counts = counts[len(counts)-width:]
	}
	var b strings.Builder
	for _, c := range counts {
		i := 0
		if maxCount > 0 {
			i = c * (len(sparkBlocks) - 1) / maxCount
		}
		b.WriteRune(sparkBlocks[i])
	}
	return b.String()
}

// --- Span detail view ---

func (m uiModel) renderSpanDetail(id trace.SpanID, width int) string {
	s, ok := m.snap.Span(id)
	if !ok {
		return dimStyle.Render(fmt.Sprintf("span %d not found", id))
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Span %d: %s", s.ID, s.Name)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s on %s", s.Kind, s.Thread)))
	b.WriteRune('\n')

	field := func(name, value string) {
		b.WriteString(fmt.Sprintf("  %-10s %s\n", name+":", value))
	}

	if s.HasParent {
		field("parent", m.spanLabel(s.ParentID))
	} else {
		field("parent", dimStyle.Render("(thread root)"))
	}
	field("start", shortDuration(s.Start))
	if s.Open {
		field("end", pendingStyle.Render("open")+dimStyle.Render(" (now "+shortDuration(s.End)+")"))
	} else {
		field("end", shortDuration(s.End))
	}
	field("duration", shortDuration(s.Duration()))
	field("on-cpu", shortDuration(s.OnCPUTime))
	if s.Outcome.Kind != trace.OutcomeUnknown {
		style := cpuStyle
		if s.Outcome.Kind != trace.OutcomeSuccess {
			style = errorStyle
		}
		field("outcome", style.Render(s.Outcome.String()))
	}
	field("lane", fmt.Sprintf("%d (index %d)", s.Lane, s.LaneIndex))
	if len(s.FreeLanes) > 0 {
		field("free", fmt.Sprint(s.FreeLanes))
	}
	children := fmt.Sprintf("%d", s.Children)
	if s.Children > 0 && !s.Expanded {
		children += dimStyle.Render(" (collapsed)")
	}
	field("children", children)

	b.WriteRune('\n')
	b.WriteString(headerStyle.Render("On-CPU"))
	b.WriteRune('\n')
	if len(s.OnCPU) == 0 {
		b.WriteString(dimStyle.Render("  (never scheduled)"))
		b.WriteRune('\n')
	}
	for _, c := range s.OnCPU {
		if c.Closed {
			b.WriteString(fmt.Sprintf("  [%s, %s)  %s\n", shortDuration(c.Start), shortDuration(c.End), shortDuration(c.End-c.Start)))
		} else {
			b.WriteString(fmt.Sprintf("  [%s, %s\n", shortDuration(c.Start), pendingStyle.Render("running)")))
		}
	}

	b.WriteRune('\n')
	b.WriteString(headerStyle.Render("Wakeups"))
	b.WriteRune('\n')
	n := 0
	for _, w := range m.snap.Wakeups {
		var line string
		switch id {
		case w.ParkedID:
			line = fmt.Sprintf("  #%d woken by %s at %s", w.ID, m.spanLabel(w.WakingID), shortDuration(w.Start))
		case w.WakingID:
			line = fmt.Sprintf("  #%d wakes %s at %s", w.ID, m.spanLabel(w.ParkedID), shortDuration(w.Start))
		default:
			continue
		}
		if w.Resolved {
			line += dimStyle.Render(" ran after " + shortDuration(w.End-w.Start))
		} else {
			line += " " + pendingStyle.Render("pending")
		}
		b.WriteString(line)
		b.WriteRune('\n')
		n++
	}
	if n == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		b.WriteRune('\n')
	}

	if len(s.Metadata) > 0 && string(s.Metadata) != "null" {
		b.WriteRune('\n')
		b.WriteString(headerStyle.Render("Metadata"))
		b.WriteRune('\n')
		for _, line := range wrapText(string(s.Metadata), max(width-4, 20)) {
			b.WriteString("  " + line + "\n")
		}
	}

	return b.String()
}

// --- Split-pane rendering ---

// renderSplitPane renders two content panes side by side with a vertical separator.
func renderSplitPane(left, right string, leftWidth, rightWidth, maxHeight int) string {
	leftLines := strings.Split(left, "\n")
	rightLines := strings.Split(right, "\n")

	maxLines := min(max(len(leftLines), len(rightLines)), maxHeight)
	for len(leftLines) < maxLines {
		leftLines = append(leftLines, "")
	}
	for len(rightLines) < maxLines {
		rightLines = append(rightLines, "")
	}

	sep := dimStyle.Render("│")
	var b strings.Builder
	for i := 0; i < maxLines; i++ {
		b.WriteString(fitWidth(leftLines[i], leftWidth))
		b.WriteString(" ")
		b.WriteString(sep)
		b.WriteString(" ")
		b.WriteString(ansi.Truncate(rightLines[i], rightWidth, ""))
		b.WriteRune('\n')
	}
	return b.String()
}

// fitWidth pads or truncates a possibly styled line to exactly width cells.
func fitWidth(s string, width int) string {
	if lipgloss.Width(s) > width {
		return ansi.Truncate(s, width, "…")
	}
	return padRight(s, width)
}

func padRight(s string, width int) string {
	return s + strings.Repeat(" ", max(0, width-lipgloss.Width(s)))
}

// --- Helpers ---

// truncateLines truncates each line in content to at most width visible
// characters, preserving ANSI escape codes. This prevents terminal line
// wrapping when the window is resized narrower.
func truncateLines(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if lipgloss.Width(line) > width {
			lines[i] = ansi.Truncate(line, width, "")
		}
	}
	return strings.Join(lines, "\n")
}

// wrapText breaks s into lines of at most width characters, splitting on word
// boundaries where possible. If a single word exceeds width it is hard-split.
// Embedded newlines are respected; each paragraph is wrapped independently.
func wrapText(s string, width int) []string {
	if width <= 0 {
		width = 80
	}
	var lines []string
	for para := range strings.SplitSeq(s, "\n") {
		lines = append(lines, wrapParagraph(para, width)...)
	}
	return lines
}

// wrapParagraph wraps a single paragraph (no embedded newlines) to width.
func wrapParagraph(s string, width int) []string {
	if len(s) <= width {
		return []string{s}
	}

	var lines []string
	for len(s) > 0 {
		if len(s) <= width {
			lines = append(lines, s)
			break
		}
		// Break at the last space or comma before width.
		cut := strings.LastIndexAny(s[:width], " ,")
		if cut <= 0 {
			lines = append(lines, s[:width])
			s = s[width:]
			continue
		}
		if s[cut] == ',' {
			lines = append(lines, s[:cut+1])
		} else {
			lines = append(lines, s[:cut])
		}
		s = s[cut+1:]
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// shortDuration formats trace seconds with a unit suited to their size.
func shortDuration(sec float64) string {
	abs := math.Abs(sec)
	switch {
	case abs == 0:
		return "0s"
	case abs < 1e-6:
		return fmt.Sprintf("%.0fns", sec*1e9)
	case abs < 1e-3:
		return fmt.Sprintf("%.3gµs", sec*1e6)
	case abs < 1:
		return fmt.Sprintf("%.3gms", sec*1e3)
	case abs < 60:
		return fmt.Sprintf("%.3gs", sec)
	}
	d := time.Duration(sec * float64(time.Second))
	if abs < 3600 {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
