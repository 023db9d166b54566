package main

import (
	"log/slog"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/sujayakar/cyclotron/internal/datasource"
	"github.com/sujayakar/cyclotron/internal/snapshot"
	"github.com/sujayakar/cyclotron/internal/trace"
)

// --- Messages ---

type traceChangedMsg struct{}

type snapshotReadyMsg struct {
	snap *snapshot.DataSnapshot
	// pending is set when the poll stopped at the batch limit.
	pending bool
	err     error
}

type tickMsg struct{}

// --- Key bindings ---

type keyMap struct {
	Quit     key.Binding
	Tab      key.Binding
	Refresh  key.Binding
	Up       key.Binding
	Down     key.Binding
	Help     key.Binding
	Enter    key.Binding
	Inspect  key.Binding
	Esc      key.Binding
	ZoomIn   key.Binding
	ZoomOut  key.Binding
	PanLeft  key.Binding
	PanRight key.Binding
	Reset    key.Binding
}

var keys = keyMap{
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Tab:      key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next view")),
	Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("k/up", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("j/down", "down")),
	Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Enter:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "collapse/expand")),
	Inspect:  key.NewBinding(key.WithKeys("i"), key.WithHelp("i", "span detail")),
	Esc:      key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	ZoomIn:   key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "zoom in")),
	ZoomOut:  key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "zoom out")),
	PanLeft:  key.NewBinding(key.WithKeys("h", "left"), key.WithHelp("h/left", "pan left")),
	PanRight: key.NewBinding(key.WithKeys("l", "right"), key.WithHelp("l/right", "pan right")),
	Reset:    key.NewBinding(key.WithKeys("0"), key.WithHelp("0", "whole trace")),
}

// viewKeys maps single keys to views for fast navigation.
var viewKeys = map[string]viewID{
	"t": viewTimeline,
	"n": viewLanes,
	"w": viewWakeups,
	"p": viewThreads,
	"b": viewPacked,
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Refresh, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.Refresh, k.Up, k.Down},
		{k.ZoomIn, k.ZoomOut, k.PanLeft, k.PanRight, k.Reset},
		{k.Enter, k.Inspect, k.Esc, k.Help, k.Quit},
	}
}

// contextHelp returns help text appropriate for the current view.
func contextHelp(v viewID) string {
	switch v {
	case viewTimeline:
		return "j/k: select | enter: collapse | i: detail | +/-: zoom | h/l: pan | 0: all | ?: help | q: quit"
	case viewSpanDetail:
		return "j/k: scroll | esc: back | t/n/w/p/b: views | ?: help | q: quit"
	default:
		return "j/k: scroll | t/n/w/p/b: views | tab: next | ?: help | q: quit"
	}
}

// --- Views ---

type viewID int

const (
	viewTimeline viewID = iota
	viewLanes
	viewWakeups
	viewThreads
	viewPacked
	viewCount // views from here on are not in the tab bar
	viewSpanDetail
)

func (v viewID) String() string {
	switch v {
	case viewTimeline:
		return "Timeline"
	case viewLanes:
		return "Lanes"
	case viewWakeups:
		return "Wakeups"
	case viewThreads:
		return "Threads"
	case viewPacked:
		return "Packed"
	case viewSpanDetail:
		return "Span Detail"
	}
	return "?"
}

// timelineHeader is the number of lines above the first timeline row.
const timelineHeader = 2

// --- Model ---

type uiModel struct {
	src       *datasource.Source
	watcher   *datasource.Watcher
	snap      *snapshot.DataSnapshot
	tracePath string

	activeView   viewID
	prevView     viewID // for Esc navigation
	width        int
	height       int
	scrollPos    int
	selected     trace.SpanID
	hasSelection bool
	detailSpan   trace.SpanID
	// window is the requested timeline range. Zero follows the whole trace.
	window          snapshot.Window
	refreshInterval time.Duration

	// ingestErr is the model error that stopped the live tail.
	ingestErr error

	help     help.Model
	showHelp bool

	lastRefresh time.Time
}

func newModel(src *datasource.Source, w *datasource.Watcher, tracePath string) uiModel {
	return uiModel{
		src:         src,
		watcher:     w,
		snap:        snapshot.Build(trace.NewModel(), snapshot.Window{}),
		tracePath:   tracePath,
		help:        help.New(),
		lastRefresh: time.Now(),
	}
}

func (m uiModel) Init() tea.Cmd {
	return tea.Batch(
		tickEvery(),
		m.refreshSnapshot(true),
	)
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Check single-key view shortcuts first (always available).
		if v, ok := viewKeys[msg.String()]; ok {
			m.activeView = v
			m.scrollPos = 0
			if v == viewTimeline {
				m.followSelection()
			}
			return m, nil
		}

		switch {
		case key.Matches(msg, keys.Quit):
			if m.watcher != nil {
				m.watcher.Close()
			}
			return m, tea.Quit

		case key.Matches(msg, keys.Esc):
			if m.activeView == viewSpanDetail {
				m.activeView = m.prevView
				m.scrollPos = 0
				if m.activeView == viewTimeline {
					m.followSelection()
				}
			}

		case key.Matches(msg, keys.Inspect):
			if m.activeView == viewTimeline && m.hasSelection {
				m.detailSpan = m.selected
				m.prevView = m.activeView
				m.activeView = viewSpanDetail
				m.scrollPos = 0
			}

		case key.Matches(msg, keys.Enter):
			if m.activeView == viewTimeline && m.hasSelection {
				return m, m.toggleCollapse(m.selected)
			}

		case key.Matches(msg, keys.Tab):
			if m.activeView == viewSpanDetail {
				m.activeView = viewTimeline
			} else {
				m.activeView = (m.activeView + 1) % viewCount
			}
			m.scrollPos = 0
			if m.activeView == viewTimeline {
				m.followSelection()
			}

		case key.Matches(msg, keys.Refresh):
			return m, m.refreshSnapshot(m.ingestErr == nil)

		case key.Matches(msg, keys.Up):
			if m.activeView == viewTimeline {
				m.moveSelection(-1)
			} else if m.scrollPos > 0 {
				m.scrollPos--
			}

		case key.Matches(msg, keys.Down):
			if m.activeView == viewTimeline {
				m.moveSelection(1)
			} else {
				// View() clamps if we overshoot.
				maxScroll := len(m.snap.Spans) + len(m.snap.Lanes) + len(m.snap.Wakeups) + 2*len(m.snap.Threads) + 20
				if m.activeView == viewSpanDetail {
					if s, ok := m.snap.Span(m.detailSpan); ok {
						maxScroll += len(s.OnCPU) + len(s.Metadata)/8
					}
				}
				if m.scrollPos < maxScroll {
					m.scrollPos++
				}
			}

		case key.Matches(msg, keys.ZoomIn):
			if m.activeView == viewTimeline {
				m.zoom(0.5)
				return m, m.refreshSnapshot(false)
			}

		case key.Matches(msg, keys.ZoomOut):
			if m.activeView == viewTimeline {
				m.zoom(2)
				return m, m.refreshSnapshot(false)
			}

		case key.Matches(msg, keys.PanLeft):
			if m.activeView == viewTimeline {
				m.pan(-0.25)
				return m, m.refreshSnapshot(false)
			}

		case key.Matches(msg, keys.PanRight):
			if m.activeView == viewTimeline {
				m.pan(0.25)
				return m, m.refreshSnapshot(false)
			}

		case key.Matches(msg, keys.Reset):
			if m.activeView == viewTimeline && !m.window.IsZero() {
				m.window = snapshot.Window{}
				return m, m.refreshSnapshot(false)
			}

		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case traceChangedMsg:
		// Ingestion stops for good on the first model error.
		if m.ingestErr != nil {
			return m, nil
		}
		return m, m.refreshSnapshot(true)

	case snapshotReadyMsg:
		if msg.snap != nil {
			m.snap = msg.snap
			m.lastRefresh = time.Now()
			m.clampSelection()
		}
		if msg.err != nil {
			m.ingestErr = msg.err
		}
		if msg.pending && msg.err == nil {
			return m, m.refreshSnapshot(true)
		}

	case tickMsg:
		return m, tickEvery()
	}

	return m, nil
}

// refreshSnapshot rebuilds the snapshot for the current window, reading new
// trace events first when poll is set.
func (m uiModel) refreshSnapshot(poll bool) tea.Cmd {
	src, window := m.src, m.window
	if src == nil {
		return nil
	}
	return func() tea.Msg {
		var msg snapshotReadyMsg
		if poll {
			res, err := src.Poll()
			msg.pending, msg.err = res.Pending, err
		}
		src.View(func(tm *trace.Model) { msg.snap = snapshot.Build(tm, window) })
		return msg
	}
}

func (m uiModel) toggleCollapse(id trace.SpanID) tea.Cmd {
	src := m.src
	if src == nil {
		return nil
	}
	rebuild := m.refreshSnapshot(false)
	return func() tea.Msg {
		err := src.Update(func(tm *trace.Model) error {
			_, err := tm.ToggleExpanded(id)
			return err
		})
		if err != nil {
			slog.Warn("toggle collapse", "span", id, "err", err)
		}
		return rebuild()
	}
}

// visibleSpans returns the spans laid out in the current window, in
// hierarchy pre-order.
func (m uiModel) visibleSpans() []snapshot.Span {
	var out []snapshot.Span
	for _, s := range m.snap.Spans {
		if _, ok := m.snap.Row(s.ID); ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *uiModel) moveSelection(delta int) {
	visible := m.visibleSpans()
	if len(visible) == 0 {
		m.hasSelection = false
		return
	}
	i := 0
	if m.hasSelection {
		for j, s := range visible {
			if s.ID == m.selected {
				i = j + delta
				break
			}
		}
	}
	i = min(max(i, 0), len(visible)-1)
	m.selected = visible[i].ID
	m.hasSelection = true
	m.followSelection()
}

// clampSelection keeps the selection on a visible span after the layout
// changed.
func (m *uiModel) clampSelection() {
	if m.hasSelection {
		if _, ok := m.snap.Row(m.selected); ok {
			return
		}
	}
	visible := m.visibleSpans()
	if len(visible) == 0 {
		m.hasSelection = false
		return
	}
	m.selected = visible[0].ID
	m.hasSelection = true
	m.followSelection()
}

// followSelection scrolls the timeline so the selected row is on screen.
func (m *uiModel) followSelection() {
	if !m.hasSelection {
		return
	}
	row, ok := m.snap.Row(m.selected)
	if !ok {
		return
	}
	line := row + timelineHeader
	height := m.contentHeight()
	if line < m.scrollPos+timelineHeader {
		m.scrollPos = row
	}
	if height > 0 && line >= m.scrollPos+height {
		m.scrollPos = line - height + 1
	}
}

func (m uiModel) contentHeight() int {
	h := m.height - 5 // title + tabs + status + padding
	if m.showHelp {
		h -= 3
	}
	if m.ingestErr != nil {
		h--
	}
	return h
}

// traceStart is the earliest span start in the snapshot.
func (m uiModel) traceStart() float64 {
	start := math.Inf(1)
	for _, s := range m.snap.Spans {
		start = min(start, s.Start)
	}
	if math.IsInf(start, 1) {
		return 0
	}
	return start
}

func (m uiModel) currentWindow() snapshot.Window {
	if m.window.IsZero() {
		return m.snap.Window
	}
	return m.window
}

// minWindow is the narrowest timeline window. Trace timestamps carry
// nanoseconds, so nothing is gained below that.
const minWindow = 1e-9

// zoom scales the window around its center. Zooming out past the whole trace
// goes back to following it.
func (m *uiModel) zoom(factor float64) {
	w := m.currentWindow()
	width := w.Width()
	if width <= 0 {
		width = 1
	}
	next := max(width*factor, minWindow)
	if factor > 1 && next >= m.snap.MaxTime-m.traceStart() {
		m.window = snapshot.Window{}
		return
	}
	center := w.Start + width/2
	m.window = snapshot.Window{Start: center - next/2, End: center + next/2}
}

// pan shifts the window by a fraction of its width.
func (m *uiModel) pan(fraction float64) {
	w := m.currentWindow()
	width := w.Width()
	if width <= 0 {
		return
	}
	shift := width * fraction
	m.window = snapshot.Window{Start: w.Start + shift, End: w.End + shift}
}
