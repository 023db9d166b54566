// cyv is a terminal viewer for cyclotron execution traces.
//
// It follows a newline-delimited JSON trace as it is written, lays spans out
// on persistent lanes and shows a compacted timeline of the current time
// window together with wakeups and per-thread activity.
//
// Usage:
//
//	cyv                          # Newest trace in $CYCLOTRON_TRACES_DIR or the working directory
//	cyv --trace <path>           # Follow a specific trace file
//	cyv --list                   # List traces in the traces directory and exit
//	cyv --json                   # Dump the current state as JSON and exit
//	cyv --export out.db          # Write the trace to a SQLite database and exit
//	cyv --filter a,b run.log     # Print the events of spans named a or b and exit
//	cyv --view lanes             # Start in a specific view
//	cyv --window 0.5             # Start with a half-second timeline window
//	cyv --version                # Print version and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sujayakar/cyclotron/internal/config"
	"github.com/sujayakar/cyclotron/internal/datasource"
	"github.com/sujayakar/cyclotron/internal/export"
	"github.com/sujayakar/cyclotron/internal/snapshot"
	"github.com/sujayakar/cyclotron/internal/trace"
	"github.com/sujayakar/cyclotron/internal/tracefilter"
)

// Version is set via ldflags at build time (e.g. -X main.Version=v0.1.0).
var Version = "dev"

// parseViewFlag maps a --view flag string to a viewID.
func parseViewFlag(s string) (viewID, error) {
	switch strings.ToLower(s) {
	case "timeline", "t":
		return viewTimeline, nil
	case "lanes", "n":
		return viewLanes, nil
	case "wakeups", "w":
		return viewWakeups, nil
	case "threads", "p":
		return viewThreads, nil
	case "packed", "b":
		return viewPacked, nil
	default:
		return 0, fmt.Errorf("unknown view %q (valid: timeline, lanes, wakeups, threads, packed)", s)
	}
}

// jsonOutput is the structure printed in --json mode.
type jsonOutput struct {
	Trace   string       `json:"trace"`
	MaxTime float64      `json:"max_time"`
	Window  jsonWindow   `json:"window"`
	Spans   []jsonSpan   `json:"spans"`
	Lanes   []jsonLane   `json:"lanes"`
	Rows    [][]uint64   `json:"rows"`
	Wakeups []jsonWakeup `json:"wakeups"`
	Threads []jsonThread `json:"threads"`
	Packed  []jsonPacked `json:"packed"`
	Stats   jsonStats    `json:"stats"`
	Error   string       `json:"error,omitempty"`
}

type jsonWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type jsonSpan struct {
	ID        uint64          `json:"id"`
	ParentID  *uint64         `json:"parent_id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Thread    string          `json:"thread"`
	Start     float64         `json:"start"`
	End       *float64        `json:"end"`
	OnCPU     float64         `json:"on_cpu"`
	Outcome   string          `json:"outcome,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Lane      uint64          `json:"lane"`
	Depth     int             `json:"depth"`
	PackedRow int             `json:"packed_row"`
	Collapsed bool            `json:"collapsed,omitempty"`
}

type jsonLane struct {
	ID    uint64   `json:"id"`
	Index int      `json:"index"`
	Spans []uint64 `json:"spans"`
}

type jsonWakeup struct {
	ID     uint64   `json:"id"`
	Waking uint64   `json:"waking"`
	Parked uint64   `json:"parked"`
	Start  float64  `json:"start"`
	End    *float64 `json:"end"`
}

type jsonThread struct {
	Name     string `json:"name"`
	Root     uint64 `json:"root"`
	Active   int    `json:"active"`
	MaxCount int    `json:"max_count"`
}

type jsonPacked struct {
	Root uint64     `json:"root"`
	Rows [][]uint64 `json:"rows"`
}

type jsonStats struct {
	Events          int `json:"events"`
	Spans           int `json:"spans"`
	OpenSpans       int `json:"open_spans"`
	VisibleSpans    int `json:"visible_spans"`
	Lanes           int `json:"lanes"`
	Rows            int `json:"rows"`
	Wakeups         int `json:"wakeups"`
	ResolvedWakeups int `json:"resolved_wakeups"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cyv: %v\n", err)
		os.Exit(1)
	}

	tracePath := flag.String("trace", cfg.TracePath, "trace file to follow (default: newest in --dir)")
	tracesDir := flag.String("dir", cfg.TracesDir, "directory searched for traces")
	refreshDur := flag.Duration("refresh", cfg.Refresh, "polling fallback interval")
	debounce := flag.Duration("debounce", cfg.Debounce, "coalescing window for file change events")
	logFile := flag.String("log", cfg.LogFile, "write JSON logs to this file")
	window := flag.Float64("window", cfg.Window, "initial timeline width in seconds (0: whole trace)")
	jsonMode := flag.Bool("json", false, "dump current state as JSON and exit (no TUI)")
	exportPath := flag.String("export", "", "write the trace to this SQLite database and exit")
	filterGoals := flag.String("filter", "", "comma-separated span names; print their events and exit")
	listMode := flag.Bool("list", false, "list traces in --dir and exit")
	viewFlag := flag.String("view", "", "start in specific view (timeline|lanes|wakeups|threads|packed)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("cyv %s\n", Version)
		os.Exit(0)
	}

	cfg.TracePath = *tracePath
	cfg.TracesDir = *tracesDir
	cfg.Refresh = *refreshDur
	cfg.Debounce = *debounce
	cfg.LogFile = *logFile
	cfg.Window = *window
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "cyv: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cyv: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, options{
		json:    *jsonMode,
		export:  *exportPath,
		filter:  *filterGoals,
		list:    *listMode,
		view:    *viewFlag,
		inputs:  flag.Args(),
		version: Version,
	}, logger); err != nil {
		logger.Error("exiting", "err", err)
		fmt.Fprintf(os.Stderr, "cyv: %v\n", err)
		closeLog()
		os.Exit(1)
	}
}

type options struct {
	json    bool
	export  string
	filter  string
	list    bool
	view    string
	inputs  []string
	version string
}

// newLogger builds the JSON logger. The terminal belongs to the TUI, so logs
// go to a file or nowhere.
func newLogger(cfg config.Config) (*slog.Logger, func(), error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = io.Discard
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, closeFn, nil
}

func run(cfg config.Config, opts options, logger *slog.Logger) error {
	switch {
	case opts.list:
		return listTraces(os.Stdout, cfg.TracesDir, cfg.LogFile)
	case opts.filter != "":
		return filterTrace(os.Stdout, cfg.TracePath, opts, logger)
	}

	path, err := discoverTrace(cfg)
	if err != nil {
		return err
	}
	logger.Info("opening trace", "path", path, "version", opts.version)

	src, err := datasource.Open(path, cfg.Batch, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	if opts.json || opts.export != "" {
		snap, ingestErr := load(src)
		if opts.export != "" {
			res, err := export.Write(context.Background(), opts.export, path, snap)
			if err != nil {
				return err
			}
			logger.Info("exported trace", "db", opts.export, "run_id", res.RunID, "spans", res.Spans)
			fmt.Printf("exported run %s: %d spans, %d on-cpu intervals, %d lanes, %d wakeups\n",
				res.RunID, res.Spans, res.OnCPU, res.Lanes, res.Wakeups)
		}
		if opts.json {
			out := buildJSONOutput(path, snap, ingestErr)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("json: %w", err)
			}
		}
		return ingestErr
	}

	w, err := datasource.NewWatcher(path, cfg.Debounce, logger)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	m := newModel(src, w, path)
	m.refreshInterval = cfg.Refresh
	if cfg.Window > 0 {
		m.window = snapshot.Window{Start: 0, End: cfg.Window}
	}
	if opts.view != "" {
		v, err := parseViewFlag(opts.view)
		if err != nil {
			return err
		}
		m.activeView = v
	}

	p := tea.NewProgram(m, tea.WithAltScreen())

	// Feed trace writes into the TUI.
	go func() {
		for range w.Changes() {
			p.Send(traceChangedMsg{})
		}
	}()

	// Polling fallback: re-read at --refresh interval even if fsnotify misses events.
	go func() {
		ticker := time.NewTicker(cfg.Refresh)
		defer ticker.Stop()
		for range ticker.C {
			p.Send(traceChangedMsg{})
		}
	}()

	_, err = p.Run()
	return err
}

// discoverTrace resolves the trace to open. The log file may live in the
// traces directory, so it is never picked as a trace.
func discoverTrace(cfg config.Config) (string, error) {
	return datasource.Discover(cfg.TracePath, cfg.TracesDir, cfg.LogFile)
}

// load reads the whole trace as it stands and snapshots it. A model error
// still yields the snapshot of everything before it.
func load(src *datasource.Source) (*snapshot.DataSnapshot, error) {
	var pollErr error
	for {
		res, err := src.Poll()
		if err != nil {
			pollErr = err
			break
		}
		if !res.Pending {
			break
		}
	}
	var snap *snapshot.DataSnapshot
	src.View(func(m *trace.Model) { snap = snapshot.Build(m, snapshot.Window{}) })
	return snap, pollErr
}

func listTraces(w io.Writer, dir string, exclude ...string) error {
	traces, err := datasource.ListTraces(dir, exclude...)
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		return errors.New("no traces found")
	}
	for _, t := range traces {
		fmt.Fprintf(w, "%-32s %10d  %s\n", t.Name, t.Size, t.ModTime.Format(time.DateTime))
	}
	return nil
}

// filterTrace reads the trace named by the first argument (or the configured
// trace, or stdin for "-") and prints the goal spans' events.
func filterTrace(w io.Writer, configured string, opts options, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var goals []string
	for g := range strings.SplitSeq(opts.filter, ",") {
		if g = strings.TrimSpace(g); g != "" {
			goals = append(goals, g)
		}
	}
	if len(goals) == 0 {
		return errors.New("filter: no span names given")
	}

	path := configured
	if len(opts.inputs) > 0 {
		path = opts.inputs[0]
	}
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		defer f.Close()
		r = f
	}

	n, err := tracefilter.Run(r, w, goals, logger)
	if err != nil {
		return fmt.Errorf("filter %s: %w", path, err)
	}
	logger.Info("filtered trace", "path", path, "goals", goals, "lines", n)
	return nil
}

// buildJSONOutput converts a snapshot into the JSON output structure.
func buildJSONOutput(path string, snap *snapshot.DataSnapshot, ingestErr error) jsonOutput {
	spans := make([]jsonSpan, len(snap.Spans))
	for i, s := range snap.Spans {
		js := jsonSpan{
			ID:        uint64(s.ID),
			Kind:      s.Kind.String(),
			Name:      s.Name,
			Thread:    s.Thread,
			Start:     s.Start,
			OnCPU:     s.OnCPUTime,
			Lane:      uint64(s.Lane),
			Depth:     s.Depth,
			PackedRow: s.PackedRow,
			Collapsed: !s.Expanded,
		}
		if s.HasParent {
			parent := uint64(s.ParentID)
			js.ParentID = &parent
		}
		if !s.Open {
			end := s.End
			js.End = &end
		}
		if s.Outcome.Kind != trace.OutcomeUnknown {
			js.Outcome = s.Outcome.String()
		}
		if len(s.Metadata) > 0 && json.Valid(s.Metadata) {
			js.Metadata = s.Metadata
		}
		spans[i] = js
	}

	lanes := make([]jsonLane, len(snap.Lanes))
	for i, l := range snap.Lanes {
		lanes[i] = jsonLane{ID: uint64(l.ID), Index: l.Index, Spans: spanIDs(l.Spans)}
	}

	rows := make([][]uint64, len(snap.Rows))
	for i, r := range snap.Rows {
		rows[i] = spanIDs(r)
	}

	wakeups := make([]jsonWakeup, len(snap.Wakeups))
	for i, w := range snap.Wakeups {
		jw := jsonWakeup{
			ID:     uint64(w.ID),
			Waking: uint64(w.WakingID),
			Parked: uint64(w.ParkedID),
			Start:  w.Start,
		}
		if w.Resolved {
			end := w.End
			jw.End = &end
		}
		wakeups[i] = jw
	}

	threads := make([]jsonThread, len(snap.Threads))
	for i, t := range snap.Threads {
		threads[i] = jsonThread{Name: t.Name, Root: uint64(t.RootID), Active: t.Active, MaxCount: t.MaxCount}
	}

	packed := make([]jsonPacked, len(snap.Packed))
	for i, p := range snap.Packed {
		rows := make([][]uint64, len(p.Rows))
		for j, r := range p.Rows {
			rows[j] = spanIDs(r)
		}
		packed[i] = jsonPacked{Root: uint64(p.Root), Rows: rows}
	}

	out := jsonOutput{
		Trace:   path,
		MaxTime: snap.MaxTime,
		Window:  jsonWindow{Start: snap.Window.Start, End: snap.Window.End},
		Spans:   spans,
		Lanes:   lanes,
		Rows:    rows,
		Wakeups: wakeups,
		Threads: threads,
		Packed:  packed,
		Stats: jsonStats{
			Events:          snap.AppliedEvents,
			Spans:           snap.TotalSpans,
			OpenSpans:       snap.OpenSpans,
			VisibleSpans:    snap.VisibleSpans,
			Lanes:           len(snap.Lanes),
			Rows:            len(snap.Rows),
			Wakeups:         len(snap.Wakeups),
			ResolvedWakeups: snap.ResolvedWakeups,
		},
	}
	if ingestErr != nil {
		out.Error = ingestErr.Error()
	}
	return out
}

func spanIDs(ids []trace.SpanID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}
