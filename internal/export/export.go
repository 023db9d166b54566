// Package export writes trace snapshots to a SQLite database for offline
// querying. Each export is a run; every row carries its run id so several
// traces, or several points of one live trace, can share a database.
//
// Span and wakeup ids are unsigned 64-bit values and are stored as decimal
// TEXT, the same digits the JSON dump prints. SQLite integers are signed, so
// ids at or above 2^63 would otherwise come back negative.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sujayakar/cyclotron/internal/snapshot"
	"github.com/sujayakar/cyclotron/internal/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	trace_path  TEXT NOT NULL,
	max_time    REAL NOT NULL,
	events      INTEGER NOT NULL,
	exported_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS spans (
	run_id      TEXT NOT NULL REFERENCES runs(run_id),
	span_id     TEXT NOT NULL,
	parent_id   TEXT,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	thread      TEXT NOT NULL,
	start_ts    REAL NOT NULL,
	end_ts      REAL,
	on_cpu_time REAL NOT NULL,
	outcome     TEXT,
	metadata    TEXT,
	lane_id     INTEGER NOT NULL,
	depth       INTEGER NOT NULL,
	packed_row  INTEGER NOT NULL,
	PRIMARY KEY (run_id, span_id)
);
CREATE TABLE IF NOT EXISTS on_cpu (
	run_id   TEXT NOT NULL REFERENCES runs(run_id),
	span_id  TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	start_ts REAL NOT NULL,
	end_ts   REAL,
	PRIMARY KEY (run_id, span_id, seq)
);
CREATE TABLE IF NOT EXISTS lanes (
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	lane_id    INTEGER NOT NULL,
	lane_index INTEGER NOT NULL,
	PRIMARY KEY (run_id, lane_id)
);
CREATE TABLE IF NOT EXISTS lane_spans (
	run_id  TEXT NOT NULL REFERENCES runs(run_id),
	lane_id INTEGER NOT NULL,
	seq     INTEGER NOT NULL,
	span_id TEXT NOT NULL,
	PRIMARY KEY (run_id, lane_id, seq)
);
CREATE TABLE IF NOT EXISTS wakeups (
	run_id      TEXT NOT NULL REFERENCES runs(run_id),
	wakeup_id   TEXT NOT NULL,
	waking_span TEXT NOT NULL,
	parked_span TEXT NOT NULL,
	start_ts    REAL NOT NULL,
	end_ts      REAL,
	PRIMARY KEY (run_id, wakeup_id)
);
`

// Result contains the run id and the number of rows written per table.
type Result struct {
	RunID   uuid.UUID
	Spans   int64
	OnCPU   int64
	Lanes   int64
	Wakeups int64
}

// Write appends snap to the database at path as a new run. tracePath is
// recorded with the run.
func Write(ctx context.Context, path, tracePath string, snap *snapshot.DataSnapshot) (Result, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Result{}, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return Result{}, fmt.Errorf("export: create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("export: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res := Result{RunID: uuid.New()}
	run := res.RunID.String()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, trace_path, max_time, events, exported_at) VALUES (?, ?, ?, ?, ?)`,
		run, tracePath, snap.MaxTime, snap.AppliedEvents, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Result{}, fmt.Errorf("export: insert run: %w", err)
	}

	if err := writeSpans(ctx, tx, run, snap, &res); err != nil {
		return Result{}, err
	}
	if err := writeLanes(ctx, tx, run, snap, &res); err != nil {
		return Result{}, err
	}
	if err := writeWakeups(ctx, tx, run, snap, &res); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("export: commit: %w", err)
	}
	return res, nil
}

func writeSpans(ctx context.Context, tx *sql.Tx, run string, snap *snapshot.DataSnapshot, res *Result) error {
	spanStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spans (run_id, span_id, parent_id, kind, name, thread, start_ts, end_ts, on_cpu_time, outcome, metadata, lane_id, depth, packed_row)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("export: prepare spans: %w", err)
	}
	defer spanStmt.Close()

	cpuStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO on_cpu (run_id, span_id, seq, start_ts, end_ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("export: prepare on_cpu: %w", err)
	}
	defer cpuStmt.Close()

	for _, s := range snap.Spans {
		var parent, end, outcome, metadata any
		if s.HasParent {
			parent = spanKey(s.ParentID)
		}
		if !s.Open {
			end = s.End
		}
		if s.Outcome.Kind != trace.OutcomeUnknown {
			outcome = s.Outcome.String()
		}
		if len(s.Metadata) > 0 && string(s.Metadata) != "null" {
			metadata = string(s.Metadata)
		}
		_, err := spanStmt.ExecContext(ctx, run, spanKey(s.ID), parent, s.Kind.String(), s.Name, s.Thread,
			s.Start, end, s.OnCPUTime, outcome, metadata, int64(s.Lane), s.Depth, s.PackedRow)
		if err != nil {
			return fmt.Errorf("export: insert span %d: %w", s.ID, err)
		}
		res.Spans++

		for i, c := range s.OnCPU {
			var cend any
			if c.Closed {
				cend = c.End
			}
			if _, err := cpuStmt.ExecContext(ctx, run, spanKey(s.ID), i, c.Start, cend); err != nil {
				return fmt.Errorf("export: insert on_cpu for span %d: %w", s.ID, err)
			}
			res.OnCPU++
		}
	}
	return nil
}

func writeLanes(ctx context.Context, tx *sql.Tx, run string, snap *snapshot.DataSnapshot, res *Result) error {
	laneStmt, err := tx.PrepareContext(ctx, `INSERT INTO lanes (run_id, lane_id, lane_index) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("export: prepare lanes: %w", err)
	}
	defer laneStmt.Close()

	memberStmt, err := tx.PrepareContext(ctx, `INSERT INTO lane_spans (run_id, lane_id, seq, span_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("export: prepare lane_spans: %w", err)
	}
	defer memberStmt.Close()

	for _, l := range snap.Lanes {
		if _, err := laneStmt.ExecContext(ctx, run, int64(l.ID), l.Index); err != nil {
			return fmt.Errorf("export: insert lane %d: %w", l.ID, err)
		}
		res.Lanes++
		for i, id := range l.Spans {
			if _, err := memberStmt.ExecContext(ctx, run, int64(l.ID), i, spanKey(id)); err != nil {
				return fmt.Errorf("export: insert lane %d member: %w", l.ID, err)
			}
		}
	}
	return nil
}

func writeWakeups(ctx context.Context, tx *sql.Tx, run string, snap *snapshot.DataSnapshot, res *Result) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO wakeups (run_id, wakeup_id, waking_span, parked_span, start_ts, end_ts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("export: prepare wakeups: %w", err)
	}
	defer stmt.Close()

	for _, w := range snap.Wakeups {
		var end any
		if w.Resolved {
			end = w.End
		}
		if _, err := stmt.ExecContext(ctx, run, strconv.FormatUint(uint64(w.ID), 10), spanKey(w.WakingID), spanKey(w.ParkedID), w.Start, end); err != nil {
			return fmt.Errorf("export: insert wakeup %d: %w", w.ID, err)
		}
		res.Wakeups++
	}
	return nil
}

func spanKey(id trace.SpanID) string {
	return strconv.FormatUint(uint64(id), 10)
}
