package export

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/cyclotron/internal/snapshot"
	"github.com/sujayakar/cyclotron/internal/trace"
)

func testSnapshot(t *testing.T) *snapshot.DataSnapshot {
	t.Helper()
	m := trace.NewModel()
	events := []trace.Event{
		trace.ThreadStart{Name: "main", ID: 0, TS: 0},
		trace.AsyncStart{Name: "a", ParentID: 0, ID: 1, TS: 0},
		trace.AsyncOnCPU{ID: 1, TS: 1},
		trace.AsyncOffCPU{ID: 1, TS: 2},
		trace.AsyncEnd{ID: 1, TS: 3, Outcome: trace.Outcome{Kind: trace.OutcomeError, Message: "boom"}},
		trace.AsyncStart{Name: "b", ParentID: 0, ID: 2, TS: 4},
		trace.Wakeup{WakingSpan: 0, ParkedSpan: 2, TS: 5},
	}
	for _, ev := range events {
		require.NoError(t, m.Apply(ev))
	}
	return snapshot.Build(m, snapshot.Window{})
}

func count(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")
	snap := testSnapshot(t)

	res, err := Write(ctx, path, "/traces/run.log", snap)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.RunID)
	assert.EqualValues(t, 3, res.Spans)
	assert.EqualValues(t, 1, res.OnCPU)
	assert.EqualValues(t, 2, res.Lanes)
	assert.EqualValues(t, 1, res.Wakeups)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	run := res.RunID.String()
	assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM spans WHERE run_id = ?`, run))
	assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM lane_spans WHERE run_id = ?`, run))

	var outcome string
	var end sql.NullFloat64
	require.NoError(t, db.QueryRow(`SELECT outcome, end_ts FROM spans WHERE run_id = ? AND span_id = '1'`, run).Scan(&outcome, &end))
	assert.Equal(t, "Error: boom", outcome)
	assert.True(t, end.Valid)
	assert.Equal(t, 3.0, end.Float64)

	// Open spans and unresolved wakeups have no end.
	require.NoError(t, db.QueryRow(`SELECT end_ts FROM spans WHERE run_id = ? AND span_id = '2'`, run).Scan(&end))
	assert.False(t, end.Valid)
	require.NoError(t, db.QueryRow(`SELECT end_ts FROM wakeups WHERE run_id = ?`, run).Scan(&end))
	assert.False(t, end.Valid)

	var parent sql.NullString
	require.NoError(t, db.QueryRow(`SELECT parent_id FROM spans WHERE run_id = ? AND span_id = '0'`, run).Scan(&parent))
	assert.False(t, parent.Valid)

	var packedRow int
	require.NoError(t, db.QueryRow(`SELECT packed_row FROM spans WHERE run_id = ? AND span_id = '2'`, run).Scan(&packedRow))
	assert.Equal(t, 1, packedRow)

	// a and b share a lane.
	assert.Equal(t, 1, count(t, db,
		`SELECT COUNT(DISTINCT lane_id) FROM spans WHERE run_id = ? AND span_id IN ('1', '2')`, run))
}

func TestWriteHighBitIDs(t *testing.T) {
	const root = trace.SpanID(1<<63 + 5)
	const child = trace.SpanID(1<<64 - 1)
	m := trace.NewModel()
	for _, ev := range []trace.Event{
		trace.ThreadStart{Name: "main", ID: root, TS: 0},
		trace.AsyncStart{Name: "a", ParentID: root, ID: child, TS: 1},
		trace.AsyncOnCPU{ID: child, TS: 1},
		trace.Wakeup{WakingSpan: root, ParkedSpan: child, TS: 2},
	} {
		require.NoError(t, m.Apply(ev))
	}

	path := filepath.Join(t.TempDir(), "trace.db")
	res, err := Write(context.Background(), path, "run.log", snapshot.Build(m, snapshot.Window{}))
	require.NoError(t, err)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	run := res.RunID.String()

	var spanID, parentID string
	require.NoError(t, db.QueryRow(`SELECT span_id, parent_id FROM spans WHERE run_id = ? AND name = 'a'`, run).
		Scan(&spanID, &parentID))
	got, err := strconv.ParseUint(spanID, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(child), got)
	assert.Equal(t, "9223372036854775813", parentID)

	var waking, parked string
	require.NoError(t, db.QueryRow(`SELECT waking_span, parked_span FROM wakeups WHERE run_id = ?`, run).
		Scan(&waking, &parked))
	assert.Equal(t, "9223372036854775813", waking)
	assert.Equal(t, "18446744073709551615", parked)

	assert.Equal(t, 1, count(t, db,
		`SELECT COUNT(*) FROM lane_spans WHERE run_id = ? AND span_id = ?`, run, "18446744073709551615"))
	assert.Equal(t, 1, count(t, db,
		`SELECT COUNT(*) FROM on_cpu WHERE run_id = ? AND span_id = ?`, run, "18446744073709551615"))
}

func TestWriteAppendsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")
	snap := testSnapshot(t)

	first, err := Write(ctx, path, "run.log", snap)
	require.NoError(t, err)
	second, err := Write(ctx, path, "run.log", snap)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 2, count(t, db, `SELECT COUNT(*) FROM runs`))
	assert.Equal(t, 6, count(t, db, `SELECT COUNT(*) FROM spans`))
}

func TestWriteBadPath(t *testing.T) {
	_, err := Write(context.Background(), filepath.Join(t.TempDir(), "missing", "trace.db"), "run.log", testSnapshot(t))
	assert.Error(t, err)
}
