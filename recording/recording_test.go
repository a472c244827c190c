package recording

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarchlab/testbench/ledger"
	"github.com/sarchlab/testbench/vtime"
	"github.com/sarchlab/testbench/wait"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	// Every pooled connection gets its own in-memory database, so pin the
	// pool to a single connection.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() { db.Close() })

	return db
}

type sampleEntry struct {
	Name  string
	Value int64
}

func TestRecorderRoundTripsEntries(t *testing.T) {
	db := openMemoryDB(t)

	rec := NewWithDB(db)
	rec.CreateTable("samples", sampleEntry{})
	rec.InsertData("samples", sampleEntry{Name: "a", Value: 1})
	rec.InsertData("samples", sampleEntry{Name: "b", Value: 2})
	rec.Flush()

	reader := NewReaderWithDB(db)
	reader.MapTable("samples", sampleEntry{})

	results, total, err := reader.Query(
		context.Background(), "samples", QueryParams{OrderBy: "Value"})

	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 2)
	assert.Equal(t, sampleEntry{Name: "a", Value: 1}, results[0])
	assert.Equal(t, sampleEntry{Name: "b", Value: 2}, results[1])
}

func TestRecorderRejectsNonScalarFields(t *testing.T) {
	db := openMemoryDB(t)
	rec := NewWithDB(db)

	type badEntry struct {
		Values []int
	}

	assert.Panics(t, func() { rec.CreateTable("bad", badEntry{}) })
}

func TestRecorderPanicsOnUnknownTable(t *testing.T) {
	db := openMemoryDB(t)
	rec := NewWithDB(db)

	assert.Panics(t, func() { rec.InsertData("missing", sampleEntry{}) })
}

func TestRecorderListsCreatedTables(t *testing.T) {
	db := openMemoryDB(t)
	rec := NewWithDB(db)

	rec.CreateTable("samples", sampleEntry{})

	assert.Equal(t, []string{"samples"}, rec.ListTables())
}

func TestReaderFiltersAndPages(t *testing.T) {
	db := openMemoryDB(t)

	rec := NewWithDB(db)
	rec.CreateTable("samples", sampleEntry{})
	for i := int64(0); i < 10; i++ {
		rec.InsertData("samples", sampleEntry{Name: "s", Value: i})
	}
	rec.Flush()

	reader := NewReaderWithDB(db)
	reader.MapTable("samples", sampleEntry{})

	results, total, err := reader.Query(context.Background(), "samples",
		QueryParams{
			Where:   "Value >= ?",
			Args:    []any{int64(4)},
			OrderBy: "Value",
			Limit:   3,
			Offset:  2,
		})

	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, results, 3)
	assert.Equal(t, int64(6), results[0].(sampleEntry).Value)
	assert.Equal(t, int64(8), results[2].(sampleEntry).Value)
}

func TestReaderRequiresAMappedTable(t *testing.T) {
	db := openMemoryDB(t)
	reader := NewReaderWithDB(db)

	_, _, err := reader.Query(context.Background(), "samples", QueryParams{})

	assert.Error(t, err)
}

func TestSessionRecordsARunEndToEnd(t *testing.T) {
	db := openMemoryDB(t)

	session := NewSession(NewWithDB(db))
	session.RecordScenarioRun("db-query", 2*time.Second, false)
	session.RecordScenarioRun("db-query", 3*time.Second, true)
	session.RecordWait(wait.Result{
		Outcome:     wait.TimedOut,
		Attempts:    10,
		Elapsed:     time.Second,
		Diagnostics: "condition never held",
	})
	session.RecordLeaks(vtime.VTime(10*time.Second), []ledger.TrackedResource{
		{
			ID:             "c0bfh2v4",
			Kind:           "pool:conns",
			SizeEstimate:   1,
			LastAccessedAt: vtime.VTime(4 * time.Second),
		},
	})
	session.Flush()

	reader := NewReaderWithDB(db)
	reader.MapTable("scenario_runs", ScenarioRunEntry{})
	reader.MapTable("waits", WaitEntry{})
	reader.MapTable("leaks", LeakEntry{})

	runs, total, err := reader.Query(context.Background(), "scenario_runs",
		QueryParams{Where: "Failed = ?", Args: []any{true}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(3*time.Second), runs[0].(ScenarioRunEntry).DelayNs)

	waits, _, err := reader.Query(context.Background(), "waits", QueryParams{})
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, "TimedOut", waits[0].(WaitEntry).Outcome)

	leaks, _, err := reader.Query(context.Background(), "leaks", QueryParams{})
	require.NoError(t, err)
	require.Len(t, leaks, 1)
	assert.Equal(t, int64(6*time.Second), leaks[0].(LeakEntry).IdleNs)
	assert.Equal(t, "pool:conns", leaks[0].(LeakEntry).Kind)
}
