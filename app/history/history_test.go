package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/soloq/app/store"
)

func TestSQLite_RecordAndList(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()

	rec := store.JobRecord{JobID: "j1", EndpointName: "ep1", Status: store.StatusRunning,
		CreatedAt: "2026-10-15T10:00:00.000Z", StartedAt: "2026-10-15T10:00:01.000Z"}
	h.OnJobStart(rec)

	list, err := h.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Execution{JobID: "j1", EndpointName: "ep1", Status: "running", CreatedAt: "2026-10-15T10:00:00.000Z",
		StartedAt: "2026-10-15T10:00:01.000Z"}, list[0])

	rec.Status, rec.EndedAt, rec.FailureReason = store.StatusFailed, "2026-10-15T10:00:05.000Z", "boom"
	h.OnJobComplete(rec)
	require.NoError(t, h.Record(ctx, store.JobRecord{JobID: "j2", EndpointName: "ep2", Status: store.StatusCompleted,
		CreatedAt: "2026-10-15T11:00:00.000Z"}))

	list, err = h.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "j2", list[0].JobID, "newest first")
	assert.Equal(t, Execution{JobID: "j1", EndpointName: "ep1", Status: "failed", CreatedAt: "2026-10-15T10:00:00.000Z",
		StartedAt: "2026-10-15T10:00:01.000Z", EndedAt: "2026-10-15T10:00:05.000Z", FailureReason: "boom"}, list[1])

	list, err = h.List(ctx, Query{Endpoint: "ep1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j1", list[0].JobID)

	list, err = h.List(ctx, Query{Endpoint: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestSQLite_ListLimit(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	ts := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	for i := range 10 {
		require.NoError(t, h.Record(ctx, store.JobRecord{JobID: fmt.Sprintf("j%d", i), EndpointName: "ep",
			Status: store.StatusCompleted, CreatedAt: store.FormatTime(ts.Add(time.Duration(i) * time.Minute))}))
	}
	list, err := h.List(ctx, Query{Limit: 3})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"j9", "j8", "j7"}, []string{list[0].JobID, list[1].JobID, list[2].JobID})
}

func TestSQLite_Cleanup(t *testing.T) {
	h := newHistory(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{time.Hour, 29 * 24 * time.Hour, 31 * 24 * time.Hour, 60 * 24 * time.Hour} {
		require.NoError(t, h.Record(ctx, store.JobRecord{JobID: fmt.Sprintf("j%d", i), EndpointName: "ep",
			Status: store.StatusCompleted, CreatedAt: store.FormatTime(now.Add(-age))}))
	}

	n, err := h.Cleanup(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := h.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "j0", list[0].JobID)
	assert.Equal(t, "j1", list[1].JobID)
}

func TestSQLite_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	h, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, h.Record(context.Background(), store.JobRecord{JobID: "j1", EndpointName: "ep",
		Status: store.StatusCompleted, CreatedAt: "2026-10-15T10:00:00.000Z"}))
	require.NoError(t, h.Close())

	h, err = New(dbPath)
	require.NoError(t, err)
	defer h.Close()
	list, err := h.List(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNew_BadPath(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "dir", "history.db"))
	assert.Error(t, err)
}

func newHistory(t *testing.T) *SQLite {
	t.Helper()
	h, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}
