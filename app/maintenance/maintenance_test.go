package maintenance

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/soloq/app/store"
)

func TestRun(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	st := store.New(filepath.Join(t.TempDir(), "queue-jobs.json"))

	recent := store.FormatTime(now.Add(-time.Hour))
	records := []store.JobRecord{
		{JobID: "running", EndpointName: "ep", Status: store.StatusRunning, CreatedAt: recent, StartedAt: recent},
		{JobID: "queued", EndpointName: "ep", Status: store.StatusQueued, CreatedAt: recent},
		{JobID: "done", EndpointName: "ep", Status: store.StatusCompleted, CreatedAt: recent, StartedAt: recent, EndedAt: recent},
		{JobID: "queued-reason", EndpointName: "ep", Status: store.StatusQueued, CreatedAt: recent, FailureReason: "disk_full"},
		{JobID: "old", EndpointName: "ep", Status: store.StatusFailed, CreatedAt: store.FormatTime(now.Add(-31 * 24 * time.Hour)),
			EndedAt: recent, FailureReason: "boom"},
		{JobID: "old-running", EndpointName: "ep", Status: store.StatusRunning, CreatedAt: store.FormatTime(now.Add(-40 * 24 * time.Hour))},
		{JobID: "bad-time", EndpointName: "ep", Status: store.StatusCompleted, CreatedAt: "not-a-time"},
		{JobID: "at-cutoff", EndpointName: "ep", Status: store.StatusCompleted, CreatedAt: store.FormatTime(now.Add(-30 * 24 * time.Hour))},
	}
	for _, r := range records {
		require.NoError(t, st.AppendJob(r))
	}

	res, err := Run(st, Options{RetentionDays: 30, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "queued", "queued-reason", "old-running"}, res.RepairedJobIDs)
	assert.Equal(t, []string{"old", "old-running", "bad-time"}, res.PrunedJobIDs)
	assert.Equal(t, 5, res.TotalJobs)

	jobs, err := st.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	byID := map[string]store.JobRecord{}
	for _, j := range jobs {
		byID[j.JobID] = j
	}

	for _, id := range []string{"running", "queued"} {
		j := byID[id]
		assert.Equal(t, store.StatusFailed, j.Status, id)
		assert.Equal(t, ReasonWorkerRestart, j.FailureReason, id)
		assert.Equal(t, store.FormatTime(now), j.EndedAt, id)
	}
	assert.Equal(t, recent, byID["running"].StartedAt, "started time kept")
	assert.Empty(t, byID["queued"].StartedAt)
	assert.Equal(t, "disk_full", byID["queued-reason"].FailureReason, "specific reason kept")
	assert.Equal(t, store.StatusCompleted, byID["done"].Status)
	assert.Equal(t, recent, byID["done"].EndedAt)
	assert.Contains(t, byID, "at-cutoff", "not strictly older than cutoff")

	res, err = Run(st, Options{RetentionDays: 30, Now: now})
	require.NoError(t, err)
	assert.Empty(t, res.RepairedJobIDs, "second run has nothing to repair")
	assert.Empty(t, res.PrunedJobIDs)
	assert.Equal(t, 5, res.TotalJobs)
}

func TestRun_Defaults(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "queue-jobs.json"))
	require.NoError(t, st.AppendJob(store.JobRecord{JobID: "1", EndpointName: "ep", Status: store.StatusCompleted,
		CreatedAt: store.FormatTime(time.Now().Add(-29 * 24 * time.Hour))}))
	require.NoError(t, st.AppendJob(store.JobRecord{JobID: "2", EndpointName: "ep", Status: store.StatusCompleted,
		CreatedAt: store.FormatTime(time.Now().Add(-31 * 24 * time.Hour))}))

	res, err := Run(st, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, res.PrunedJobIDs)
	assert.Equal(t, 1, res.TotalJobs)
	assert.Equal(t, "repaired:0 [], pruned:1 [2], total:1", res.String())
}

func TestRun_EmptyStore(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "sub", "queue-jobs.json"))
	res, err := Run(st, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{RepairedJobIDs: []string{}, PrunedJobIDs: []string{}, TotalJobs: 0}, res)
}

type errMutator struct{}

func (errMutator) MutateJobs(func([]store.JobRecord) []store.JobRecord) ([]store.JobRecord, error) {
	return nil, store.ErrCorrupted
}

func TestRun_Error(t *testing.T) {
	_, err := Run(errMutator{}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrCorrupted))
}
