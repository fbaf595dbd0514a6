// Package maintenance reconciles the job store left by a previous process at startup.
// Jobs found queued or running were interrupted and marked failed, old records pruned.
package maintenance

import (
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/soloq/app/store"
)

// ReasonWorkerRestart is the failure reason of jobs interrupted by process restart
const ReasonWorkerRestart = "worker_restart"

// DefaultRetentionDays used if Options.RetentionDays not set
const DefaultRetentionDays = 30

// Mutator defines bulk update of job records
type Mutator interface {
	MutateJobs(fn func([]store.JobRecord) []store.JobRecord) ([]store.JobRecord, error)
}

// Options for Run
type Options struct {
	RetentionDays int
	Now           time.Time
}

// Result of maintenance run
type Result struct {
	RepairedJobIDs []string
	PrunedJobIDs   []string
	TotalJobs      int
}

func (r Result) String() string {
	return fmt.Sprintf("repaired:%d %v, pruned:%d %v, total:%d",
		len(r.RepairedJobIDs), r.RepairedJobIDs, len(r.PrunedJobIDs), r.PrunedJobIDs, r.TotalJobs)
}

// Run repairs stale jobs and prunes records created before now - retention in one store operation
func Run(st Mutator, opts Options) (Result, error) {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	cutoff := opts.Now.Add(-time.Duration(opts.RetentionDays) * 24 * time.Hour)
	endedAt := store.FormatTime(opts.Now)

	res := Result{RepairedJobIDs: []string{}, PrunedJobIDs: []string{}}
	jobs, err := st.MutateJobs(func(jobs []store.JobRecord) []store.JobRecord {
		kept := make([]store.JobRecord, 0, len(jobs))
		for _, j := range jobs {
			if j.Status == store.StatusQueued || j.Status == store.StatusRunning {
				log.Printf("[DEBUG] repair interrupted job %s (%s), status was %s", j.JobID, j.EndpointName, j.Status)
				j.Status = store.StatusFailed
				j.EndedAt = endedAt
				if j.FailureReason == "" {
					j.FailureReason = ReasonWorkerRestart
				}
				res.RepairedJobIDs = append(res.RepairedJobIDs, j.JobID)
			}
			if isExpired(j.CreatedAt, cutoff) {
				log.Printf("[DEBUG] prune job %s (%s), created %s", j.JobID, j.EndpointName, j.CreatedAt)
				res.PrunedJobIDs = append(res.PrunedJobIDs, j.JobID)
				continue
			}
			kept = append(kept, j)
		}
		return kept
	})
	if err != nil {
		return Result{}, fmt.Errorf("job store maintenance failed: %w", err)
	}
	res.TotalJobs = len(jobs)
	return res, nil
}

// isExpired checks if createdAt is strictly before cutoff, unparseable time is expired
func isExpired(createdAt string, cutoff time.Time) bool {
	ts, err := store.ParseTime(createdAt)
	if err != nil {
		return true
	}
	return ts.Before(cutoff)
}
