// Package status derives read-only queue views from job records
package status

import (
	"fmt"

	"github.com/umputun/soloq/app/store"
)

// Reader defines read access to job records
type Reader interface {
	Jobs() ([]store.JobRecord, error)
	JobByID(jobID string) (store.JobRecord, bool, error)
}

// Summary has counts of jobs per status
type Summary struct {
	TotalJobs int `json:"totalJobs"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// View is the queue status with running and queued jobs
type View struct {
	Summary    Summary           `json:"summary"`
	RunningJob *store.JobRecord  `json:"runningJob"`
	QueuedJobs []store.JobRecord `json:"queuedJobs"`
}

// Summarize counts jobs by status
func Summarize(jobs []store.JobRecord) Summary {
	res := Summary{TotalJobs: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case store.StatusQueued:
			res.Queued++
		case store.StatusRunning:
			res.Running++
		case store.StatusCompleted:
			res.Completed++
		case store.StatusFailed:
			res.Failed++
		case store.StatusCanceled:
			res.Canceled++
		}
	}
	return res
}

// Build makes View from the full job snapshot. Queued jobs keep insertion order.
func Build(jobs []store.JobRecord) View {
	res := View{Summary: Summarize(jobs), QueuedJobs: []store.JobRecord{}}
	for _, j := range jobs {
		switch j.Status {
		case store.StatusRunning:
			if res.RunningJob == nil {
				rj := j
				res.RunningJob = &rj
			}
		case store.StatusQueued:
			res.QueuedJobs = append(res.QueuedJobs, j)
		}
	}
	return res
}

// QueueStatus reads all jobs and builds the view
func QueueStatus(r Reader) (View, error) {
	jobs, err := r.Jobs()
	if err != nil {
		return View{}, fmt.Errorf("can't get jobs: %w", err)
	}
	return Build(jobs), nil
}

// CheckStatus returns a single job record, false if not found
func CheckStatus(r Reader, jobID string) (store.JobRecord, bool, error) {
	rec, found, err := r.JobByID(jobID)
	if err != nil {
		return store.JobRecord{}, false, fmt.Errorf("can't get job %s: %w", jobID, err)
	}
	return rec, found, nil
}
