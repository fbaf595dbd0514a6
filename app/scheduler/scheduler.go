// Package scheduler enqueues endpoints on their cron schedule
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/umputun/soloq/app/config"
	"github.com/umputun/soloq/app/engine"
	"github.com/umputun/soloq/app/store"
)

// Cron interface defines basic robfig/cron methods used by scheduler
type Cron interface {
	Start()
	Stop() context.Context
	Entries() []cron.Entry
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
	Remove(id cron.EntryID)
}

// Starter enqueues job for endpoint with the given job id
type Starter interface {
	StartJob(ctx context.Context, name, jobID string) (engine.EnqueueResult, error)
}

// Scheduler triggers endpoints with schedule. With SkipBusy the trigger is ignored
// while the job started by the previous trigger is still queued or running.
type Scheduler struct {
	Cron
	Starter  Starter
	SkipBusy bool
	NewJobID func() string

	mu     sync.Mutex
	active map[string]string // endpoint name -> id of the scheduled job not finished yet
}

// New makes Scheduler with robfig/cron
func New(starter Starter, skipBusy bool) *Scheduler {
	return &Scheduler{Cron: cron.New(), Starter: starter, SkipBusy: skipBusy, NewJobID: uuid.NewString,
		active: map[string]string{}}
}

// Load replaces all cron entries with endpoints having schedule, returns number of scheduled endpoints
func (s *Scheduler) Load(ctx context.Context, eps []config.Endpoint) (int, error) {
	for _, e := range s.Entries() {
		s.Remove(e.ID)
	}
	count := 0
	for _, ep := range eps {
		if ep.Schedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(ep.Schedule)
		if err != nil {
			return count, fmt.Errorf("can't parse schedule %q of %s: %w", ep.Schedule, ep.Name, err)
		}
		name := ep.Name
		id := s.Schedule(sched, cron.FuncJob(func() { s.Trigger(ctx, name) }))
		log.Printf("[INFO] scheduled %s (%s), first: %s, id: %v", name, ep.Schedule,
			sched.Next(time.Now()).Format(time.RFC3339), id)
		count++
	}
	return count, nil
}

// Trigger enqueues endpoint, errors logged. Job id is reserved before the start,
// so completion of a fast job can't be missed. Start called without lock, engine may
// report completion synchronously.
func (s *Scheduler) Trigger(ctx context.Context, name string) {
	s.mu.Lock()
	if jobID, busy := s.active[name]; busy && s.SkipBusy {
		s.mu.Unlock()
		log.Printf("[INFO] skip scheduled %s, job %s not finished", name, jobID)
		return
	}
	jobID := s.NewJobID()
	if s.SkipBusy {
		s.active[name] = jobID
	}
	s.mu.Unlock()

	if _, err := s.Starter.StartJob(ctx, name, jobID); err != nil {
		s.release(name, jobID)
		log.Printf("[WARN] can't start scheduled %s, %v", name, err)
		return
	}
	log.Printf("[INFO] scheduled %s queued, job %s", name, jobID)
}

// Do runs cron until ctx is done, waits for running triggers on exit
func (s *Scheduler) Do(ctx context.Context) {
	s.Start()
	<-ctx.Done()
	<-s.Stop().Done()
	log.Printf("[DEBUG] scheduler stopped")
}

// OnJobStart does nothing
func (s *Scheduler) OnJobStart(store.JobRecord) {}

// OnJobComplete releases the endpoint if the finished job was started by the scheduler
func (s *Scheduler) OnJobComplete(rec store.JobRecord) {
	s.release(rec.EndpointName, rec.JobID)
}

func (s *Scheduler) release(name, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[name] == jobID {
		delete(s.active, name)
	}
}
