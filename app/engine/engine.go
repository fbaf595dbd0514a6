// Package engine runs jobs one at a time, globally, in enqueue order.
// Lifecycle of every job is persisted to the job store, running jobs can be canceled
// with a graceful signal to registered processes, escalated to a forceful one after a grace period.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/soloq/app/status"
	"github.com/umputun/soloq/app/store"
)

// failure reasons set by the engine
const (
	ReasonCanceledBeforeStart = "canceled_before_start"
	ReasonCanceledByRequest   = "canceled_by_request"
	ReasonWorkerShutdown      = "worker_shutdown"
	ReasonJobFailed           = "job_failed"
)

// DefaultCancelGrace is the delay between graceful and forceful signals
const DefaultCancelGrace = 10 * time.Second

var (
	// ErrClosed returned by Enqueue after Shutdown
	ErrClosed = errors.New("queue engine closed")
	// ErrInvalidRequest returned by Enqueue for request without endpoint or job
	ErrInvalidRequest = errors.New("invalid enqueue request")
)

// Store defines job store operations used by the engine
type Store interface {
	status.Reader
	AppendJob(rec store.JobRecord) error
	TryUpdateJob(jobID string, fn func(store.JobRecord) (store.JobRecord, error)) (store.JobRecord, bool, error)
}

// ProcessHandle is a cancelable process started by a job. *os.Process satisfies it.
type ProcessHandle interface {
	Signal(sig os.Signal) error
}

// ExecContext passed to the running job
type ExecContext struct {
	JobID        string
	EndpointName string
	// RegisterProcess adds a process to be signaled on cancellation.
	// Registration after the job ended is ignored.
	RegisterProcess func(h ProcessHandle)
}

// Job is a unit of work. ctx is canceled when cancellation of the job requested.
type Job interface {
	Run(ctx context.Context, ec ExecContext) error
}

// JobFunc is an adapter to use ordinary functions as Job
type JobFunc func(ctx context.Context, ec ExecContext) error

// Run calls f(ctx, ec)
func (f JobFunc) Run(ctx context.Context, ec ExecContext) error { return f(ctx, ec) }

// EventHandler gets notified about job start and terminal transitions
type EventHandler interface {
	OnJobStart(rec store.JobRecord)
	OnJobComplete(rec store.JobRecord)
}

// Request to enqueue a job, JobID is optional
type Request struct {
	EndpointName string
	Job          Job
	JobID        string
}

// EnqueueResult returned by Enqueue
type EnqueueResult struct {
	JobID  string       `json:"jobId"`
	Status store.Status `json:"status"`
}

// CancelOutcome is the result of cancel request
type CancelOutcome string

// enum of cancel outcomes
const (
	CancelCanceled  CancelOutcome = "canceled"
	CancelRequested CancelOutcome = "cancel_requested"
	CancelNotFound  CancelOutcome = "not_found"
)

// CancelResult returned by Cancel
type CancelResult struct {
	JobID   string        `json:"jobId"`
	Outcome CancelOutcome `json:"outcome"`
}

// Options of the engine, all optional
type Options struct {
	NewJobID       func() string
	Now            func() time.Time
	CancelGrace    time.Duration
	GracefulSignal os.Signal
	ForcefulSignal os.Signal
	Events         []EventHandler
}

// Engine is a single-flight job queue, one job running at any time
type Engine struct {
	Options
	store Store

	enqMu sync.Mutex // keeps store order of queued records equal to the pending order

	mu       sync.Mutex
	pending  []pendingJob
	active   *activeJob
	draining bool
	closed   bool
	idle     chan struct{} // closed when drain loop is not running
}

type pendingJob struct {
	id       string
	endpoint string
	job      Job
}

// activeJob is the state of the running job, guarded by Engine.mu
type activeJob struct {
	id              string
	cancel          context.CancelFunc
	cancelRequested bool
	reason          string // failure reason used if cancel requested and job didn't set one
	ended           bool
	handles         []ProcessHandle
	timer           *time.Timer
}

// New makes engine for the store. Nothing is resumed from the store, pending list starts empty.
func New(st Store, opts Options) *Engine {
	res := &Engine{Options: opts, store: st, idle: make(chan struct{})}
	close(res.idle)
	if res.NewJobID == nil {
		res.NewJobID = uuid.NewString
	}
	if res.Now == nil {
		res.Now = time.Now
	}
	if res.CancelGrace <= 0 {
		res.CancelGrace = DefaultCancelGrace
	}
	if res.GracefulSignal == nil {
		res.GracefulSignal = syscall.SIGTERM
	}
	if res.ForcefulSignal == nil {
		res.ForcefulSignal = os.Kill
	}
	return res
}

// Enqueue persists queued record and adds the job to the pending list.
// Returns immediately, the job is executed by the drain loop.
func (e *Engine) Enqueue(ctx context.Context, req Request) (EnqueueResult, error) {
	if strings.TrimSpace(req.EndpointName) == "" {
		return EnqueueResult{}, fmt.Errorf("%w: endpoint name is empty", ErrInvalidRequest)
	}
	if req.Job == nil {
		return EnqueueResult{}, fmt.Errorf("%w: no job for %s", ErrInvalidRequest, req.EndpointName)
	}
	if err := ctx.Err(); err != nil {
		return EnqueueResult{}, err
	}
	if e.isClosed() {
		return EnqueueResult{}, ErrClosed
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = e.NewJobID()
	}

	e.enqMu.Lock()
	defer e.enqMu.Unlock()

	rec := store.JobRecord{JobID: jobID, EndpointName: req.EndpointName, Status: store.StatusQueued,
		CreatedAt: store.FormatTime(e.Now())}
	if err := e.store.AppendJob(rec); err != nil {
		return EnqueueResult{}, fmt.Errorf("can't enqueue job for %s: %w", req.EndpointName, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		// shutdown happened while the record was written, the job will never run
		if err := e.cancelPending(pendingJob{id: jobID, endpoint: req.EndpointName}, ReasonWorkerShutdown); err != nil {
			log.Printf("[WARN] job %s left queued on shutdown, %v", jobID, err)
			return EnqueueResult{}, errors.Join(ErrClosed, err)
		}
		return EnqueueResult{}, ErrClosed
	}
	e.pending = append(e.pending, pendingJob{id: jobID, endpoint: req.EndpointName, job: req.Job})
	if !e.draining {
		e.draining = true
		e.idle = make(chan struct{})
		go e.drain()
	}
	e.mu.Unlock()

	log.Printf("[INFO] job %s queued for %s", jobID, req.EndpointName)
	return EnqueueResult{JobID: jobID, Status: store.StatusQueued}, nil
}

// CheckStatus returns the stored record of the job, false if not found
func (e *Engine) CheckStatus(jobID string) (store.JobRecord, bool, error) {
	return status.CheckStatus(e.store, jobID)
}

// QueueStatus returns the view of all stored jobs
func (e *Engine) QueueStatus() (status.View, error) {
	return status.QueueStatus(e.store)
}

// Cancel removes pending job or requests cancellation of the running one
func (e *Engine) Cancel(jobID string) (CancelResult, error) {
	e.mu.Lock()
	for i, p := range e.pending {
		if p.id != jobID {
			continue
		}
		e.pending = append(e.pending[:i:i], e.pending[i+1:]...)
		e.mu.Unlock()
		log.Printf("[INFO] cancel queued job %s (%s)", jobID, p.endpoint)
		if err := e.cancelPending(p, ReasonCanceledBeforeStart); err != nil {
			return CancelResult{JobID: jobID, Outcome: CancelCanceled}, err
		}
		return CancelResult{JobID: jobID, Outcome: CancelCanceled}, nil
	}

	if e.active != nil && e.active.id == jobID && !e.active.ended {
		handles := e.requestCancelLocked(e.active, ReasonCanceledByRequest)
		e.mu.Unlock()
		log.Printf("[INFO] cancel requested for running job %s, processes: %d", jobID, len(handles))
		e.signalAll(jobID, handles, e.GracefulSignal)
		return CancelResult{JobID: jobID, Outcome: CancelRequested}, nil
	}
	e.mu.Unlock()

	return CancelResult{JobID: jobID, Outcome: CancelNotFound}, nil
}

// OnIdle blocks until there is no pending and no running job, or ctx is done
func (e *Engine) OnIdle(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningJobID returns id of the running job, false if nothing running
func (e *Engine) RunningJobID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", false
	}
	return e.active.id, true
}

// Shutdown refuses new jobs, cancels pending ones, requests cancellation of the running job
// and waits for the drain loop to finish or ctx done
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	pending := e.pending
	e.pending = nil
	var handles []ProcessHandle
	var activeID string
	if e.active != nil && !e.active.ended {
		activeID = e.active.id
		handles = e.requestCancelLocked(e.active, ReasonWorkerShutdown)
	}
	e.mu.Unlock()

	log.Printf("[INFO] shutdown queue engine, pending jobs: %d", len(pending))
	var errs []error
	for _, p := range pending {
		if err := e.cancelPending(p, ReasonWorkerShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	if activeID != "" {
		log.Printf("[INFO] cancel running job %s on shutdown", activeID)
		e.signalAll(activeID, handles, e.GracefulSignal)
	}

	if err := e.OnIdle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue engine not stopped: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// drain executes pending jobs one by one until the list is empty
func (e *Engine) drain() {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			close(e.idle)
			e.mu.Unlock()
			return
		}
		next := e.pending[0]
		e.pending = e.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		aj := &activeJob{id: next.id, cancel: cancel}
		e.active = aj
		e.mu.Unlock()

		e.execute(ctx, aj, next)
		cancel()
	}
}

// execute runs the job and persists its lifecycle. Job errors and panics are captured here.
func (e *Engine) execute(ctx context.Context, aj *activeJob, item pendingJob) {
	defer e.finish(aj)

	startedAt := store.FormatTime(e.Now())
	rec, found, err := e.store.TryUpdateJob(item.id, transition(store.StatusRunning, func(r store.JobRecord) store.JobRecord {
		r.StartedAt = startedAt
		return r
	}))
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Printf("[WARN] job %s (%s) not started, %v", item.id, item.endpoint, err)
		return
	}
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("job %s not found in store", item.id)
		}
		log.Printf("[WARN] can't mark job %s (%s) running, skipped: %v", item.id, item.endpoint, err)
		e.failUnstarted(item, err)
		return
	}

	log.Printf("[INFO] start job %s (%s)", item.id, item.endpoint)
	for _, h := range e.Events {
		h.OnJobStart(rec)
	}

	st := time.Now()
	jobErr := e.runJob(ctx, item, ExecContext{
		JobID:           item.id,
		EndpointName:    item.endpoint,
		RegisterProcess: func(h ProcessHandle) { e.register(aj, h) },
	})

	// cancel arriving after this point gets not_found, the outcome is already decided
	e.mu.Lock()
	aj.ended = true
	cancelRequested, cancelReason := aj.cancelRequested, aj.reason
	e.mu.Unlock()

	endedAt := store.FormatTime(e.Now())
	to := store.StatusCompleted
	switch {
	case cancelRequested:
		to = store.StatusCanceled
	case jobErr != nil:
		to = store.StatusFailed
	}
	finalize := func(r store.JobRecord) store.JobRecord {
		r.Status = to
		r.EndedAt = endedAt
		switch to {
		case store.StatusCanceled:
			if r.FailureReason == "" {
				r.FailureReason = cancelReason
			}
		case store.StatusFailed:
			r.FailureReason = jobErr.Error()
			if strings.TrimSpace(r.FailureReason) == "" {
				r.FailureReason = ReasonJobFailed
			}
		default:
			r.FailureReason = ""
		}
		return r
	}

	final, found, err := e.store.TryUpdateJob(item.id, transition(to, finalize))
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// record finished by someone else, report it as stored
		log.Printf("[WARN] final status of job %s not persisted, %v", item.id, err)
		final = finalize(rec)
		if current, ok, rerr := e.store.JobByID(item.id); rerr == nil && ok {
			final = current
		}
	case err != nil || !found:
		log.Printf("[WARN] can't persist final status of job %s, found: %v, %v", item.id, found, err)
		final = finalize(rec)
	}

	switch final.Status {
	case store.StatusCompleted:
		log.Printf("[INFO] job %s (%s) completed in %v", item.id, item.endpoint, time.Since(st).Truncate(time.Millisecond))
	case store.StatusCanceled:
		log.Printf("[INFO] job %s (%s) canceled in %v, %s", item.id, item.endpoint, time.Since(st).Truncate(time.Millisecond),
			final.FailureReason)
	default:
		log.Printf("[WARN] job %s (%s) failed in %v, %s", item.id, item.endpoint, time.Since(st).Truncate(time.Millisecond),
			final.FailureReason)
	}
	for _, h := range e.Events {
		h.OnJobComplete(final)
	}
}

// runJob invokes the job, panic is converted to error
func (e *Engine) runJob(ctx context.Context, item pendingJob, ec ExecContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] job %s panicked, %v", item.id, r)
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return item.job.Run(ctx, ec)
}

// failUnstarted tries to mark job failed if it couldn't be started and reports it to event handlers
func (e *Engine) failUnstarted(item pendingJob, cause error) {
	endedAt := store.FormatTime(e.Now())
	fail := func(r store.JobRecord) store.JobRecord {
		r.Status = store.StatusFailed
		r.EndedAt = endedAt
		r.FailureReason = cause.Error()
		return r
	}
	// queued -> failed is allowed here only, the same repair maintenance does for unstarted jobs
	rec, found, err := e.store.TryUpdateJob(item.id, func(r store.JobRecord) (store.JobRecord, error) {
		if r.Status != store.StatusQueued {
			return r, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, r.Status, store.StatusFailed)
		}
		return fail(r), nil
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Printf("[WARN] job %s not marked failed, %v", item.id, err)
		return
	}
	if err != nil || !found {
		rec = fail(store.JobRecord{JobID: item.id, EndpointName: item.endpoint, CreatedAt: endedAt})
	}
	for _, h := range e.Events {
		h.OnJobComplete(rec)
	}
}

// finish clears the active slot, stops escalation and ignores late registrations
func (e *Engine) finish(aj *activeJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	aj.ended = true
	if aj.timer != nil {
		aj.timer.Stop()
	}
	aj.handles = nil
	if e.active == aj {
		e.active = nil
	}
}

// cancelPending persists canceled status for a job which never started
func (e *Engine) cancelPending(p pendingJob, reason string) error {
	endedAt := store.FormatTime(e.Now())
	rec, found, err := e.store.TryUpdateJob(p.id, transition(store.StatusCanceled, func(r store.JobRecord) store.JobRecord {
		r.EndedAt = endedAt
		r.FailureReason = reason
		return r
	}))
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Printf("[WARN] queued job %s not canceled, %v", p.id, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("can't cancel job %s: %w", p.id, err)
	}
	if !found {
		log.Printf("[WARN] canceled job %s not found in store", p.id)
		return nil
	}
	for _, h := range e.Events {
		h.OnJobComplete(rec)
	}
	return nil
}

// transition makes store update setting status to "to" after fn, rejected with store.ErrInvalidTransition
// if the stored status can't change to "to". Same status is rejected too, the engine never rewrites a status.
func transition(to store.Status, fn func(store.JobRecord) store.JobRecord) func(store.JobRecord) (store.JobRecord, error) {
	return func(r store.JobRecord) (store.JobRecord, error) {
		if r.Status == to {
			return r, fmt.Errorf("%w: job %s is %s already", store.ErrInvalidTransition, r.JobID, to)
		}
		if err := store.ValidateTransition(r.Status, to); err != nil {
			return r, fmt.Errorf("job %s: %w", r.JobID, err)
		}
		res := fn(r)
		res.Status = to
		return res, nil
	}
}

// requestCancelLocked marks active job canceled, cancels its context and arms escalation.
// Returns handles to be signaled gracefully. Must be called with e.mu held.
func (e *Engine) requestCancelLocked(aj *activeJob, reason string) []ProcessHandle {
	if !aj.cancelRequested {
		aj.cancelRequested = true
		aj.reason = reason
	}
	aj.cancel()
	e.armEscalationLocked(aj)
	return append([]ProcessHandle(nil), aj.handles...)
}

// register adds process handle to the active job. If cancellation already requested
// the handle gets graceful signal right away.
func (e *Engine) register(aj *activeJob, h ProcessHandle) {
	if h == nil {
		return
	}
	e.mu.Lock()
	if aj.ended {
		e.mu.Unlock()
		log.Printf("[DEBUG] ignore process registration for finished job %s", aj.id)
		return
	}
	aj.handles = append(aj.handles, h)
	cancelRequested := aj.cancelRequested
	if cancelRequested {
		e.armEscalationLocked(aj)
	}
	e.mu.Unlock()

	if cancelRequested {
		e.signalAll(aj.id, []ProcessHandle{h}, e.GracefulSignal)
	}
}

// armEscalationLocked starts the timer sending forceful signal after the grace period.
// Does nothing if already armed or no processes registered. Must be called with e.mu held.
func (e *Engine) armEscalationLocked(aj *activeJob) {
	if aj.timer != nil || len(aj.handles) == 0 {
		return
	}
	aj.timer = time.AfterFunc(e.CancelGrace, func() {
		e.mu.Lock()
		if aj.ended || !aj.cancelRequested || e.active != aj {
			e.mu.Unlock()
			return
		}
		handles := append([]ProcessHandle(nil), aj.handles...)
		e.mu.Unlock()
		log.Printf("[WARN] job %s still running after %v, send %v", aj.id, e.CancelGrace, e.ForcefulSignal)
		e.signalAll(aj.id, handles, e.ForcefulSignal)
	})
}

// signalAll sends sig to all handles, failures are logged and ignored
func (e *Engine) signalAll(jobID string, handles []ProcessHandle, sig os.Signal) {
	for _, h := range handles {
		if err := h.Signal(sig); err != nil {
			log.Printf("[DEBUG] can't send %v to process of job %s, %v", sig, jobID, err)
		}
	}
}
