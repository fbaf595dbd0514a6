package jobs

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/umputun/soloq/app/config"
	"github.com/umputun/soloq/app/engine"
)

// RepeaterDefaults used for endpoints with repeater section, missing fields taken from here
type RepeaterDefaults struct {
	Attempts int
	Duration time.Duration
	Factor   float64
	Jitter   bool
}

// Builder makes Command jobs from endpoint definitions
type Builder struct {
	Repeater  RepeaterDefaults
	Checker   ConditionChecker
	Stdout    io.Writer
	LogPrefix bool
	TimeZone  *time.Location
}

// Build makes job for endpoint
func (b *Builder) Build(ep config.Endpoint) *Command {
	return &Command{
		Command:     ep.Command,
		Dir:         ep.Dir,
		Env:         ep.Env,
		MaxLogLines: ep.MaxLogLines,
		Repeater:    b.repeater(ep.Repeater),
		Conditions:  ep.Conditions,
		Checker:     b.Checker,
		Stdout:      b.Stdout,
		LogPrefix:   b.LogPrefix,
		TimeZone:    b.TimeZone,
	}
}

// repeater merges endpoint settings with defaults, single attempt if endpoint has no repeater section
func (b *Builder) repeater(rc *config.RepeaterConfig) Repeater {
	if rc == nil {
		return NewRepeater(1, 0, 0, false)
	}
	attempts, duration, factor, jitter := b.Repeater.Attempts, b.Repeater.Duration, b.Repeater.Factor, b.Repeater.Jitter
	if rc.Attempts != nil {
		attempts = *rc.Attempts
	}
	if rc.Duration != nil {
		duration = *rc.Duration
	}
	if rc.Factor != nil {
		factor = *rc.Factor
	}
	if rc.Jitter != nil {
		jitter = *rc.Jitter
	}
	return NewRepeater(attempts, duration, factor, jitter)
}

// EndpointLookup returns endpoint by name
type EndpointLookup interface {
	Get(name string) (config.Endpoint, error)
}

// Enqueuer adds job to the queue
type Enqueuer interface {
	Enqueue(ctx context.Context, req engine.Request) (engine.EnqueueResult, error)
}

// Starter validates endpoint and enqueues its job, used by api and scheduler
type Starter struct {
	Endpoints EndpointLookup
	Builder   *Builder
	Queue     Enqueuer
}

// Start enqueues job for the endpoint with generated job id
func (s *Starter) Start(ctx context.Context, name string) (engine.EnqueueResult, error) {
	return s.StartJob(ctx, name, "")
}

// StartJob enqueues job for the endpoint. Returns config.ErrUnknownEndpoint or config.ErrDirMissing
// if the endpoint can't be started, nothing is persisted in this case.
func (s *Starter) StartJob(ctx context.Context, name, jobID string) (engine.EnqueueResult, error) {
	ep, err := s.Endpoints.Get(name)
	if err != nil {
		return engine.EnqueueResult{}, err
	}
	if err = ep.CheckDir(); err != nil {
		return engine.EnqueueResult{}, fmt.Errorf("can't start %s: %w", name, err)
	}
	return s.Queue.Enqueue(ctx, engine.Request{EndpointName: ep.Name, Job: s.Builder.Build(ep), JobID: jobID})
}
