// Package executor runs firings and sync jobs on a bounded worker pool.
// Jobs drain in priority-then-scheduled order; firings of the same rule are
// serialized; failures flow through the categorizer and retry scheduler.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/breaker"
	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/retry"
	"github.com/crosslist/autopilot/internal/scheduler"
)

// Job kinds.
const (
	KindFiring  = "firing"
	KindSync    = "sync"
	KindDelist  = "delist"
	KindWebhook = "webhook"
	KindPoll    = "poll"
)

// Priorities. Higher runs first.
const (
	PriorityLow    = 0
	PriorityNormal = 10
	PriorityHigh   = 100
)

// Job is one unit of work.
type Job struct {
	ID           string
	Kind         string
	Payload      interface{}
	Priority     int
	ScheduledFor time.Time
	// RuleKey serializes jobs: at most one job per non-zero key in flight.
	RuleKey     int64
	Marketplace domain.Marketplace
	Attempt     int
	// FirstFailureAt tracks when attempt 1 failed, for DLQ records.
	FirstFailureAt time.Time
}

// Handler executes one job kind. A returned error is categorized and retried
// per policy; SkipError marks the job skipped without a failure.
type Handler func(ctx context.Context, job *Job) error

// SkipError marks a job skipped (emergency stop, stale work) rather than failed.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Config sizes the pool.
type Config struct {
	// Workers overrides the pool size; zero means NumCPU * WorkerFactor.
	Workers      int
	WorkerFactor int
	// QueueLimit bounds accepted jobs; Submit rejects beyond it.
	QueueLimit int
	// JobTimeout is the per-job deadline.
	JobTimeout time.Duration
}

// Executor is the bounded worker pool.
type Executor struct {
	cfg         Config
	categorizer *failure.Categorizer
	retrier     *retry.Scheduler
	clock       clock.Clock
	log         zerolog.Logger

	mu       sync.Mutex
	queue    jobQueue
	busy     map[int64]bool
	inFlight int
	paused   bool
	wake     chan struct{}

	handlers map[string]Handler
	wg       sync.WaitGroup
}

// New creates an executor.
func New(cfg Config, categorizer *failure.Categorizer, retrier *retry.Scheduler,
	clk clock.Clock, log zerolog.Logger) *Executor {
	if cfg.WorkerFactor < 1 {
		cfg.WorkerFactor = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * cfg.WorkerFactor
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10000
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Executor{
		cfg:         cfg,
		categorizer: categorizer,
		retrier:     retrier,
		clock:       clk,
		log:         log.With().Str("component", "executor").Logger(),
		busy:        make(map[int64]bool),
		wake:        make(chan struct{}, 1),
		handlers:    make(map[string]Handler),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (e *Executor) Register(kind string, h Handler) {
	e.handlers[kind] = h
}

// Submit queues a job without blocking. False means the queue is full.
func (e *Executor) Submit(job *Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = e.clock.Now()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}

	e.mu.Lock()
	if e.queue.Len() >= e.cfg.QueueLimit {
		e.mu.Unlock()
		e.log.Warn().Str("kind", job.Kind).Msg("Queue full, job rejected")
		return false
	}
	pushJob(&e.queue, job)
	e.mu.Unlock()

	e.poke()
	return true
}

// SubmitFiring adapts a scheduler firing into a job. Satisfies scheduler.Sink.
func (e *Executor) SubmitFiring(f *scheduler.Firing) bool {
	return e.Submit(&Job{
		Kind:        KindFiring,
		Payload:     f,
		Priority:    PriorityNormal,
		RuleKey:     f.RuleID,
		Marketplace: f.Marketplace,
	})
}

// Pause stops dispatching new jobs. In-flight workers finish their current
// action batch; queued jobs stay queued.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.log.Warn().Msg("Executor paused")
}

// Resume restarts dispatch.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.poke()
	e.log.Info().Msg("Executor resumed")
}

// Paused reports whether dispatch is suspended.
func (e *Executor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// QueueDepth reports how many jobs are waiting.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Run dispatches jobs to workers until the context is cancelled, then drains
// in-flight work.
func (e *Executor) Run(ctx context.Context) error {
	slots := make(chan struct{}, e.cfg.Workers)
	e.log.Info().Int("workers", e.cfg.Workers).Msg("Executor started")

	timer := time.NewTimer(e.cfg.JobTimeout)
	defer timer.Stop()

	for {
		job := e.tryDispatch()
		if job != nil {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				e.requeue(job)
				e.wg.Wait()
				return ctx.Err()
			}
			e.wg.Add(1)
			go func(job *Job) {
				defer e.wg.Done()
				defer func() { <-slots }()
				e.runJob(ctx, job)
			}(job)
			continue
		}

		wait := e.idleWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.log.Info().Msg("Executor stopped")
			return ctx.Err()
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// idleWait picks how long to sleep with nothing runnable.
func (e *Executor) idleWait() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.queue.nextDue()
	if next.IsZero() {
		return time.Second
	}
	wait := next.Sub(e.clock.Now())
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if wait > time.Second {
		wait = time.Second
	}
	return wait
}

func (e *Executor) tryDispatch() *Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || e.inFlight >= e.cfg.Workers {
		return nil
	}
	job := e.queue.popReady(e.clock.Now(), e.busy)
	if job == nil {
		return nil
	}
	if job.RuleKey != 0 {
		e.busy[job.RuleKey] = true
	}
	e.inFlight++
	return job
}

func (e *Executor) requeue(job *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release(job)
	pushJob(&e.queue, job)
}

// release must be called with e.mu held.
func (e *Executor) release(job *Job) {
	if job.RuleKey != 0 {
		delete(e.busy, job.RuleKey)
	}
	e.inFlight--
}

func (e *Executor) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) runJob(ctx context.Context, job *Job) {
	defer func() {
		e.mu.Lock()
		e.release(job)
		e.mu.Unlock()
		e.poke()
	}()

	handler, ok := e.handlers[job.Kind]
	if !ok {
		e.log.Error().Str("kind", job.Kind).Str("job_id", job.ID).Msg("No handler for job kind")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	start := e.clock.Now()
	err := handler(jobCtx, job)
	if err == nil {
		e.log.Debug().
			Str("kind", job.Kind).
			Str("job_id", job.ID).
			Dur("duration", e.clock.Now().Sub(start)).
			Msg("Job completed")
		return
	}

	if se, ok := err.(*SkipError); ok {
		e.log.Info().
			Str("kind", job.Kind).
			Str("job_id", job.ID).
			Str("reason", se.Reason).
			Msg("Job skipped")
		return
	}

	e.handleFailure(job, err)
}

func (e *Executor) handleFailure(job *Job, jobErr error) {
	// An open circuit is not a per-job failure: the job waits for the
	// breaker's next probe window without burning a retry attempt.
	var open *breaker.ErrOpen
	if errors.As(jobErr, &open) {
		requeued := *job
		requeued.ScheduledFor = open.RetryAt
		e.mu.Lock()
		pushJob(&e.queue, &requeued)
		e.mu.Unlock()
		e.poke()
		e.log.Info().
			Str("job_id", job.ID).
			Str("marketplace", string(open.Marketplace)).
			Time("retry_at", open.RetryAt).
			Msg("Job deferred, circuit open")
		return
	}

	analysis := e.categorizer.Categorize(failure.ContextFor(jobErr, job.Marketplace, job.Attempt))

	var code, message string
	if ce, ok := failure.AsCallError(jobErr); ok {
		code = ce.Code
		message = ce.Message
		if message == "" {
			message = fmt.Sprintf("status %d", ce.HTTPStatus)
		}
	} else {
		message = jobErr.Error()
	}

	first := job.FirstFailureAt
	if first.IsZero() {
		first = e.clock.Now()
	}

	verdict, err := e.retrier.Handle(&retry.Failure{
		JobID:          job.ID,
		JobType:        job.Kind,
		Payload:        job.Payload,
		Attempt:        job.Attempt,
		Analysis:       analysis,
		Code:           code,
		Message:        message,
		FirstFailureAt: first,
	})
	if err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("Retry bookkeeping failed")
		return
	}

	if verdict.Retry {
		requeued := *job
		requeued.Attempt++
		requeued.ScheduledFor = verdict.NextRetryAt
		requeued.FirstFailureAt = first
		e.mu.Lock()
		pushJob(&e.queue, &requeued)
		e.mu.Unlock()
		e.poke()
	}
}
