// Package retry turns a categorized failure into either a backoff delay or a
// dead-letter handoff, and keeps the per-attempt audit trail.
package retry

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/store"
)

// Resolution states for dead letters.
const (
	ResolutionPendingReview = "pending_review"
	ResolutionDiscarded     = "discarded"
	ResolutionResolved      = "resolved"
)

// Verdict is the retry scheduler's decision for one failure.
type Verdict struct {
	Retry bool
	// Delay and NextRetryAt are set when Retry is true.
	Delay       time.Duration
	NextRetryAt time.Time
	// DeadLetterID is set when the job was quarantined.
	DeadLetterID int64
	Resolution   string
}

// Scheduler computes backoff and hands exhausted jobs to the DLQ.
type Scheduler struct {
	history *store.RetryHistoryRepository
	dlq     *store.DeadLetterRepository
	clock   clock.Clock
	bus     *events.Bus
	log     zerolog.Logger

	// maxAttempts caps attempts regardless of category policy; zero means
	// the category policy alone decides.
	maxAttempts int
	rand        *rand.Rand
}

// NewScheduler creates a retry scheduler.
func NewScheduler(history *store.RetryHistoryRepository, dlq *store.DeadLetterRepository,
	clk clock.Clock, bus *events.Bus, maxAttempts int, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		history:     history,
		dlq:         dlq,
		clock:       clk,
		bus:         bus,
		log:         log.With().Str("component", "retry").Logger(),
		maxAttempts: maxAttempts,
		rand:        rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Failure describes one failed attempt of a job.
type Failure struct {
	JobID    string
	JobType  string
	Payload  interface{}
	Attempt  int // 1-based
	Analysis *failure.Analysis
	Code     string
	Message  string
	// FirstFailureAt is when attempt 1 failed; zero means now.
	FirstFailureAt time.Time
}

// Delay computes the backoff for a given attempt under a policy.
// delay = min(maxDelay, base * multiplier^(attempt-1)) * (1 + U[-jitter, +jitter])
func (s *Scheduler) Delay(p failure.Policy, attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.JitterRange > 0 {
		d *= 1 + (s.rand.Float64()*2-1)*p.JitterRange
	}
	return time.Duration(d)
}

// Handle records the attempt and decides between re-enqueue and quarantine.
func (s *Scheduler) Handle(f *Failure) (*Verdict, error) {
	now := s.clock.Now()
	p := f.Analysis.Policy

	retriesLeft := f.Attempt <= p.MaxRetries
	if s.maxAttempts > 0 && f.Attempt >= s.maxAttempts {
		retriesLeft = false
	}

	if p.ShouldRetry && retriesLeft {
		delay := s.Delay(p, f.Attempt)
		// A server-provided Retry-After is authoritative for the first retry.
		if f.Attempt == 1 && f.Analysis.RetryAfter != nil {
			delay = *f.Analysis.RetryAfter
		}
		next := now.Add(delay)

		if err := s.history.Append(&domain.RetryAttempt{
			JobID:       f.JobID,
			Attempt:     f.Attempt,
			Category:    string(f.Analysis.Category),
			Code:        f.Code,
			Message:     f.Message,
			Delay:       delay,
			NextRetryAt: &next,
			RecordedAt:  now,
		}); err != nil {
			return nil, err
		}

		s.log.Info().
			Str("job_id", f.JobID).
			Int("attempt", f.Attempt).
			Str("category", string(f.Analysis.Category)).
			Dur("delay", delay).
			Msg("Retry scheduled")
		return &Verdict{Retry: true, Delay: delay, NextRetryAt: next}, nil
	}

	// Terminal: record the final attempt, then quarantine.
	if err := s.history.Append(&domain.RetryAttempt{
		JobID:      f.JobID,
		Attempt:    f.Attempt,
		Category:   string(f.Analysis.Category),
		Code:       f.Code,
		Message:    f.Message,
		RecordedAt: now,
	}); err != nil {
		return nil, err
	}

	return s.deadLetter(f, now)
}

func (s *Scheduler) deadLetter(f *Failure, now time.Time) (*Verdict, error) {
	data, err := msgpack.Marshal(f.Payload)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", f.JobID).Msg("Failed to snapshot job payload")
		data = nil
	}

	history, err := s.history.ListForJob(f.JobID)
	if err != nil {
		return nil, err
	}
	attempts := make([]domain.RetryAttempt, 0, len(history))
	for _, a := range history {
		attempts = append(attempts, *a)
	}

	first := f.FirstFailureAt
	if first.IsZero() {
		first = now
	}
	resolution := ResolutionPendingReview
	if f.Analysis.Category == failure.Validation {
		resolution = ResolutionDiscarded
	}

	id, err := s.dlq.Insert(&domain.DeadLetter{
		JobID:          f.JobID,
		JobType:        f.JobType,
		JobData:        data,
		FinalCategory:  string(f.Analysis.Category),
		TotalAttempts:  f.Attempt,
		FirstFailureAt: first,
		LastFailureAt:  now,
		History:        attempts,
		Resolution:     resolution,
	})
	if err != nil {
		return nil, err
	}

	s.log.Warn().
		Str("job_id", f.JobID).
		Str("job_type", f.JobType).
		Str("category", string(f.Analysis.Category)).
		Int("attempts", f.Attempt).
		Str("resolution", resolution).
		Msg("Job dead-lettered")
	if s.bus != nil {
		s.bus.Emit(events.JobDeadLettered, "retry", map[string]interface{}{
			"job_id":     f.JobID,
			"job_type":   f.JobType,
			"category":   string(f.Analysis.Category),
			"attempts":   f.Attempt,
			"resolution": resolution,
		})
	}
	return &Verdict{Retry: false, DeadLetterID: id, Resolution: resolution}, nil
}
