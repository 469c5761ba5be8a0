package retry_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/retry"
	"github.com/crosslist/autopilot/internal/store"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

func newTestScheduler(t *testing.T, maxAttempts int) (*retry.Scheduler, *store.DeadLetterRepository, *clock.Fake, func()) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "audit")
	history := store.NewRetryHistoryRepository(db.Conn(), zerolog.Nop())
	dlq := store.NewDeadLetterRepository(db.Conn(), zerolog.Nop())
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := retry.NewScheduler(history, dlq, clk, events.NewBus(), maxAttempts, zerolog.Nop())
	return s, dlq, clk, cleanup
}

func analysisFor(c failure.Category) *failure.Analysis {
	return &failure.Analysis{Category: c, Policy: failure.PolicyFor(c)}
}

func TestDelayGrowsExponentially(t *testing.T) {
	s, _, _, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	p := failure.Policy{
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, time.Second, s.Delay(p, 1))
	assert.Equal(t, 2*time.Second, s.Delay(p, 2))
	assert.Equal(t, 4*time.Second, s.Delay(p, 3))
	// Past the cap the delay flattens.
	assert.Equal(t, time.Minute, s.Delay(p, 10))
}

func TestDelayJitterStaysInRange(t *testing.T) {
	s, _, _, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	p := failure.Policy{
		BaseDelay:         10 * time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 1.0,
		JitterRange:       0.2,
	}
	for i := 0; i < 200; i++ {
		d := s.Delay(p, 1)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestHandleSchedulesRetryWithinBudget(t *testing.T) {
	s, _, clk, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	v, err := s.Handle(&retry.Failure{
		JobID:    "job-1",
		JobType:  "firing",
		Attempt:  1,
		Analysis: analysisFor(failure.Temporary),
		Message:  "server error",
	})
	require.NoError(t, err)
	assert.True(t, v.Retry)
	assert.Greater(t, v.Delay, time.Duration(0))
	assert.Equal(t, clk.Now().Add(v.Delay), v.NextRetryAt)
}

func TestHandleRetryAfterAuthoritativeOnFirstRetry(t *testing.T) {
	s, _, clk, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	retryAfter := 7 * time.Second
	a := analysisFor(failure.RateLimit)
	a.RetryAfter = &retryAfter

	v, err := s.Handle(&retry.Failure{JobID: "job-2", JobType: "firing", Attempt: 1, Analysis: a})
	require.NoError(t, err)
	require.True(t, v.Retry)
	assert.Equal(t, retryAfter, v.Delay)
	assert.Equal(t, clk.Now().Add(retryAfter), v.NextRetryAt)

	// On later attempts the backoff table takes over.
	v, err = s.Handle(&retry.Failure{JobID: "job-2", JobType: "firing", Attempt: 2, Analysis: a})
	require.NoError(t, err)
	require.True(t, v.Retry)
	assert.NotEqual(t, retryAfter, v.Delay)
}

func TestHandleDeadLettersWhenPolicyExhausted(t *testing.T) {
	s, dlq, _, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	a := analysisFor(failure.Temporary)
	attempt := a.Policy.MaxRetries + 1

	v, err := s.Handle(&retry.Failure{
		JobID:    "job-3",
		JobType:  "delist",
		Attempt:  attempt,
		Analysis: a,
		Message:  "still failing",
	})
	require.NoError(t, err)
	assert.False(t, v.Retry)
	assert.NotZero(t, v.DeadLetterID)
	assert.Equal(t, retry.ResolutionPendingReview, v.Resolution)

	d, err := dlq.Get(v.DeadLetterID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "delist", d.JobType)
	assert.Equal(t, attempt, d.TotalAttempts)
	assert.Equal(t, string(failure.Temporary), d.FinalCategory)
}

func TestHandleValidationDeadLettersImmediatelyDiscarded(t *testing.T) {
	s, dlq, _, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	v, err := s.Handle(&retry.Failure{
		JobID:    "job-4",
		JobType:  "firing",
		Attempt:  1,
		Analysis: analysisFor(failure.Validation),
		Message:  "missing field: price",
	})
	require.NoError(t, err)
	assert.False(t, v.Retry)
	assert.Equal(t, retry.ResolutionDiscarded, v.Resolution)

	d, err := dlq.Get(v.DeadLetterID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, retry.ResolutionDiscarded, d.Resolution)
}

func TestHandleGlobalMaxAttemptsOverridesPolicy(t *testing.T) {
	s, _, _, cleanup := newTestScheduler(t, 2)
	defer cleanup()

	// Rate limit policy allows 5 retries but the global cap is 2 attempts.
	v, err := s.Handle(&retry.Failure{
		JobID:    "job-5",
		JobType:  "firing",
		Attempt:  2,
		Analysis: analysisFor(failure.RateLimit),
	})
	require.NoError(t, err)
	assert.False(t, v.Retry)
	assert.NotZero(t, v.DeadLetterID)
}

func TestHandleKeepsPerAttemptHistory(t *testing.T) {
	s, dlq, _, cleanup := newTestScheduler(t, 0)
	defer cleanup()

	a := analysisFor(failure.Temporary)
	for attempt := 1; attempt <= a.Policy.MaxRetries; attempt++ {
		v, err := s.Handle(&retry.Failure{JobID: "job-6", JobType: "firing", Attempt: attempt, Analysis: a})
		require.NoError(t, err)
		require.True(t, v.Retry)
	}

	v, err := s.Handle(&retry.Failure{JobID: "job-6", JobType: "firing", Attempt: a.Policy.MaxRetries + 1, Analysis: a})
	require.NoError(t, err)
	require.False(t, v.Retry)

	d, err := dlq.Get(v.DeadLetterID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Len(t, d.History, a.Policy.MaxRetries+1)
}
