package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/engine"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/scheduler"
	"github.com/crosslist/autopilot/internal/store"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

// A rule is auto-disabled after three validation failures inside 24 hours.
const (
	disableThreshold = 3
	disableWindow    = 24 * time.Hour
)

// scriptedEngine returns a fixed outcome or error from Execute.
type scriptedEngine struct {
	mu      sync.Mutex
	outcome *engine.Outcome
	err     error
	calls   int
}

func (e *scriptedEngine) Execute(ctx context.Context, _ *domain.AutomationRule, _ *domain.User) (*engine.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.outcome, nil
}

func (e *scriptedEngine) ValidateRule(*domain.AutomationRule) error { return nil }
func (e *scriptedEngine) AvailableActions() []string { return nil }
func (e *scriptedEngine) DefaultConfig(domain.RuleType) interface{} { return nil }
func (e *scriptedEngine) Delist(context.Context, *domain.ListingPost) error { return nil }

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type dispatcherFixture struct {
	dispatcher  *engine.Dispatcher
	engine      *scriptedEngine
	rules       *store.RuleRepository
	users       *store.UserRepository
	connections *store.ConnectionRepository
	logs        *store.LogRepository
	clock       *clock.Fake
}

func newTestDispatcher(t *testing.T) (*dispatcherFixture, func()) {
	t.Helper()
	core, audit, cleanup := testhelpers.NewTestPair(t)
	nop := zerolog.Nop()

	eng := &scriptedEngine{outcome: &engine.Outcome{Status: domain.LogSuccess, Succeeded: 1}}
	registry := engine.NewRegistry()
	for _, mp := range domain.Marketplaces() {
		registry.Register(mp, eng)
	}

	f := &dispatcherFixture{
		engine:      eng,
		rules:       store.NewRuleRepository(core.Conn(), nop),
		users:       store.NewUserRepository(core.Conn(), nop),
		connections: store.NewConnectionRepository(core.Conn(), nop),
		logs:        store.NewLogRepository(audit.Conn(), nop),
		clock:       clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.dispatcher = engine.NewDispatcher(registry, f.rules, f.users, f.connections, f.logs,
		audit.Conn(), failure.NewCategorizer(nop), f.clock, events.NewBus(), nop)
	return f, cleanup
}

func (f *dispatcherFixture) seedFiring(t *testing.T) (*domain.AutomationRule, *executor.Job) {
	t.Helper()
	user := testhelpers.SeedUser(t, f.users)
	testhelpers.SeedConnection(t, f.connections, user.ID, domain.MarketplacePoshmark)
	rule := testhelpers.SeedRule(t, f.rules, user.ID, domain.MarketplacePoshmark, domain.RuleAutoShare, nil)
	job := &executor.Job{
		ID:      "job-1",
		Kind:    executor.KindFiring,
		Attempt: 1,
		Payload: &scheduler.Firing{
			RuleID:      rule.ID,
			UserID:      user.ID,
			Marketplace: rule.Marketplace,
			RuleType:    rule.Type,
		},
	}
	return rule, job
}

func TestHandleFiringRecordsSuccessfulExecution(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	rule, job := f.seedFiring(t)
	require.NoError(t, f.dispatcher.HandleFiring(context.Background(), job))

	got, err := f.rules.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessRuns)
	assert.Zero(t, got.FailedRuns)
	require.NotNil(t, got.LastExecutedAt)
	assert.Equal(t, f.clock.Now().Unix(), got.LastExecutedAt.Unix())
}

func TestHandleFiringSkipsDisabledRule(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	rule, job := f.seedFiring(t)
	require.NoError(t, f.rules.SetEnabled(rule.ID, false))

	err := f.dispatcher.HandleFiring(context.Background(), job)
	var skip *executor.SkipError
	require.ErrorAs(t, err, &skip)
	assert.Zero(t, f.engine.callCount())
}

func TestHandleFiringFailureAppendsAuditLog(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	rule, job := f.seedFiring(t)
	f.engine.err = &failure.CallError{
		Marketplace: rule.Marketplace,
		HTTPStatus:  429,
		Message:     "too many requests",
	}

	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))

	entries, err := f.logs.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogRateLimited, entries[0].Status)
	assert.Equal(t, string(failure.RateLimit), entries[0].ErrorKind)
	assert.Equal(t, rule.ID, entries[0].RuleID)

	got, err := f.rules.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.FailedRuns)
	assert.NotEmpty(t, got.LastError)
}

func TestHandleFiringValidationAutoDisablesAfterThreshold(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	rule, job := f.seedFiring(t)
	f.engine.err = &failure.CallError{
		Marketplace: rule.Marketplace,
		HTTPStatus:  422,
		Message:     "missing field: price",
	}

	for i := 0; i < disableThreshold-1; i++ {
		require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))
		got, err := f.rules.Get(rule.ID)
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		f.clock.Advance(time.Hour)
	}

	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))
	got, err := f.rules.Get(rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestHandleFiringOldValidationFailuresFallOutOfWindow(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	rule, job := f.seedFiring(t)
	f.engine.err = &failure.CallError{
		Marketplace: rule.Marketplace,
		HTTPStatus:  422,
		Message:     "missing field: price",
	}

	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))
	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))

	// A day later the early failures no longer count toward the threshold.
	f.clock.Advance(disableWindow + time.Hour)
	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))

	got, err := f.rules.Get(rule.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestHandleFiringAuthDisablesConnectionOnSecondAttempt(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	rule, job := f.seedFiring(t)
	f.engine.err = &failure.CallError{
		Marketplace: rule.Marketplace,
		HTTPStatus:  401,
		Message:     "token expired",
	}

	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))
	conn, err := f.connections.Get(rule.UserID, rule.Marketplace)
	require.NoError(t, err)
	assert.True(t, conn.Connected)

	job.Attempt = 2
	require.Error(t, f.dispatcher.HandleFiring(context.Background(), job))
	conn, err = f.connections.Get(rule.UserID, rule.Marketplace)
	require.NoError(t, err)
	assert.False(t, conn.Connected)

	got, err := f.rules.Get(rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestHandleFiringCancelledContextBecomesSkip(t *testing.T) {
	f, cleanup := newTestDispatcher(t)
	defer cleanup()

	_, job := f.seedFiring(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.dispatcher.HandleFiring(ctx, job)
	var skip *executor.SkipError
	require.ErrorAs(t, err, &skip)

	entries, lerr := f.logs.ListRecent(10)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogSkipped, entries[0].Status)
	assert.Equal(t, "emergency_stop", entries[0].Reason)
}
