package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/scheduler"
	"github.com/crosslist/autopilot/internal/store"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

type schedulerFixture struct {
	scheduler *scheduler.Scheduler
	schedules *store.ScheduleRepository
	rules     *store.RuleRepository
	users     *store.UserRepository
	settings  *store.SettingsRepository
	sink      *testhelpers.CaptureSink
	clock     *clock.Fake
	user      *domain.User
	cancel    context.CancelFunc
}

func startScheduler(t *testing.T) (*schedulerFixture, func()) {
	t.Helper()
	db, cleanupDB := testhelpers.NewTestDB(t, "core")
	nop := zerolog.Nop()

	f := &schedulerFixture{
		schedules: store.NewScheduleRepository(db.Conn(), nop),
		rules:     store.NewRuleRepository(db.Conn(), nop),
		users:     store.NewUserRepository(db.Conn(), nop),
		settings:  store.NewSettingsRepository(db.Conn(), nop),
		sink:      testhelpers.NewCaptureSink(),
		clock:     clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.user = testhelpers.SeedUser(t, f.users)
	f.scheduler = scheduler.New(f.schedules, f.rules, f.settings, f.sink, f.clock,
		events.NewBus(), 5*time.Millisecond, nop)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.scheduler.Run(ctx)
	}()

	return f, func() {
		cancel()
		<-done
		cleanupDB()
	}
}

func (f *schedulerFixture) seedDueSchedule(t *testing.T, enabled bool) (*domain.AutomationRule, int64) {
	t.Helper()
	rule := testhelpers.SeedRule(t, f.rules, f.user.ID, domain.MarketplacePoshmark, domain.RuleAutoShare, nil)
	if !enabled {
		require.NoError(t, f.rules.SetEnabled(rule.ID, false))
	}
	past := f.clock.Now().Add(-time.Minute)
	sched := testhelpers.SeedSchedule(t, f.schedules, &domain.AutomationSchedule{
		RuleID:          rule.ID,
		Type:            domain.ScheduleInterval,
		IntervalMinutes: 30,
		NextRunAt:       &past,
	})
	return rule, sched.ID
}

func TestSchedulerDispatchesDueFiring(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	rule, schedID := f.seedDueSchedule(t, true)

	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	firing := f.sink.Firings()[0]
	assert.Equal(t, rule.ID, firing.RuleID)
	assert.Equal(t, schedID, firing.ScheduleID)
	assert.Equal(t, domain.MarketplacePoshmark, firing.Marketplace)
	assert.Equal(t, domain.RuleAutoShare, firing.RuleType)

	sched, err := f.schedules.Get(schedID)
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(f.clock.Now()))
	assert.Equal(t, int64(1), sched.ExecutionCount)
	assert.NotNil(t, sched.LastRunAt)
}

func TestSchedulerSkipsDisabledRule(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	f.seedDueSchedule(t, false)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.sink.Firings())
}

func TestSchedulerFullSinkLeavesScheduleDue(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	f.sink.Reject = true
	_, schedID := f.seedDueSchedule(t, true)

	time.Sleep(100 * time.Millisecond)
	sched, err := f.schedules.Get(schedID)
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.Before(f.clock.Now()))
	assert.Zero(t, sched.ExecutionCount)

	// Once the sink accepts again the firing goes through.
	f.sink.Reject = false
	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerEmergencyStop(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	require.NoError(t, f.scheduler.DeactivateAll("marketplace incident"))
	paused, err := f.scheduler.Paused()
	require.NoError(t, err)
	require.True(t, paused)

	f.seedDueSchedule(t, true)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.sink.Firings())

	require.NoError(t, f.scheduler.ReactivateAll())
	paused, err = f.scheduler.Paused()
	require.NoError(t, err)
	assert.False(t, paused)

	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerMaxExecutionsExhaustsSchedule(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	rule := testhelpers.SeedRule(t, f.rules, f.user.ID, domain.MarketplaceMercari, domain.RuleAutoBump, nil)
	past := f.clock.Now().Add(-time.Minute)
	max := int64(1)
	sched := testhelpers.SeedSchedule(t, f.schedules, &domain.AutomationSchedule{
		RuleID:          rule.ID,
		Type:            domain.ScheduleInterval,
		IntervalMinutes: 30,
		NextRunAt:       &past,
		MaxExecutions:   &max,
	})

	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Force the schedule due again; the execution cap must hold it back.
	require.NoError(t, f.schedules.SetNextRun(sched.ID, &past))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.sink.Firings(), 1)
}

func TestSchedulerEnforcesMinimumFiringGap(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	_, schedID := f.seedDueSchedule(t, true)

	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Force the schedule due again without moving the clock; the spacing
	// floor holds it back even though next_run_at says due.
	past := f.clock.Now().Add(-time.Minute)
	require.NoError(t, f.schedules.SetNextRun(schedID, &past))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.sink.Firings(), 1)

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerDeactivateRule(t *testing.T) {
	f, cleanup := startScheduler(t)
	defer cleanup()

	rule, schedID := f.seedDueSchedule(t, true)

	require.Eventually(t, func() bool {
		return len(f.sink.Firings()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.scheduler.Deactivate(rule.ID))
	sched, err := f.schedules.Get(schedID)
	require.NoError(t, err)
	assert.False(t, sched.Active)
}

func TestSchedulerStartsPausedWhenFlagPersisted(t *testing.T) {
	db, cleanupDB := testhelpers.NewTestDB(t, "core")
	defer cleanupDB()
	nop := zerolog.Nop()

	settings := store.NewSettingsRepository(db.Conn(), nop)
	require.NoError(t, settings.Set("scheduler.emergency_stop", "true"))

	schedules := store.NewScheduleRepository(db.Conn(), nop)
	rules := store.NewRuleRepository(db.Conn(), nop)
	users := store.NewUserRepository(db.Conn(), nop)
	sink := testhelpers.NewCaptureSink()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := scheduler.New(schedules, rules, settings, sink, clk, events.NewBus(), 5*time.Millisecond, nop)

	user := testhelpers.SeedUser(t, users)
	rule := testhelpers.SeedRule(t, rules, user.ID, domain.MarketplaceDepop, domain.RuleAutoShare, nil)
	past := clk.Now().Add(-time.Minute)
	testhelpers.SeedSchedule(t, schedules, &domain.AutomationSchedule{
		RuleID:          rule.ID,
		Type:            domain.ScheduleInterval,
		IntervalMinutes: 30,
		NextRunAt:       &past,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.Firings())
}
