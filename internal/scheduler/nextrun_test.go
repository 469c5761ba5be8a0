package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/domain"
)

func TestNextRunCronEvaluatesInScheduleZone(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleCron,
		CronExpr: "0 9 * * *",
		Timezone: "America/New_York",
	}
	// 13:00 UTC is 09:00 EDT in summer, so the next 9am is tomorrow.
	now := time.Date(2026, 7, 10, 13, 30, 0, 0, time.UTC)

	next, err := NextRun(s, now, nil)
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := next.In(loc)
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, 11, local.Day())
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextRunCronInvalidExpression(t *testing.T) {
	s := &domain.AutomationSchedule{Type: domain.ScheduleCron, CronExpr: "not a cron"}
	_, err := NextRun(s, time.Now(), nil)
	assert.Error(t, err)
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := &domain.AutomationSchedule{Type: domain.ScheduleInterval, IntervalMinutes: 45}
	next, err := NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(45*time.Minute), next)

	// Zero intervals are clamped to one minute.
	s.IntervalMinutes = 0
	next, err = NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), next)
}

func TestNextRunContinuousJitterBounds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))
	s := &domain.AutomationSchedule{Type: domain.ScheduleContinuous, IntervalSeconds: 1800}

	for i := 0; i < 500; i++ {
		next, err := NextRun(s, now, rng)
		require.NoError(t, err)
		delta := next.Sub(now)
		assert.GreaterOrEqual(t, delta, 1620*time.Second)
		assert.LessOrEqual(t, delta, 1980*time.Second)
	}
}

func TestNextRunContinuousFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &domain.AutomationSchedule{Type: domain.ScheduleContinuous, IntervalSeconds: 5}

	// Without jitter the floor shows through exactly.
	next, err := NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(60*time.Second), next)
}

func TestNextRunTimeOfDay(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleTimeOfDay,
		Hours:    []int{9, 13, 20},
		Timezone: "UTC",
	}

	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	next, err := NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next)

	// Past the last hour the schedule rolls to tomorrow's first hour.
	now = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	next, err = NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestNextRunCronKeepsLocalTimeAcrossSpringForward(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleCron,
		CronExpr: "0 9 * * *",
		Timezone: "America/New_York",
	}
	// The evening before the 2026-03-08 spring-forward transition.
	now := time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC) // 10:00 EST

	next, err := NextRun(s, now, nil)
	require.NoError(t, err)

	// 9am local holds even though the UTC offset changed overnight.
	assert.Equal(t, time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC), next)
}

func TestNextRunCronSkipsNonexistentSpringForwardSlot(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleCron,
		CronExpr: "30 2 * * *",
		Timezone: "America/New_York",
	}
	// 2:30 AM does not exist on 2026-03-08; the next occurrence is the
	// following night.
	now := time.Date(2026, 3, 8, 5, 30, 0, 0, time.UTC) // 00:30 EST

	next, err := NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 6, 30, 0, 0, time.UTC), next) // 02:30 EDT
}

func TestNextRunCronFallBackAmbiguousHourFiresOnce(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleCron,
		CronExpr: "30 1 * * *",
		Timezone: "America/New_York",
	}
	// 1:30 AM happens twice on 2026-11-01; the schedule fires on the first
	// pass through the hour.
	now := time.Date(2026, 11, 1, 4, 0, 0, 0, time.UTC) // 00:00 EDT

	next, err := NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC), next) // 01:30 EDT
}

func TestNextRunTimeOfDayAcrossDSTTransitions(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleTimeOfDay,
		Hours:    []int{2},
		Timezone: "America/New_York",
	}

	// Spring forward: the 2am slot falls in the gap and lands after it.
	now := time.Date(2026, 3, 8, 5, 30, 0, 0, time.UTC) // 00:30 EST
	next, err := NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC), next) // 03:00 EDT

	// Fall back: the repeated hour does not double the slot; 2am fires once,
	// after the transition.
	now = time.Date(2026, 11, 1, 4, 30, 0, 0, time.UTC) // 00:30 EDT
	next, err = NextRun(s, now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 11, 1, 7, 0, 0, 0, time.UTC), next) // 02:00 EST
}

func TestNextRunTimeOfDayNoHours(t *testing.T) {
	s := &domain.AutomationSchedule{Type: domain.ScheduleTimeOfDay, Timezone: "UTC"}
	_, err := NextRun(s, time.Now(), nil)
	assert.Error(t, err)
}

func TestNextRunInvalidTimezone(t *testing.T) {
	s := &domain.AutomationSchedule{
		Type:     domain.ScheduleCron,
		CronExpr: "* * * * *",
		Timezone: "Mars/Olympus_Mons",
	}
	_, err := NextRun(s, time.Now(), nil)
	assert.Error(t, err)
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("*/15 * * * *"))
	assert.NoError(t, ValidateCron("0 9 * * 1-5"))
	assert.Error(t, ValidateCron("61 * * * *"))
	assert.Error(t, ValidateCron(""))
}
