package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/ratelimit"
	"github.com/crosslist/autopilot/internal/store"
	testhelpers "github.com/crosslist/autopilot/internal/testing"
)

func newTestLimiter(t *testing.T, caps map[domain.Marketplace]ratelimit.Caps) (*ratelimit.Limiter, *clock.Fake, func()) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "core")
	repo := store.NewRateLimitRepository(db.Conn(), zerolog.Nop())
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return ratelimit.New(repo, clk, caps, zerolog.Nop()), clk, cleanup
}

func TestLimiterAllowsUnderCap(t *testing.T) {
	l, _, cleanup := newTestLimiter(t, nil)
	defer cleanup()

	d, err := l.Check(domain.MarketplacePoshmark, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ratelimit.DefaultCaps.HourlyLimit, d.Remaining)
}

func TestLimiterRejectsAtHourlyCap(t *testing.T) {
	caps := map[domain.Marketplace]ratelimit.Caps{
		domain.MarketplacePoshmark: {HourlyLimit: 3, DailyLimit: 100},
	}
	l, _, cleanup := newTestLimiter(t, caps)
	defer cleanup()
	mp := domain.MarketplacePoshmark

	for i := 0; i < 3; i++ {
		d, err := l.Check(mp, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, l.Record(mp, 1, true, nil))
	}

	d, err := l.Check(mp, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Contains(t, d.Reason, "hour")
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Hour)
}

func TestLimiterWindowResets(t *testing.T) {
	caps := map[domain.Marketplace]ratelimit.Caps{
		domain.MarketplaceMercari: {HourlyLimit: 2, DailyLimit: 100},
	}
	l, clk, cleanup := newTestLimiter(t, caps)
	defer cleanup()
	mp := domain.MarketplaceMercari

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Record(mp, 7, true, nil))
	}
	d, err := l.Check(mp, 7)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clk.Advance(time.Hour)
	d, err = l.Check(mp, 7)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterDailyCapOutlastsHourly(t *testing.T) {
	caps := map[domain.Marketplace]ratelimit.Caps{
		domain.MarketplaceEbay: {HourlyLimit: 100, DailyLimit: 2},
	}
	l, clk, cleanup := newTestLimiter(t, caps)
	defer cleanup()
	mp := domain.MarketplaceEbay

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Record(mp, 1, true, nil))
	}

	// A new hour does not help when the day budget is spent.
	clk.Advance(time.Hour)
	d, err := l.Check(mp, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "day")
}

func TestLimiterUsersAreIndependent(t *testing.T) {
	caps := map[domain.Marketplace]ratelimit.Caps{
		domain.MarketplaceDepop: {HourlyLimit: 1, DailyLimit: 10},
	}
	l, _, cleanup := newTestLimiter(t, caps)
	defer cleanup()
	mp := domain.MarketplaceDepop

	require.NoError(t, l.Record(mp, 1, true, nil))
	d, err := l.Check(mp, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Check(mp, 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterHoldBlocksAllUsers(t *testing.T) {
	l, clk, cleanup := newTestLimiter(t, nil)
	defer cleanup()
	mp := domain.MarketplaceGrailed

	until := clk.Now().Add(10 * time.Minute)
	require.NoError(t, l.Block(mp, "captcha wall", until))

	for _, userID := range []int64{1, 2, 3} {
		d, err := l.Check(mp, userID)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "captcha wall")
		assert.Equal(t, 10*time.Minute, d.RetryAfter)
	}

	clk.Advance(11 * time.Minute)
	d, err := l.Check(mp, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiterServerResetOverride(t *testing.T) {
	caps := map[domain.Marketplace]ratelimit.Caps{
		domain.MarketplacePoshmark: {HourlyLimit: 1, DailyLimit: 100},
	}
	l, _, cleanup := newTestLimiter(t, caps)
	defer cleanup()
	mp := domain.MarketplacePoshmark

	// Server says the window resets in 30 seconds, not at the top of the hour.
	require.NoError(t, l.Record(mp, 1, true, map[string]string{"X-RateLimit-Reset": "30"}))
	d, err := l.Check(mp, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.LessOrEqual(t, d.RetryAfter, 30*time.Second)
}

func TestLimiterPaceHonorsContext(t *testing.T) {
	caps := map[domain.Marketplace]ratelimit.Caps{
		domain.MarketplaceMercari: {HourlyLimit: 10, DailyLimit: 10, MinDelay: time.Hour},
	}
	db, cleanup := testhelpers.NewTestDB(t, "core")
	defer cleanup()
	repo := store.NewRateLimitRepository(db.Conn(), zerolog.Nop())
	l := ratelimit.New(repo, clock.NewSystem(), caps, zerolog.Nop())
	mp := domain.MarketplaceMercari

	// First call passes the pacer immediately.
	require.NoError(t, l.Pace(context.Background(), mp, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Pace(ctx, mp, 1)
	assert.Error(t, err)
}
