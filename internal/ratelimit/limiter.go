// Package ratelimit provides per-(marketplace, user) admission control over
// fixed hourly and daily windows, plus a minimum inter-request delay that
// keeps call timing human-shaped.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/store"
)

// Caps are the window budgets for one marketplace.
type Caps struct {
	HourlyLimit int
	DailyLimit  int
	// MinDelay is the floor between consecutive calls per (marketplace, user).
	MinDelay time.Duration
}

// DefaultCaps is used for marketplaces with no explicit configuration.
var DefaultCaps = Caps{
	HourlyLimit: 300,
	DailyLimit:  5000,
	MinDelay:    2 * time.Second,
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	Reason     string
}

// Limiter enforces window caps and pacing.
type Limiter struct {
	repo  *store.RateLimitRepository
	clock clock.Clock
	log   zerolog.Logger

	mu     sync.Mutex
	caps   map[domain.Marketplace]Caps
	pacers map[pacerKey]*rate.Limiter
}

type pacerKey struct {
	mp     domain.Marketplace
	userID int64
}

// New creates a limiter with per-marketplace caps. Marketplaces absent from
// the map fall back to DefaultCaps.
func New(repo *store.RateLimitRepository, clk clock.Clock, caps map[domain.Marketplace]Caps, log zerolog.Logger) *Limiter {
	if caps == nil {
		caps = make(map[domain.Marketplace]Caps)
	}
	return &Limiter{
		repo:   repo,
		clock:  clk,
		log:    log.With().Str("component", "ratelimit").Logger(),
		caps:   caps,
		pacers: make(map[pacerKey]*rate.Limiter),
	}
}

func (l *Limiter) capsFor(mp domain.Marketplace) Caps {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.caps[mp]; ok {
		return c
	}
	return DefaultCaps
}

// Check compares the current windows against the caps. When any window is
// exhausted the call is rejected with the farthest future reset time.
func (l *Limiter) Check(mp domain.Marketplace, userID int64) (*Decision, error) {
	now := l.clock.Now()

	if until, reason, err := l.repo.GetHold(mp, now); err != nil {
		return nil, err
	} else if until != nil {
		return &Decision{
			Allowed:    false,
			RetryAfter: until.Sub(now),
			Reason:     "hold: " + reason,
		}, nil
	}

	caps := l.capsFor(mp)
	limits := []struct {
		window store.WindowType
		cap    int
	}{
		{store.WindowHour, caps.HourlyLimit},
		{store.WindowDay, caps.DailyLimit},
	}

	decision := &Decision{Allowed: true, Remaining: int(^uint(0) >> 1)}
	var farthestReset time.Time

	for _, lim := range limits {
		if lim.cap <= 0 {
			continue
		}
		c, err := l.repo.GetWindow(mp, userID, lim.window, now)
		if err != nil {
			return nil, err
		}
		remaining := lim.cap - c.Requests
		if remaining < decision.Remaining {
			decision.Remaining = remaining
		}
		if remaining <= 0 {
			decision.Allowed = false
			decision.Reason = string(lim.window) + " cap exhausted"
			if c.ResetAt.After(farthestReset) {
				farthestReset = c.ResetAt
			}
		}
	}

	if !decision.Allowed {
		decision.Remaining = 0
		decision.RetryAfter = farthestReset.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision, nil
}

// Record counts one completed call in both windows. Server-supplied reset
// headers override the local estimate until the next window.
func (l *Limiter) Record(mp domain.Marketplace, userID int64, success bool, headers map[string]string) error {
	now := l.clock.Now()
	if err := l.repo.Record(mp, userID, success, now); err != nil {
		return err
	}
	if reset, ok := resetFromHeaders(headers, now); ok {
		if err := l.repo.OverrideReset(mp, userID, store.WindowHour, now, reset); err != nil {
			return err
		}
	}
	return nil
}

// Block forces a marketplace-wide hold until a time.
func (l *Limiter) Block(mp domain.Marketplace, reason string, until time.Time) error {
	l.log.Warn().
		Str("marketplace", string(mp)).
		Str("reason", reason).
		Time("until", until).
		Msg("Marketplace hold set")
	return l.repo.SetHold(mp, reason, until)
}

// Pace blocks until the per-(marketplace, user) inter-request floor has
// elapsed. Cancellation aborts the wait.
func (l *Limiter) Pace(ctx context.Context, mp domain.Marketplace, userID int64) error {
	caps := l.capsFor(mp)
	if caps.MinDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	key := pacerKey{mp: mp, userID: userID}
	p, ok := l.pacers[key]
	if !ok {
		p = rate.NewLimiter(rate.Every(caps.MinDelay), 1)
		l.pacers[key] = p
	}
	l.mu.Unlock()

	return p.Wait(ctx)
}

// resetFromHeaders reads a server-provided reset instant. The value may be
// epoch seconds or delta seconds; anything past half the current epoch is
// treated as absolute.
func resetFromHeaders(headers map[string]string, now time.Time) (time.Time, bool) {
	for k, v := range headers {
		if !strings.EqualFold(k, "X-RateLimit-Reset") && !strings.EqualFold(k, "RateLimit-Reset") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || secs < 0 {
			continue
		}
		if secs > now.Unix()/2 {
			return time.Unix(secs, 0).UTC(), true
		}
		return now.Add(time.Duration(secs) * time.Second), true
	}
	return time.Time{}, false
}
