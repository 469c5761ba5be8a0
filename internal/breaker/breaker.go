// Package breaker implements a per-marketplace circuit breaker whose state
// lives in the record store, so every worker and every restart observes the
// same phase.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/store"
)

// Defaults for a breaker with no persisted row.
const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryThreshold = 3
	DefaultHalfOpenMax       = 3
	DefaultTimeout           = 60 * time.Second

	// The half-open timeout doubles on each failed probe, capped at this
	// multiple of the base timeout.
	maxTimeoutFactor = 10
)

// ErrOpen is returned by Allow when the breaker rejects a call.
type ErrOpen struct {
	Marketplace domain.Marketplace
	RetryAt     time.Time
}

func (e *ErrOpen) Error() string {
	return "circuit_open: " + string(e.Marketplace)
}

// Breaker gates outbound calls per marketplace.
type Breaker struct {
	repo  *store.CircuitRepository
	clock clock.Clock
	bus   *events.Bus
	log   zerolog.Logger

	// mu serializes the read-modify-write cycle against the store. Counters
	// are kept in the store so state survives restarts; the mutex only
	// protects this process's transitions and the half-open admission count.
	mu       sync.Mutex
	halfOpen map[domain.Marketplace]int
}

// New creates a breaker backed by the circuit repository.
func New(repo *store.CircuitRepository, clk clock.Clock, bus *events.Bus, log zerolog.Logger) *Breaker {
	return &Breaker{
		repo:     repo,
		clock:    clk,
		bus:      bus,
		log:      log.With().Str("component", "breaker").Logger(),
		halfOpen: make(map[domain.Marketplace]int),
	}
}

func defaults() store.CircuitRecord {
	return store.CircuitRecord{
		Phase:             store.CircuitClosed,
		FailureThreshold:  DefaultFailureThreshold,
		RecoveryThreshold: DefaultRecoveryThreshold,
		HalfOpenMax:       DefaultHalfOpenMax,
		Timeout:           DefaultTimeout,
		BaseTimeout:       DefaultTimeout,
	}
}

// Allow reports whether a call to the marketplace may proceed. A rejected
// call gets an *ErrOpen carrying the next retry time. Callers that got a
// half-open admission must pair it with exactly one RecordSuccess or
// RecordFailure; Done releases the slot.
func (b *Breaker) Allow(mp domain.Marketplace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.repo.Get(mp, defaults())
	if err != nil {
		return err
	}
	now := b.clock.Now()

	switch rec.Phase {
	case store.CircuitClosed:
		return nil
	case store.CircuitOpen:
		if rec.NextRetryAt != nil && !now.Before(*rec.NextRetryAt) {
			rec.Phase = store.CircuitHalfOpen
			rec.SuccessCount = 0
			if err := b.repo.Save(rec); err != nil {
				return err
			}
			b.emitTransition(mp, store.CircuitOpen, store.CircuitHalfOpen)
			b.halfOpen[mp] = 1
			return nil
		}
		retryAt := now.Add(rec.Timeout)
		if rec.NextRetryAt != nil {
			retryAt = *rec.NextRetryAt
		}
		return &ErrOpen{Marketplace: mp, RetryAt: retryAt}
	case store.CircuitHalfOpen:
		if b.halfOpen[mp] >= rec.HalfOpenMax {
			retryAt := now
			if rec.NextRetryAt != nil {
				retryAt = *rec.NextRetryAt
			}
			return &ErrOpen{Marketplace: mp, RetryAt: retryAt}
		}
		b.halfOpen[mp]++
		return nil
	}
	return nil
}

// Done releases a half-open admission without recording an outcome. Used when
// a call is abandoned before reaching the marketplace.
func (b *Breaker) Done(mp domain.Marketplace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpen[mp] > 0 {
		b.halfOpen[mp]--
	}
}

// RecordSuccess feeds a successful call into the breaker.
func (b *Breaker) RecordSuccess(mp domain.Marketplace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.repo.Get(mp, defaults())
	if err != nil {
		return err
	}

	switch rec.Phase {
	case store.CircuitClosed:
		// Decay failure memory so old failures cannot poison the count.
		if rec.FailureCount > 0 {
			rec.FailureCount--
		}
	case store.CircuitHalfOpen:
		if b.halfOpen[mp] > 0 {
			b.halfOpen[mp]--
		}
		rec.SuccessCount++
		if rec.SuccessCount >= rec.RecoveryThreshold {
			from := rec.Phase
			rec.Phase = store.CircuitClosed
			rec.FailureCount = 0
			rec.SuccessCount = 0
			rec.OpenedAt = nil
			rec.NextRetryAt = nil
			rec.Timeout = rec.BaseTimeout
			delete(b.halfOpen, mp)
			if err := b.repo.Save(rec); err != nil {
				return err
			}
			b.emitTransition(mp, from, store.CircuitClosed)
			return nil
		}
	}
	return b.repo.Save(rec)
}

// RecordFailure feeds a breaker-relevant failure into the breaker.
func (b *Breaker) RecordFailure(mp domain.Marketplace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.repo.Get(mp, defaults())
	if err != nil {
		return err
	}
	now := b.clock.Now()

	switch rec.Phase {
	case store.CircuitClosed:
		rec.FailureCount++
		if rec.FailureCount >= rec.FailureThreshold {
			b.trip(rec, store.CircuitClosed, now, rec.Timeout)
			return b.repo.Save(rec)
		}
	case store.CircuitHalfOpen:
		if b.halfOpen[mp] > 0 {
			b.halfOpen[mp]--
		}
		timeout := rec.Timeout * 2
		if max := rec.BaseTimeout * maxTimeoutFactor; timeout > max {
			timeout = max
		}
		b.trip(rec, store.CircuitHalfOpen, now, timeout)
		return b.repo.Save(rec)
	case store.CircuitOpen:
		// Rejected calls do not re-count.
		return nil
	}
	return b.repo.Save(rec)
}

func (b *Breaker) trip(rec *store.CircuitRecord, from store.CircuitPhase, now time.Time, timeout time.Duration) {
	rec.Phase = store.CircuitOpen
	rec.Timeout = timeout
	rec.SuccessCount = 0
	opened := now
	rec.OpenedAt = &opened
	next := now.Add(timeout)
	rec.NextRetryAt = &next
	delete(b.halfOpen, rec.Marketplace)
	b.emitTransition(rec.Marketplace, from, store.CircuitOpen)
}

// State returns the current persisted phase for a marketplace.
func (b *Breaker) State(mp domain.Marketplace) (*store.CircuitRecord, error) {
	return b.repo.Get(mp, defaults())
}

func (b *Breaker) emitTransition(mp domain.Marketplace, from, to store.CircuitPhase) {
	b.log.Warn().
		Str("marketplace", string(mp)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Circuit phase change")
	if b.bus != nil {
		b.bus.Emit(events.CircuitStateChanged, "breaker", map[string]interface{}{
			"marketplace": string(mp),
			"from":        string(from),
			"to":          string(to),
		})
	}
}
