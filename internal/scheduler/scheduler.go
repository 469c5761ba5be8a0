// Package scheduler maintains the next firing time of every active schedule
// and hands due firings to the executor. A single goroutine owns all mutable
// state; other components talk to it through commands.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/store"
)

// Firing is one scheduled execution of a rule, handed to the executor.
type Firing struct {
	ScheduleID  int64
	RuleID      int64
	UserID      int64
	Marketplace domain.Marketplace
	RuleType    domain.RuleType
	At          time.Time
}

// Sink receives due firings. Submission must not block; a false return means
// the firing was not accepted and will be retried on the next tick since
// next_run_at only advances on hand-off.
type Sink interface {
	SubmitFiring(f *Firing) bool
}

// emergencyStopKey is the settings row that persists the paused state.
const emergencyStopKey = "scheduler.emergency_stop"

// minFiringGap is the floor between consecutive firings of one schedule,
// enforced regardless of next_run_at. It matches the one-minute interval
// floor in NextRun.
const minFiringGap = time.Minute

type commandKind int

const (
	cmdActivate commandKind = iota
	cmdDeactivate
	cmdDeactivateAll
	cmdReactivateAll
)

type command struct {
	kind   commandKind
	ruleID int64
	reason string
	done   chan error
}

// Scheduler drives timed rule firings.
type Scheduler struct {
	schedules *store.ScheduleRepository
	rules     *store.RuleRepository
	settings  *store.SettingsRepository
	sink      Sink
	clock     clock.Clock
	bus       *events.Bus
	log       zerolog.Logger

	tick     time.Duration
	commands chan command
	rng      *rand.Rand

	// paused is owned by the run loop.
	paused bool
}

// New creates a scheduler. tick is the polling cadence for due schedules.
func New(schedules *store.ScheduleRepository, rules *store.RuleRepository,
	settings *store.SettingsRepository, sink Sink, clk clock.Clock,
	bus *events.Bus, tick time.Duration, log zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		schedules: schedules,
		rules:     rules,
		settings:  settings,
		sink:      sink,
		clock:     clk,
		bus:       bus,
		log:       log.With().Str("component", "scheduler").Logger(),
		tick:      tick,
		commands:  make(chan command, 16),
		rng:       rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Run owns the scheduling loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	paused, err := s.settings.GetBool(emergencyStopKey, false)
	if err != nil {
		return err
	}
	s.paused = paused
	if s.paused {
		s.log.Warn().Msg("Starting in emergency-stopped state")
	}

	if err := s.seedNextRuns(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.log.Info().Dur("tick", s.tick).Msg("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case cmd := <-s.commands:
			cmd.done <- s.handle(cmd)
		case <-ticker.C:
			if !s.paused {
				s.dispatchDue()
			}
		}
	}
}

// Activate recomputes next runs for all active schedules of a rule.
func (s *Scheduler) Activate(ruleID int64) error {
	return s.send(command{kind: cmdActivate, ruleID: ruleID})
}

// Deactivate marks a rule's schedules inactive.
func (s *Scheduler) Deactivate(ruleID int64) error {
	return s.send(command{kind: cmdDeactivate, ruleID: ruleID})
}

// DeactivateAll sets the emergency pause and persists it.
func (s *Scheduler) DeactivateAll(reason string) error {
	return s.send(command{kind: cmdDeactivateAll, reason: reason})
}

// ReactivateAll clears the emergency pause and reseeds next runs.
func (s *Scheduler) ReactivateAll() error {
	return s.send(command{kind: cmdReactivateAll})
}

// Paused reports the persisted emergency-stop flag.
func (s *Scheduler) Paused() (bool, error) {
	return s.settings.GetBool(emergencyStopKey, false)
}

func (s *Scheduler) send(cmd command) error {
	cmd.done = make(chan error, 1)
	s.commands <- cmd
	return <-cmd.done
}

func (s *Scheduler) handle(cmd command) error {
	switch cmd.kind {
	case cmdActivate:
		return s.activateRule(cmd.ruleID)
	case cmdDeactivate:
		return s.schedules.DeactivateByRule(cmd.ruleID)
	case cmdDeactivateAll:
		s.paused = true
		if err := s.settings.Set(emergencyStopKey, "true"); err != nil {
			return err
		}
		s.log.Warn().Str("reason", cmd.reason).Msg("Emergency stop set")
		if s.bus != nil {
			s.bus.Emit(events.EmergencyStopSet, "scheduler", map[string]interface{}{
				"reason": cmd.reason,
			})
		}
		return nil
	case cmdReactivateAll:
		s.paused = false
		if err := s.settings.Set(emergencyStopKey, "false"); err != nil {
			return err
		}
		s.log.Info().Msg("Emergency stop lifted")
		if s.bus != nil {
			s.bus.Emit(events.EmergencyStopLifted, "scheduler", nil)
		}
		return s.seedNextRuns()
	}
	return nil
}

func (s *Scheduler) activateRule(ruleID int64) error {
	schedules, err := s.schedules.ListActiveByRule(ruleID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, sched := range schedules {
		next, err := NextRun(sched, now, s.rng)
		if err != nil {
			s.demote(sched, err)
			continue
		}
		if err := s.schedules.SetNextRun(sched.ID, &next); err != nil {
			return err
		}
	}
	return nil
}

// seedNextRuns fills in next_run_at for active schedules that lack one.
// Schedules with a persisted next_run_at keep it, so a restart never fires
// times that already fired.
func (s *Scheduler) seedNextRuns() error {
	schedules, err := s.schedules.ListActive()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, sched := range schedules {
		if sched.NextRunAt != nil {
			continue
		}
		next, err := NextRun(sched, now, s.rng)
		if err != nil {
			s.demote(sched, err)
			continue
		}
		if err := s.schedules.SetNextRun(sched.ID, &next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) dispatchDue() {
	now := s.clock.Now()
	due, err := s.schedules.ListDue(now)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list due schedules")
		return
	}

	for _, sched := range due {
		rule, ok := s.eligible(sched, now)
		if !ok {
			continue
		}

		next, err := NextRun(sched, now, s.rng)
		if err != nil {
			s.demote(sched, err)
			continue
		}

		accepted := s.sink.SubmitFiring(&Firing{
			ScheduleID:  sched.ID,
			RuleID:      rule.ID,
			UserID:      rule.UserID,
			Marketplace: rule.Marketplace,
			RuleType:    rule.Type,
			At:          now,
		})
		if !accepted {
			// Executor is saturated; next_run_at stays put and the firing
			// is retried on a later tick.
			continue
		}

		advanced, err := s.schedules.MarkFired(sched.ID, now, next)
		if err != nil {
			s.log.Error().Err(err).Int64("schedule_id", sched.ID).Msg("Failed to mark schedule fired")
			continue
		}
		if advanced {
			s.log.Debug().
				Int64("schedule_id", sched.ID).
				Int64("rule_id", rule.ID).
				Time("next_run", next).
				Msg("Firing dispatched")
		}
	}
}

// eligible applies the firing preconditions beyond next_run_at being due.
func (s *Scheduler) eligible(sched *domain.AutomationSchedule, now time.Time) (*domain.AutomationRule, bool) {
	if !sched.Active || sched.Exhausted() {
		return nil, false
	}
	// Holds even when next_run_at was edited by hand or the wall clock moved
	// backwards; a last_run_at in the future also falls under the gap.
	if sched.LastRunAt != nil && now.Sub(*sched.LastRunAt) < minFiringGap {
		return nil, false
	}
	if sched.StartAt != nil && now.Before(*sched.StartAt) {
		return nil, false
	}
	if sched.EndAt != nil && now.After(*sched.EndAt) {
		if err := s.schedules.SetActive(sched.ID, false); err != nil {
			s.log.Error().Err(err).Int64("schedule_id", sched.ID).Msg("Failed to deactivate expired schedule")
		}
		return nil, false
	}

	rule, err := s.rules.Get(sched.RuleID)
	if err != nil {
		s.log.Error().Err(err).Int64("rule_id", sched.RuleID).Msg("Failed to load rule")
		return nil, false
	}
	if rule == nil || !rule.Enabled {
		return nil, false
	}
	return rule, true
}

// demote deactivates a schedule whose expression no longer evaluates.
func (s *Scheduler) demote(sched *domain.AutomationSchedule, cause error) {
	s.log.Error().Err(cause).
		Int64("schedule_id", sched.ID).
		Str("type", string(sched.Type)).
		Msg("Schedule demoted to inactive")
	if err := s.schedules.SetActive(sched.ID, false); err != nil {
		s.log.Error().Err(err).Int64("schedule_id", sched.ID).Msg("Failed to deactivate schedule")
	}
}
