package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/clock"
	"github.com/crosslist/autopilot/internal/domain"
	"github.com/crosslist/autopilot/internal/events"
	"github.com/crosslist/autopilot/internal/executor"
	"github.com/crosslist/autopilot/internal/failure"
	"github.com/crosslist/autopilot/internal/scheduler"
	"github.com/crosslist/autopilot/internal/store"
)

// validationDisableThreshold auto-disables a rule after this many validation
// failures inside validationDisableWindow.
const (
	validationDisableThreshold = 3
	validationDisableWindow    = 24 * time.Hour
)

// Dispatcher executes firing jobs against the engine registry and applies the
// follow-up policy: rule counters, validation auto-disable, auth auto-disable.
type Dispatcher struct {
	registry    *Registry
	rules       *store.RuleRepository
	users       *store.UserRepository
	connections *store.ConnectionRepository
	logs        *store.LogRepository
	auditDB     *sql.DB
	categorizer *failure.Categorizer
	clock       clock.Clock
	bus         *events.Bus
	log         zerolog.Logger
}

// NewDispatcher creates a firing dispatcher.
func NewDispatcher(registry *Registry, rules *store.RuleRepository, users *store.UserRepository,
	connections *store.ConnectionRepository, logs *store.LogRepository, auditDB *sql.DB,
	categorizer *failure.Categorizer, clk clock.Clock, bus *events.Bus, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		rules:       rules,
		users:       users,
		connections: connections,
		logs:        logs,
		auditDB:     auditDB,
		categorizer: categorizer,
		clock:       clk,
		bus:         bus,
		log:         log.With().Str("component", "dispatcher").Logger(),
	}
}

// HandleFiring is the executor handler for firing jobs.
func (d *Dispatcher) HandleFiring(ctx context.Context, job *executor.Job) error {
	f, ok := job.Payload.(*scheduler.Firing)
	if !ok {
		return errors.New("firing job carries wrong payload type")
	}

	rule, err := d.rules.Get(f.RuleID)
	if err != nil {
		return err
	}
	if rule == nil || !rule.Enabled {
		return &executor.SkipError{Reason: "rule disabled"}
	}
	user, err := d.users.Get(rule.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return &executor.SkipError{Reason: "user missing"}
	}

	eng, err := d.registry.Get(rule.Marketplace)
	if err != nil {
		return err
	}

	if d.bus != nil {
		d.bus.Emit(events.RuleFired, "dispatcher", map[string]interface{}{
			"rule_id":     rule.ID,
			"rule_type":   string(rule.Type),
			"marketplace": string(rule.Marketplace),
		})
	}

	ctx = WithAttemptKey(ctx, job.ID)
	outcome, execErr := eng.Execute(ctx, rule, user)

	if execErr != nil {
		if ctx.Err() != nil {
			d.logSkip(rule, "emergency_stop")
			return &executor.SkipError{Reason: "emergency_stop"}
		}
		return d.afterFailure(rule, job, execErr)
	}

	succeeded := outcome.Status == domain.LogSuccess || outcome.Status == domain.LogPartial
	if err := d.rules.RecordExecution(rule.ID, succeeded, "", d.clock.Now()); err != nil {
		d.log.Error().Err(err).Int64("rule_id", rule.ID).Msg("Failed to record rule execution")
	}
	if d.bus != nil {
		d.bus.Emit(events.RuleCompleted, "dispatcher", map[string]interface{}{
			"rule_id":   rule.ID,
			"status":    string(outcome.Status),
			"succeeded": outcome.Succeeded,
			"failed":    outcome.Failed,
		})
	}
	return nil
}

// afterFailure applies per-category policy before handing the error back to
// the executor's retry path.
func (d *Dispatcher) afterFailure(rule *domain.AutomationRule, job *executor.Job, execErr error) error {
	analysis := d.categorizer.Categorize(failure.ContextFor(execErr, rule.Marketplace, job.Attempt))

	if err := d.rules.RecordExecution(rule.ID, false, execErr.Error(), d.clock.Now()); err != nil {
		d.log.Error().Err(err).Int64("rule_id", rule.ID).Msg("Failed to record rule execution")
	}

	d.logFailure(rule, analysis)

	switch analysis.Category {
	case failure.Validation:
		d.maybeDisableRule(rule)
	case failure.Auth:
		// The policy grants one retry; a second auth failure disables the
		// connection until the user reauthenticates.
		if job.Attempt >= 2 {
			d.disableConnection(rule)
			d.disableRule(rule, "auth")
		}
	}
	return execErr
}

func (d *Dispatcher) logFailure(rule *domain.AutomationRule, analysis *failure.Analysis) {
	status := domain.LogFailed
	if analysis.Category == failure.RateLimit {
		status = domain.LogRateLimited
	}
	if err := d.logs.Append(&domain.LogEntry{
		UserID:      rule.UserID,
		RuleID:      rule.ID,
		Marketplace: rule.Marketplace,
		Action:      string(rule.Type),
		Status:      status,
		ErrorKind:   string(analysis.Category),
		Reason:      analysis.Reasoning,
		CreatedAt:   d.clock.Now(),
	}); err != nil {
		d.log.Error().Err(err).Msg("Failed to append failure log")
	}
}

func (d *Dispatcher) logSkip(rule *domain.AutomationRule, reason string) {
	if err := d.logs.Append(&domain.LogEntry{
		UserID:      rule.UserID,
		RuleID:      rule.ID,
		Marketplace: rule.Marketplace,
		Action:      string(rule.Type),
		Status:      domain.LogSkipped,
		Reason:      reason,
		CreatedAt:   d.clock.Now(),
	}); err != nil {
		d.log.Error().Err(err).Msg("Failed to append skip log")
	}
}

// maybeDisableRule disables a rule that keeps failing validation.
func (d *Dispatcher) maybeDisableRule(rule *domain.AutomationRule) {
	since := d.clock.Now().Add(-validationDisableWindow)
	n, err := d.rules.CountRecentValidationFailures(d.auditDB, rule.ID, since)
	if err != nil {
		d.log.Error().Err(err).Int64("rule_id", rule.ID).Msg("Failed to count validation failures")
		return
	}
	if n >= validationDisableThreshold {
		d.disableRule(rule, "repeated validation failures")
	}
}

func (d *Dispatcher) disableRule(rule *domain.AutomationRule, reason string) {
	if err := d.rules.SetEnabled(rule.ID, false); err != nil {
		d.log.Error().Err(err).Int64("rule_id", rule.ID).Msg("Failed to disable rule")
		return
	}
	d.log.Warn().Int64("rule_id", rule.ID).Str("reason", reason).Msg("Rule auto-disabled")
	if d.bus != nil {
		d.bus.Emit(events.RuleDisabled, "dispatcher", map[string]interface{}{
			"rule_id": rule.ID,
			"reason":  reason,
		})
	}
}

func (d *Dispatcher) disableConnection(rule *domain.AutomationRule) {
	conn, err := d.connections.Get(rule.UserID, rule.Marketplace)
	if err != nil || conn == nil {
		if err != nil {
			d.log.Error().Err(err).Msg("Failed to load connection for disable")
		}
		return
	}
	if err := d.connections.SetConnected(conn.ID, false); err != nil {
		d.log.Error().Err(err).Int64("connection_id", conn.ID).Msg("Failed to disable connection")
		return
	}
	d.log.Warn().
		Int64("user_id", rule.UserID).
		Str("marketplace", string(rule.Marketplace)).
		Msg("Connection disabled after repeated auth failures")
	if d.bus != nil {
		d.bus.Emit(events.ConnectionDisabled, "dispatcher", map[string]interface{}{
			"user_id":     rule.UserID,
			"marketplace": string(rule.Marketplace),
		})
	}
}
