package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosslist/autopilot/internal/domain"
)

// RuleRepository handles automation rules in core.db.
type RuleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *sql.DB, log zerolog.Logger) *RuleRepository {
	return &RuleRepository{
		db:  db,
		log: log.With().Str("repository", "rules").Logger(),
	}
}

const ruleColumns = `id, user_id, marketplace, rule_type, rule_config, enabled,
	total_runs, success_runs, failed_runs, last_executed_at, last_error`

func scanRule(row interface{ Scan(...interface{}) error }) (*domain.AutomationRule, error) {
	var r domain.AutomationRule
	var config string
	var enabled int
	var lastExecuted sql.NullInt64

	err := row.Scan(&r.ID, &r.UserID, &r.Marketplace, &r.Type, &config, &enabled,
		&r.TotalRuns, &r.SuccessRuns, &r.FailedRuns, &lastExecuted, &r.LastError)
	if err != nil {
		return nil, err
	}

	r.Config = json.RawMessage(config)
	r.Enabled = enabled != 0
	r.LastExecutedAt = nullUnix(lastExecuted)
	return &r, nil
}

// Get returns a rule by id, or nil if not found.
func (r *RuleRepository) Get(id int64) (*domain.AutomationRule, error) {
	row := r.db.QueryRow("SELECT "+ruleColumns+" FROM automation_rules WHERE id = ?", id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, nil
}

// Create inserts a rule and returns its id.
func (r *RuleRepository) Create(rule *domain.AutomationRule) (int64, error) {
	config := rule.Config
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	res, err := r.db.Exec(`
		INSERT INTO automation_rules (user_id, marketplace, rule_type, rule_config, enabled)
		VALUES (?, ?, ?, ?, ?)
	`, rule.UserID, rule.Marketplace, rule.Type, string(config), boolToInt(rule.Enabled))
	if err != nil {
		return 0, fmt.Errorf("failed to create rule: %w", err)
	}
	return res.LastInsertId()
}

// SetEnabled flips a rule's enabled flag.
func (r *RuleRepository) SetEnabled(id int64, enabled bool) error {
	_, err := r.db.Exec("UPDATE automation_rules SET enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to set rule %d enabled=%v: %w", id, enabled, err)
	}
	return nil
}

// RecordExecution updates counters and last-execution bookkeeping after a firing.
func (r *RuleRepository) RecordExecution(id int64, succeeded bool, lastError string, at time.Time) error {
	col := "failed_runs"
	if succeeded {
		col = "success_runs"
	}
	query := fmt.Sprintf(`
		UPDATE automation_rules
		SET total_runs = total_runs + 1,
		    %s = %s + 1,
		    last_executed_at = ?,
		    last_error = ?
		WHERE id = ?
	`, col, col)
	_, err := r.db.Exec(query, at.UTC().Unix(), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to record execution for rule %d: %w", id, err)
	}
	return nil
}

// ListEnabled returns all enabled rules.
func (r *RuleRepository) ListEnabled() ([]*domain.AutomationRule, error) {
	rows, err := r.db.Query("SELECT " + ruleColumns + " FROM automation_rules WHERE enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CountRecentValidationFailures counts validation-kind failures for a rule
// since the cutoff. Used to auto-disable rules that keep failing validation.
func (r *RuleRepository) CountRecentValidationFailures(auditDB *sql.DB, ruleID int64, since time.Time) (int, error) {
	var n int
	err := auditDB.QueryRow(`
		SELECT COUNT(*) FROM automation_logs
		WHERE rule_id = ? AND status = 'failed' AND error_kind = 'validation' AND created_at >= ?
	`, ruleID, since.UTC().Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count validation failures for rule %d: %w", ruleID, err)
	}
	return n, nil
}
