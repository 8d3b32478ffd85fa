package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

const automationRuleSelect = `SELECT id, name, enabled, rule_type, event_subscription, condition, action,
	priority, created_at, updated_at FROM automation_rules`

func scanAutomationRule(row *sql.Row) (AutomationRule, error) {
	var r AutomationRule
	var subsJSON []byte
	err := row.Scan(&r.ID, &r.Name, &r.Enabled, &r.RuleType, &subsJSON, &r.Condition, &r.Action,
		&r.Priority, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	_ = json.Unmarshal(subsJSON, &r.EventSubscription)
	return r, nil
}

// CreateAutomationRule inserts a rule whose Condition/Action have already
// been validated against the condition/action schema by the caller (spec
// §4.7 "validated at rule-create time").
func (s *Postgres) CreateAutomationRule(ctx context.Context, r AutomationRule) (AutomationRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EventSubscription == nil {
		r.EventSubscription = []string{}
	}
	subsJSON, err := json.Marshal(r.EventSubscription)
	if err != nil {
		return AutomationRule{}, err
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO automation_rules
		(id, name, enabled, rule_type, event_subscription, condition, action, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		r.ID, r.Name, r.Enabled, r.RuleType, subsJSON, r.Condition, r.Action, r.Priority)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return AutomationRule{}, err
	}
	return r, nil
}

func (s *Postgres) GetAutomationRule(ctx context.Context, id string) (AutomationRule, error) {
	return scanAutomationRule(s.q.QueryRowContext(ctx, automationRuleSelect+` WHERE id = $1`, id))
}

// ListEnabledRulesForEvent returns enabled rules subscribed to eventType,
// ordered by descending priority -- rules with the same priority preserve
// insertion order via the secondary created_at tiebreak (spec §4.7 ordering,
// confirmed against the Rust original's `sort_by_key(Reverse(priority))`).
func (s *Postgres) ListEnabledRulesForEvent(ctx context.Context, eventType string) ([]AutomationRule, error) {
	rows, err := s.q.QueryContext(ctx, automationRuleSelect+`
		WHERE enabled = true AND event_subscription @> $1::jsonb
		ORDER BY priority DESC, created_at ASC`, mustJSON([]string{eventType}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AutomationRule
	for rows.Next() {
		var r AutomationRule
		var subsJSON []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.RuleType, &subsJSON, &r.Condition, &r.Action,
			&r.Priority, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(subsJSON, &r.EventSubscription)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) SetAutomationRuleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.q.ExecContext(ctx, `UPDATE automation_rules SET enabled=$2, updated_at=now() WHERE id=$1`, id, enabled)
	return err
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// CreateRuleEvaluationLog writes one append-only audit row per rule
// evaluation, matched or not (spec §4.7 audit trail).
func (s *Postgres) CreateRuleEvaluationLog(ctx context.Context, l RuleEvaluationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO rule_evaluation_logs
		(id, rule_id, event_type, conversation_id, matched, condition_result, action_executed,
		 action_result, error_message, evaluation_time_ms, cascade_depth)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.ID, l.RuleID, l.EventType, l.ConversationID, l.Matched, l.ConditionResult, l.ActionExecuted,
		l.ActionResult, l.ErrorMessage, l.EvaluationTimeMs, l.CascadeDepth)
	return err
}

func (s *Postgres) ListRuleEvaluationLogsForConversation(ctx context.Context, conversationID string) ([]RuleEvaluationLog, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, rule_id, event_type, conversation_id, matched, condition_result,
		action_executed, action_result, error_message, evaluation_time_ms, cascade_depth, evaluated_at
		FROM rule_evaluation_logs WHERE conversation_id = $1 ORDER BY evaluated_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleEvaluationLog
	for rows.Next() {
		var l RuleEvaluationLog
		if err := rows.Scan(&l.ID, &l.RuleID, &l.EventType, &l.ConversationID, &l.Matched, &l.ConditionResult,
			&l.ActionExecuted, &l.ActionResult, &l.ErrorMessage, &l.EvaluationTimeMs, &l.CascadeDepth, &l.EvaluatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
