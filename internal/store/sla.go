package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

func (s *Postgres) CreateSlaPolicy(ctx context.Context, p SlaPolicy) (SlaPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO sla_policies (id, name, first_response_time, resolution_time, next_response_time)
		VALUES ($1,$2,$3,$4,$5)`, p.ID, p.Name, p.FirstResponseTime, p.ResolutionTime, p.NextResponseTime)
	return p, err
}

func (s *Postgres) GetSlaPolicy(ctx context.Context, id string) (SlaPolicy, error) {
	var p SlaPolicy
	row := s.q.QueryRowContext(ctx, `SELECT id, name, first_response_time, resolution_time, next_response_time
		FROM sla_policies WHERE id = $1`, id)
	err := row.Scan(&p.ID, &p.Name, &p.FirstResponseTime, &p.ResolutionTime, &p.NextResponseTime)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ApplySla writes the AppliedSla plus its tracked SlaEvent rows in one
// transaction (spec §4.8 "applying a policy creates the deadlines it tracks").
func (s *Postgres) ApplySla(ctx context.Context, applied AppliedSla, events []SlaEvent) (AppliedSla, error) {
	if applied.ID == "" {
		applied.ID = uuid.NewString()
	}
	applied.Status = AppliedSlaActive
	err := s.WithTx(ctx, func(scoped *Postgres) error {
		_, err := scoped.q.ExecContext(ctx, `INSERT INTO applied_slas
			(id, conversation_id, policy_id, first_response_deadline, resolution_deadline, status)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			applied.ID, applied.ConversationID, applied.PolicyID, applied.FirstResponseDeadline,
			applied.ResolutionDeadline, applied.Status)
		if err != nil {
			return err
		}
		for i := range events {
			if events[i].ID == "" {
				events[i].ID = uuid.NewString()
			}
			events[i].AppliedSlaID = applied.ID
			events[i].Status = SlaEventPending
			_, err := scoped.q.ExecContext(ctx, `INSERT INTO sla_events (id, applied_sla_id, type, deadline, status)
				VALUES ($1,$2,$3,$4,$5)`, events[i].ID, events[i].AppliedSlaID, events[i].Type, events[i].Deadline, events[i].Status)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return applied, err
}

// AddSlaEvent inserts a single tracked deadline onto an already-applied SLA,
// used to open a fresh nextResponse deadline without disturbing the
// existing firstResponse/resolution events (spec §4.8 "incoming-after-
// outgoing resets nextResponse").
func (s *Postgres) AddSlaEvent(ctx context.Context, e SlaEvent) (SlaEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = SlaEventPending
	_, err := s.q.ExecContext(ctx, `INSERT INTO sla_events (id, applied_sla_id, type, deadline, status)
		VALUES ($1,$2,$3,$4,$5)`, e.ID, e.AppliedSlaID, e.Type, e.Deadline, e.Status)
	return e, err
}

func (s *Postgres) GetActiveAppliedSla(ctx context.Context, conversationID string) (AppliedSla, error) {
	var a AppliedSla
	row := s.q.QueryRowContext(ctx, `SELECT id, conversation_id, policy_id, first_response_deadline, resolution_deadline, status
		FROM applied_slas WHERE conversation_id = $1 AND status = 'active' ORDER BY first_response_deadline DESC LIMIT 1`, conversationID)
	err := row.Scan(&a.ID, &a.ConversationID, &a.PolicyID, &a.FirstResponseDeadline, &a.ResolutionDeadline, &a.Status)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (s *Postgres) CancelAppliedSla(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(scoped *Postgres) error {
		if _, err := scoped.q.ExecContext(ctx, `UPDATE applied_slas SET status='cancelled' WHERE id=$1`, id); err != nil {
			return err
		}
		_, err := scoped.q.ExecContext(ctx, `UPDATE sla_events SET status='met', met_at=now()
			WHERE applied_sla_id=$1 AND status='pending'`, id)
		return err
	})
}

func (s *Postgres) MarkSlaEventMet(ctx context.Context, eventID string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE sla_events SET status='met', met_at=now()
		WHERE id=$1 AND status='pending'`, eventID)
	return checkSingleRowUpdate(res, err)
}

func (s *Postgres) GetPendingSlaEventsForAppliedSla(ctx context.Context, appliedSlaID string) ([]SlaEvent, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, applied_sla_id, type, deadline, status, met_at, breached_at
		FROM sla_events WHERE applied_sla_id = $1 AND status = 'pending'`, appliedSlaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SlaEvent
	for rows.Next() {
		var e SlaEvent
		if err := rows.Scan(&e.ID, &e.AppliedSlaID, &e.Type, &e.Deadline, &e.Status, &e.MetAt, &e.BreachedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListBreachedSlaEvents returns pending events whose deadline has passed, for
// the breach sweeper (spec §4.8, §5 Concurrency sweeper cadence).
func (s *Postgres) ListBreachedSlaEvents(ctx context.Context, limit int) ([]SlaEvent, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, applied_sla_id, type, deadline, status, met_at, breached_at
		FROM sla_events WHERE status = 'pending' AND deadline < now() ORDER BY deadline ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SlaEvent
	for rows.Next() {
		var e SlaEvent
		if err := rows.Scan(&e.ID, &e.AppliedSlaID, &e.Type, &e.Deadline, &e.Status, &e.MetAt, &e.BreachedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkSlaEventBreached(ctx context.Context, eventID string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE sla_events SET status='breached', breached_at=now()
		WHERE id=$1 AND status='pending'`, eventID)
	return checkSingleRowUpdate(res, err)
}

func (s *Postgres) MarkAppliedSlaBreached(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE applied_slas SET status='breached' WHERE id=$1 AND status='active'`, id)
	return err
}

func (s *Postgres) ListHolidays(ctx context.Context) ([]Holiday, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, date::text, recurring FROM holidays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Holiday
	for rows.Next() {
		var h Holiday
		if err := rows.Scan(&h.ID, &h.Name, &h.Date, &h.Recurring); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateHoliday(ctx context.Context, h Holiday) (Holiday, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO holidays (id, name, date, recurring) VALUES ($1,$2,$3,$4)`,
		h.ID, h.Name, h.Date, h.Recurring)
	return h, err
}
