package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

func (s *Postgres) CreateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.SubscribedEvents == nil {
		w.SubscribedEvents = []string{}
	}
	eventsJSON, err := json.Marshal(w.SubscribedEvents)
	if err != nil {
		return Webhook{}, err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO webhooks (id, name, url, subscribed_events, secret, is_active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.ID, w.Name, w.URL, eventsJSON, w.Secret, w.IsActive, w.CreatedBy)
	return w, err
}

func (s *Postgres) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	var eventsJSON []byte
	row := s.q.QueryRowContext(ctx, `SELECT id, name, url, subscribed_events, secret, is_active, created_by
		FROM webhooks WHERE id = $1`, id)
	err := row.Scan(&w.ID, &w.Name, &w.URL, &eventsJSON, &w.Secret, &w.IsActive, &w.CreatedBy)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	_ = json.Unmarshal(eventsJSON, &w.SubscribedEvents)
	return w, nil
}

// ListActiveWebhooksForEvent returns active webhooks subscribed to eventType
// (spec §4.12 webhook fan-out).
func (s *Postgres) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, url, subscribed_events, secret, is_active, created_by
		FROM webhooks WHERE is_active = true AND subscribed_events @> $1::jsonb`, mustJSON([]string{eventType}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Webhook
	for rows.Next() {
		var w Webhook
		var eventsJSON []byte
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &eventsJSON, &w.Secret, &w.IsActive, &w.CreatedBy); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(eventsJSON, &w.SubscribedEvents)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) SetWebhookActive(ctx context.Context, id string, active bool) error {
	_, err := s.q.ExecContext(ctx, `UPDATE webhooks SET is_active=$2 WHERE id=$1`, id, active)
	return err
}

func (s *Postgres) CreateWebhookDelivery(ctx context.Context, d WebhookDelivery) (WebhookDelivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = WebhookDeliveryPending
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO webhook_deliveries
		(id, webhook_id, payload, signature, status, next_retry_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING created_at, updated_at`,
		d.ID, d.WebhookID, d.Payload, d.Signature, d.Status)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return WebhookDelivery{}, err
	}
	return d, nil
}

func (s *Postgres) GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	var d WebhookDelivery
	row := s.q.QueryRowContext(ctx, `SELECT id, webhook_id, payload, signature, status, http_status, error_message,
		retry_count, next_retry_at, created_at, updated_at FROM webhook_deliveries WHERE id = $1`, id)
	err := row.Scan(&d.ID, &d.WebhookID, &d.Payload, &d.Signature, &d.Status, &d.HTTPStatus, &d.ErrorMessage,
		&d.RetryCount, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// RecordWebhookDeliveryOutcome applies the result of one delivery attempt:
// success marks the row done, failure either schedules nextRetryAt or, past
// the attempt ceiling, moves the delivery to failed_permanent (spec §4.12
// backoff schedule, confirmed against the Rust original's retry_count >= 5
// cutoff).
func (s *Postgres) RecordWebhookDeliveryOutcome(ctx context.Context, id string, success bool, httpStatus sql.NullInt64,
	errMsg sql.NullString, nextRetryAt sql.NullTime, permanent bool) error {
	status := WebhookDeliverySuccess
	if !success {
		status = "pending"
		if permanent {
			status = WebhookDeliveryFailedPermanent
		}
	}
	_, err := s.q.ExecContext(ctx, `UPDATE webhook_deliveries SET status=$2, http_status=$3, error_message=$4,
		retry_count = retry_count + (CASE WHEN $5 THEN 1 ELSE 0 END), next_retry_at=$6, updated_at=now()
		WHERE id=$1`, id, status, httpStatus, errMsg, !success, nextRetryAt)
	return err
}

// ListDueWebhookDeliveries returns pending deliveries ready for another
// attempt, for the dispatcher worker (spec §4.12, §5 worker pool).
func (s *Postgres) ListDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, webhook_id, payload, signature, status, http_status, error_message,
		retry_count, next_retry_at, created_at, updated_at FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at <= now() ORDER BY next_retry_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Payload, &d.Signature, &d.Status, &d.HTTPStatus, &d.ErrorMessage,
			&d.RetryCount, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
