package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

func (s *Postgres) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO notifications (id, user_id, type, conversation_id, message_id, actor_id)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		n.ID, n.UserID, n.Type, n.ConversationID, n.MessageID, n.ActorID)
	if err := row.Scan(&n.CreatedAt); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (s *Postgres) ListUnreadNotifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, user_id, type, conversation_id, message_id, actor_id, is_read, created_at
		FROM notifications WHERE user_id = $1 AND is_read = false ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.ConversationID, &n.MessageID, &n.ActorID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE notifications SET is_read = true WHERE id = $1 AND is_read = false`, id)
	return checkSingleRowUpdate(res, err)
}

func (s *Postgres) GetInboxPollState(ctx context.Context, inboxID string) (InboxPollState, error) {
	var p InboxPollState
	row := s.q.QueryRowContext(ctx, `SELECT inbox_id, last_poll_at, last_uid FROM inbox_poll_state WHERE inbox_id = $1`, inboxID)
	err := row.Scan(&p.InboxID, &p.LastPollAt, &p.LastUID)
	if err == sql.ErrNoRows {
		return InboxPollState{InboxID: inboxID}, nil
	}
	return p, err
}

// UpsertInboxPollState advances an inbox's ingestion cursor after a poll
// cycle (spec §4.10 "resumable polling").
func (s *Postgres) UpsertInboxPollState(ctx context.Context, p InboxPollState) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO inbox_poll_state (inbox_id, last_poll_at, last_uid)
		VALUES ($1,$2,$3)
		ON CONFLICT (inbox_id) DO UPDATE SET last_poll_at = EXCLUDED.last_poll_at, last_uid = EXCLUDED.last_uid`,
		p.InboxID, p.LastPollAt, p.LastUID)
	return err
}

func (s *Postgres) CreateEmailProcessingLog(ctx context.Context, l EmailProcessingLog) (EmailProcessingLog, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO email_processing_logs
		(id, inbox_id, external_message_id, conversation_id, status, error_message)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING processed_at`,
		l.ID, l.InboxID, l.ExternalMessageID, l.ConversationID, l.Status, l.ErrorMessage)
	if err := row.Scan(&l.ProcessedAt); err != nil {
		return EmailProcessingLog{}, err
	}
	return l, nil
}

// WasEmailProcessed reports whether a message for this inbox has already
// been successfully ingested, enforcing dedup at the storage layer via the
// unique partial index on (inbox_id, external_message_id) WHERE status =
// 'success' (spec §4.10 dedup, testable property 6).
func (s *Postgres) WasEmailProcessed(ctx context.Context, inboxID, externalMessageID string) (bool, error) {
	var exists bool
	row := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM email_processing_logs
		WHERE inbox_id = $1 AND external_message_id = $2 AND status = 'success')`, inboxID, externalMessageID)
	err := row.Scan(&exists)
	return exists, err
}
