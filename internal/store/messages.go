package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// ErrImmutable is returned when a status write targets a message already in
// a terminal, immutable status (received or sent).
var ErrImmutable = errors.New("message is immutable in its current status")

const messageSelect = `SELECT id, conversation_id, direction, status, content, author_id, is_immutable,
	retry_count, external_id, created_at, sent_at, updated_at FROM messages`

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Status, &m.Content, &m.AuthorID, &m.IsImmutable,
		&m.RetryCount, &m.ExternalID, &m.CreatedAt, &m.SentAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (Message, error) {
	return scanMessage(s.q.QueryRowContext(ctx, messageSelect+` WHERE id = $1`, id))
}

// GetMessageByExternalID supports dedup-by-natural-key for idempotent delivery workers.
func (s *Postgres) GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (Message, error) {
	return scanMessage(s.q.QueryRowContext(ctx, messageSelect+` WHERE conversation_id = $1 AND external_id = $2`,
		conversationID, externalID))
}

// CreateIncomingMessage inserts a received, immutable message; on a duplicate
// external id for the conversation it returns the existing row instead
// (spec §4.6 "operation is a no-op that returns the existing message").
func (s *Postgres) CreateIncomingMessage(ctx context.Context, conversationID, content string, authorID sql.NullString, externalID sql.NullString) (Message, error) {
	if externalID.Valid {
		if existing, err := s.GetMessageByExternalID(ctx, conversationID, externalID.String); err == nil {
			return existing, nil
		} else if err != ErrNotFound {
			return Message{}, err
		}
	}
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Direction:      DirectionIncoming,
		Status:         MessageStatusReceived,
		Content:        content,
		AuthorID:       authorID,
		IsImmutable:    true,
		ExternalID:     externalID,
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO messages
		(id, conversation_id, direction, status, content, author_id, is_immutable, external_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		m.ID, m.ConversationID, m.Direction, m.Status, m.Content, m.AuthorID, m.IsImmutable, m.ExternalID)
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Postgres) CreateOutgoingMessage(ctx context.Context, conversationID, content string, authorID sql.NullString) (Message, error) {
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Direction:      DirectionOutgoing,
		Status:         MessageStatusPending,
		Content:        content,
		AuthorID:       authorID,
		IsImmutable:    false,
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO messages
		(id, conversation_id, direction, status, content, author_id, is_immutable)
		VALUES ($1,$2,$3,$4,$5,$6,false)
		RETURNING created_at, updated_at`,
		m.ID, m.ConversationID, m.Direction, m.Status, m.Content, m.AuthorID)
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}

// TransitionMessageStatus enforces immutability: any message whose current
// status is already received or sent refuses any further status write
// (spec §4.6 Immutability / Status transitions).
func (s *Postgres) TransitionMessageStatus(ctx context.Context, id, newStatus string, sentAt sql.NullTime) error {
	res, err := s.q.ExecContext(ctx, `UPDATE messages SET status=$2, sent_at=$3, is_immutable = ($2 IN ('received','sent')),
		updated_at = now()
		WHERE id=$1 AND status NOT IN ('received','sent')`, id, newStatus, sentAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrImmutable
	}
	return nil
}

func (s *Postgres) IncrementMessageRetry(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE messages SET retry_count = retry_count + 1, updated_at = now()
		WHERE id=$1 AND status NOT IN ('received','sent')`, id)
	return err
}

func (s *Postgres) CreateAttachment(ctx context.Context, att MessageAttachment) (MessageAttachment, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO message_attachments
		(id, message_id, filename, content_type, file_size, file_key)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		att.ID, att.MessageID, att.Filename, att.ContentType, att.FileSize, att.FileKey)
	if err := row.Scan(&att.CreatedAt); err != nil {
		return MessageAttachment{}, err
	}
	return att, nil
}

// GetAttachmentByID resolves the Open Question in spec.md §9: the source's
// deleteAttachment took what the port contract implies is a message id. We
// add the unambiguous lookup and make delete-by-attachment-id the contract.
func (s *Postgres) GetAttachmentByID(ctx context.Context, attachmentID string) (MessageAttachment, error) {
	var a MessageAttachment
	row := s.q.QueryRowContext(ctx, `SELECT id, message_id, filename, content_type, file_size, file_key, created_at
		FROM message_attachments WHERE id = $1`, attachmentID)
	err := row.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.FileSize, &a.FileKey, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (s *Postgres) GetMessageAttachments(ctx context.Context, messageID string) ([]MessageAttachment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, message_id, filename, content_type, file_size, file_key, created_at
		FROM message_attachments WHERE message_id = $1`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageAttachment
	for rows.Next() {
		var a MessageAttachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &a.FileSize, &a.FileKey, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteAttachment(ctx context.Context, attachmentID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM message_attachments WHERE id = $1`, attachmentID)
	return err
}
