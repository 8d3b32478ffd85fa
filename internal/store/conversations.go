package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

// CreateConversation assigns the next reference number from the monotonic
// sequence and inserts an Open conversation (spec §4.5 Creation).
func (s *Postgres) CreateConversation(ctx context.Context, inboxID, contactID string, subject sql.NullString) (Conversation, error) {
	c := Conversation{
		ID:        uuid.NewString(),
		InboxID:   inboxID,
		ContactID: contactID,
		Subject:   subject,
		Status:    StatusOpen,
		Tags:      []string{},
		Version:   1,
	}
	row := s.q.QueryRowContext(ctx, `INSERT INTO conversations (id, inbox_id, contact_id, subject, status, tags, version)
		VALUES ($1,$2,$3,$4,$5,'[]',1)
		RETURNING reference_number, created_at, updated_at`, c.ID, c.InboxID, c.ContactID, c.Subject, c.Status)
	if err := row.Scan(&c.ReferenceNumber, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (Conversation, error) {
	return s.scanConversation(s.q.QueryRowContext(ctx, conversationSelect+` WHERE id = $1`, id))
}

func (s *Postgres) GetConversationByReference(ctx context.Context, inboxID string, referenceNumber int64) (Conversation, error) {
	return s.scanConversation(s.q.QueryRowContext(ctx,
		conversationSelect+` WHERE inbox_id = $1 AND reference_number = $2`, inboxID, referenceNumber))
}

const conversationSelect = `SELECT id, reference_number, status, inbox_id, contact_id, subject, resolved_at, closed_at,
	snoozed_until, assigned_user_id, assigned_team_id, assigned_at, assigned_by, priority, tags, version, created_at, updated_at
	FROM conversations`

func (s *Postgres) scanConversation(row *sql.Row) (Conversation, error) {
	var c Conversation
	var tagsJSON []byte
	err := row.Scan(&c.ID, &c.ReferenceNumber, &c.Status, &c.InboxID, &c.ContactID, &c.Subject, &c.ResolvedAt, &c.ClosedAt,
		&c.SnoozedUntil, &c.AssignedUserID, &c.AssignedTeamID, &c.AssignedAt, &c.AssignedBy, &c.Priority, &tagsJSON,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	_ = json.Unmarshal(tagsJSON, &c.Tags)
	return c, nil
}

// ConversationStatusUpdate carries the fields a status transition touches;
// resolvedAt/closedAt/snoozedUntil are explicit so the engine decides their
// values per the state machine's side effects (spec §4.5).
type ConversationStatusUpdate struct {
	Status       string
	ResolvedAt   sql.NullTime
	ClosedAt     sql.NullTime
	SnoozedUntil sql.NullTime
}

// UpdateConversationStatus applies a conditional (version-checked) status
// transition, returning ErrOptimisticConflict if the version is stale.
func (s *Postgres) UpdateConversationStatus(ctx context.Context, id string, expectedVersion int64, upd ConversationStatusUpdate) error {
	res, err := s.q.ExecContext(ctx, `UPDATE conversations SET status=$3, resolved_at=$4, closed_at=$5, snoozed_until=$6,
		version = version + 1, updated_at = now()
		WHERE id=$1 AND version=$2`,
		id, expectedVersion, upd.Status, upd.ResolvedAt, upd.ClosedAt, upd.SnoozedUntil)
	return checkSingleRowUpdate(res, err)
}

// UpdateConversationPriority sets the nullable priority under optimistic concurrency.
func (s *Postgres) UpdateConversationPriority(ctx context.Context, id string, expectedVersion int64, priority sql.NullString) error {
	res, err := s.q.ExecContext(ctx, `UPDATE conversations SET priority=$3, version = version + 1, updated_at = now()
		WHERE id=$1 AND version=$2`, id, expectedVersion, priority)
	return checkSingleRowUpdate(res, err)
}

// ConversationAssignment carries the new assignment state written atomically
// alongside its AssignmentHistory row (spec §4.5 Assignment).
type ConversationAssignment struct {
	AssignedUserID sql.NullString
	AssignedTeamID sql.NullString
	AssignedBy     string
	Action         string // assigned | unassigned
}

// AssignConversation writes the new assignment and appends history in one
// transaction, under optimistic concurrency on the conversation row.
func (s *Postgres) AssignConversation(ctx context.Context, id string, expectedVersion int64, assignment ConversationAssignment) error {
	return s.WithTx(ctx, func(scoped *Postgres) error {
		res, err := scoped.q.ExecContext(ctx, `UPDATE conversations SET assigned_user_id=$3, assigned_team_id=$4,
			assigned_at=now(), assigned_by=$5, version = version + 1, updated_at = now()
			WHERE id=$1 AND version=$2`,
			id, expectedVersion, assignment.AssignedUserID, assignment.AssignedTeamID, assignment.AssignedBy)
		if err := checkSingleRowUpdate(res, err); err != nil {
			return err
		}
		_, err = scoped.q.ExecContext(ctx, `INSERT INTO assignment_history
			(id, conversation_id, assigned_user_id, assigned_team_id, assigned_by, action)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			uuid.NewString(), id, assignment.AssignedUserID, assignment.AssignedTeamID, assignment.AssignedBy, assignment.Action)
		return err
	})
}

// ReplaceConversationTags computes nothing itself; callers pass the final
// tag set and this writes it in a single storage call (spec §4.1, §4.5).
func (s *Postgres) ReplaceConversationTags(ctx context.Context, id string, expectedVersion int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `UPDATE conversations SET tags=$3, version = version + 1, updated_at = now()
		WHERE id=$1 AND version=$2`, id, expectedVersion, tagsJSON)
	return checkSingleRowUpdate(res, err)
}

// UpdateConversationMessageTimestamps bumps last_message_at (and last_reply_at
// when the message was outgoing) without touching the optimistic version --
// this is bookkeeping, not a business-state mutation (spec §4.6).
func (s *Postgres) UpdateConversationMessageTimestamps(ctx context.Context, id string, touchLastReply bool) error {
	if touchLastReply {
		_, err := s.q.ExecContext(ctx, `UPDATE conversations SET last_message_at = now(), last_reply_at = now() WHERE id = $1`, id)
		return err
	}
	_, err := s.q.ExecContext(ctx, `UPDATE conversations SET last_message_at = now() WHERE id = $1`, id)
	return err
}

func (s *Postgres) ListConversationsByAssignee(ctx context.Context, userID string, statuses []string) ([]Conversation, error) {
	rows, err := s.q.QueryContext(ctx, conversationSelect+` WHERE assigned_user_id = $1 AND status = ANY($2)`, userID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		c, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConversationRow(rows *sql.Rows) (Conversation, error) {
	var c Conversation
	var tagsJSON []byte
	err := rows.Scan(&c.ID, &c.ReferenceNumber, &c.Status, &c.InboxID, &c.ContactID, &c.Subject, &c.ResolvedAt, &c.ClosedAt,
		&c.SnoozedUntil, &c.AssignedUserID, &c.AssignedTeamID, &c.AssignedAt, &c.AssignedBy, &c.Priority, &tagsJSON,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	_ = json.Unmarshal(tagsJSON, &c.Tags)
	return c, nil
}

// AutoUnassignAgent clears the user assignment (keeping team assignment) on
// every Open/Snoozed conversation assigned to agentID, recording history for
// each, in one bulk operation (spec §4.9 awayAndReassigning).
func (s *Postgres) AutoUnassignAgent(ctx context.Context, agentID string) ([]Conversation, error) {
	var affected []Conversation
	err := s.WithTx(ctx, func(scoped *Postgres) error {
		rows, err := scoped.q.QueryContext(ctx, conversationSelect+
			` WHERE assigned_user_id = $1 AND status IN ('open','snoozed') FOR UPDATE`, agentID)
		if err != nil {
			return err
		}
		var targets []Conversation
		for rows.Next() {
			c, err := scanConversationRow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range targets {
			res, err := scoped.q.ExecContext(ctx, `UPDATE conversations SET assigned_user_id = NULL,
				version = version + 1, updated_at = now() WHERE id = $1 AND version = $2`, c.ID, c.Version)
			if err := checkSingleRowUpdate(res, err); err != nil {
				return err
			}
			_, err = scoped.q.ExecContext(ctx, `INSERT INTO assignment_history
				(id, conversation_id, assigned_user_id, assigned_team_id, assigned_by, action)
				VALUES ($1,$2,NULL,$3,$4,'unassigned')`,
				uuid.NewString(), c.ID, c.AssignedTeamID, agentID)
			if err != nil {
				return err
			}
			c.AssignedUserID = sql.NullString{}
			c.Version++
			affected = append(affected, c)
		}
		return nil
	})
	return affected, err
}

func checkSingleRowUpdate(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOptimisticConflict
	}
	return nil
}
