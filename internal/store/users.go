package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
)

func (s *Postgres) CreateUser(ctx context.Context, email, userType string) (User, error) {
	u := User{ID: uuid.NewString(), Email: strings.ToLower(email), Type: userType}
	_, err := s.q.ExecContext(ctx, `INSERT INTO users (id, email, type) VALUES ($1,$2,$3)`, u.ID, u.Email, u.Type)
	return u, err
}

func (s *Postgres) GetUserByEmailAndType(ctx context.Context, email, userType string) (User, error) {
	var u User
	row := s.q.QueryRowContext(ctx, `SELECT id, email, type, created_at, updated_at, deleted_at, deleted_by
		FROM users WHERE lower(email) = lower($1) AND type = $2 AND deleted_at IS NULL`, email, userType)
	err := row.Scan(&u.ID, &u.Email, &u.Type, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt, &u.DeletedBy)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (s *Postgres) SoftDeleteUser(ctx context.Context, userID, deletedBy string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE users SET deleted_at = now(), deleted_by = $2 WHERE id = $1`, userID, deletedBy)
	return err
}

func (s *Postgres) CreateAgent(ctx context.Context, agent Agent) (Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Availability == "" {
		agent.Availability = AvailabilityOffline
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO agents (id, user_id, first_name, last_name, password_hash, availability)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		agent.ID, agent.UserID, agent.FirstName, agent.LastName, agent.PasswordHash, agent.Availability)
	return agent, err
}

func (s *Postgres) GetAgentByUserID(ctx context.Context, userID string) (Agent, error) {
	var a Agent
	row := s.q.QueryRowContext(ctx, `SELECT id, user_id, first_name, last_name, password_hash, availability,
		last_login_at, last_activity_at, away_since, api_key, api_secret_hash FROM agents WHERE user_id = $1`, userID)
	err := row.Scan(&a.ID, &a.UserID, &a.FirstName, &a.LastName, &a.PasswordHash, &a.Availability,
		&a.LastLoginAt, &a.LastActivityAt, &a.AwaySince, &a.APIKey, &a.APISecretHash)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (s *Postgres) SetAgentAvailability(ctx context.Context, agentID, availability string, awaySince sql.NullTime) error {
	_, err := s.q.ExecContext(ctx, `UPDATE agents SET availability = $2, away_since = $3 WHERE id = $1`,
		agentID, availability, awaySince)
	return err
}

func (s *Postgres) TouchAgentActivity(ctx context.Context, agentID string, at sql.NullTime) error {
	_, err := s.q.ExecContext(ctx, `UPDATE agents SET last_activity_at = $2 WHERE id = $1`, agentID, at)
	return err
}

func (s *Postgres) SetAgentLastLogin(ctx context.Context, agentID string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE agents SET last_login_at = now() WHERE id = $1`, agentID)
	return err
}

// ListAgentsByAvailability returns agents currently in the given state, for sweepers.
func (s *Postgres) ListAgentsByAvailability(ctx context.Context, availability string) ([]Agent, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, user_id, first_name, last_name, password_hash, availability,
		last_login_at, last_activity_at, away_since, api_key, api_secret_hash FROM agents WHERE availability = $1`, availability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.UserID, &a.FirstName, &a.LastName, &a.PasswordHash, &a.Availability,
			&a.LastLoginAt, &a.LastActivityAt, &a.AwaySince, &a.APIKey, &a.APISecretHash); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateContact(ctx context.Context, userID string, firstName sql.NullString) (Contact, error) {
	c := Contact{ID: uuid.NewString(), UserID: userID, FirstName: firstName}
	_, err := s.q.ExecContext(ctx, `INSERT INTO contacts (id, user_id, first_name) VALUES ($1,$2,$3)`, c.ID, c.UserID, c.FirstName)
	return c, err
}

func (s *Postgres) CreateContactChannel(ctx context.Context, contactID, inboxID, email string) (ContactChannel, error) {
	ch := ContactChannel{ID: uuid.NewString(), ContactID: contactID, InboxID: inboxID, Email: strings.ToLower(email)}
	_, err := s.q.ExecContext(ctx, `INSERT INTO contact_channels (id, contact_id, inbox_id, email) VALUES ($1,$2,$3,$4)`,
		ch.ID, ch.ContactID, ch.InboxID, ch.Email)
	return ch, err
}

// ResolveContactByChannel looks up a contact via (inboxId, email); returns ErrNotFound if absent.
func (s *Postgres) ResolveContactByChannel(ctx context.Context, inboxID, email string) (Contact, error) {
	var c Contact
	row := s.q.QueryRowContext(ctx, `SELECT c.id, c.user_id, c.first_name FROM contacts c
		JOIN contact_channels ch ON ch.contact_id = c.id
		WHERE ch.inbox_id = $1 AND lower(ch.email) = lower($2)`, inboxID, email)
	err := row.Scan(&c.ID, &c.UserID, &c.FirstName)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// EnsureContact resolves an existing contact by channel, or atomically creates
// User{type=contact}+Contact+ContactChannel in one storage call (spec §4.10.d).
func (s *Postgres) EnsureContact(ctx context.Context, inboxID, email, displayName string) (Contact, error) {
	if existing, err := s.ResolveContactByChannel(ctx, inboxID, email); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return Contact{}, err
	}

	var contact Contact
	err := s.WithTx(ctx, func(scoped *Postgres) error {
		user, err := scoped.CreateUser(ctx, email, UserTypeContact)
		if err != nil {
			return err
		}
		var firstName sql.NullString
		if displayName != "" {
			firstName = sql.NullString{String: displayName, Valid: true}
		}
		contact, err = scoped.CreateContact(ctx, user.ID, firstName)
		if err != nil {
			return err
		}
		_, err = scoped.CreateContactChannel(ctx, contact.ID, inboxID, email)
		return err
	})
	return contact, err
}

// GetContactChannelEmail resolves the address a contact is known by on a
// given inbox -- the delivery dispatcher's reverse lookup of EnsureContact,
// needed to address the outbound SMTP envelope (spec §4.11 Egress).
func (s *Postgres) GetContactChannelEmail(ctx context.Context, contactID, inboxID string) (string, error) {
	var email string
	row := s.q.QueryRowContext(ctx, `SELECT email FROM contact_channels WHERE contact_id = $1 AND inbox_id = $2`,
		contactID, inboxID)
	err := row.Scan(&email)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return email, err
}

// ResolveAgentsByUsername batch-resolves @mention usernames to user ids. An
// agent's username is the local part of their login email (no separate
// username column exists), so "@jane" matches jane@example.com the same
// way EnsureContact already keys contacts off email addresses.
func (s *Postgres) ResolveAgentsByUsername(ctx context.Context, usernames []string) (map[string]string, error) {
	if len(usernames) == 0 {
		return map[string]string{}, nil
	}
	lowered := make([]string, len(usernames))
	for i, u := range usernames {
		lowered[i] = strings.ToLower(u)
	}
	rows, err := s.q.QueryContext(ctx, `SELECT u.id, split_part(lower(u.email), '@', 1) AS username
		FROM users u JOIN agents a ON a.user_id = u.id
		WHERE u.type = $1 AND u.deleted_at IS NULL AND split_part(lower(u.email), '@', 1) = ANY($2)`,
		UserTypeAgent, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string, len(usernames))
	for rows.Next() {
		var id, username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, err
		}
		out[username] = id
	}
	return out, rows.Err()
}

func (s *Postgres) CreateInbox(ctx context.Context, name, channelType string) (Inbox, error) {
	ib := Inbox{ID: uuid.NewString(), Name: name, ChannelType: channelType}
	_, err := s.q.ExecContext(ctx, `INSERT INTO inboxes (id, name, channel_type) VALUES ($1,$2,$3)`, ib.ID, ib.Name, ib.ChannelType)
	return ib, err
}

func (s *Postgres) ListInboxes(ctx context.Context) ([]Inbox, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, channel_type, deleted_at, deleted_by FROM inboxes WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Inbox
	for rows.Next() {
		var ib Inbox
		if err := rows.Scan(&ib.ID, &ib.Name, &ib.ChannelType, &ib.DeletedAt, &ib.DeletedBy); err != nil {
			return nil, err
		}
		out = append(out, ib)
	}
	return out, rows.Err()
}
