// Package message implements the message engine (C6): ingress from the
// email ingester, egress to the delivery dispatcher, immutability
// enforcement, and @mention notification fan-out.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"time"

	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/perm"
	"github.com/oxidesk/oxidesk/internal/policy"
	"github.com/oxidesk/oxidesk/internal/queue"
	"github.com/oxidesk/oxidesk/internal/store"
)

const maxContentLength = 10000

// MentionResolver turns @username tokens into user ids in one batched
// lookup; the message engine stays agnostic of how usernames map to
// accounts (spec §4.6 "resolves them in one batched lookup").
type MentionResolver interface {
	ResolveMentions(ctx context.Context, usernames []string) (map[string]string, error)
}

// RealtimePusher is implemented by internal/realtime; kept as a narrow
// interface here to avoid importing the transport package from the engine.
type RealtimePusher interface {
	SendToUser(userID string, eventType string, payload any)
}

// Principal mirrors conversation.Principal; duplicated rather than imported
// to keep the message engine's dependency surface independent of the
// conversation package's internal permission wiring.
type Principal struct {
	UserID      string
	Permissions perm.Set
}

type Engine struct {
	store    *store.Postgres
	bus      *eventbus.Bus
	queue    *queue.Queue
	mentions MentionResolver
	realtime RealtimePusher

	contentPolicy *policy.Policy
}

func New(st *store.Postgres, bus *eventbus.Bus, q *queue.Queue, mentions MentionResolver, realtime RealtimePusher) *Engine {
	return &Engine{store: st, bus: bus, queue: q, mentions: mentions, realtime: realtime}
}

// SetContentPolicy installs an outbound content guard -- forbidden phrases,
// redaction patterns, and a max length -- applied to every agent-composed
// reply. Nil (the default) disables the guard.
func (e *Engine) SetContentPolicy(p *policy.Policy) {
	e.contentPolicy = p
}

// CreateIncoming validates the target conversation, resolves/creates the
// message, updates lastMessageAt only, and publishes MessageReceived. A
// duplicate externalID for the conversation is a no-op returning the
// existing message (spec §4.6 Ingress).
func (e *Engine) CreateIncoming(ctx context.Context, conversationID, content string, authorID sql.NullString, externalID sql.NullString) (store.Message, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Message{}, errs.Wrap(errs.NotFound, "conversation not found", err)
	}
	if conv.Status == store.StatusClosed {
		return store.Message{}, errs.New(errs.Immutable, "cannot add messages to a closed conversation")
	}
	if err := validateContent(content); err != nil {
		return store.Message{}, err
	}

	msg, err := e.store.CreateIncomingMessage(ctx, conversationID, content, authorID, externalID)
	if err != nil {
		return store.Message{}, errs.Wrap(errs.Fatal, "create incoming message", err)
	}
	if err := e.store.UpdateConversationMessageTimestamps(ctx, conversationID, false); err != nil {
		return store.Message{}, errs.Wrap(errs.Fatal, "update conversation timestamps", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.MessageReceived, Payload: msg})
	return msg, nil
}

// SendMessage is the egress path: permission-gated, enqueues a delivery job
// keyed by message id, updates lastMessageAt/lastReplyAt, and resolves
// @mentions into best-effort notifications (spec §4.6 Egress).
func (e *Engine) SendMessage(ctx context.Context, by Principal, conversationID, content string, isParticipant bool) (store.Message, error) {
	if !isParticipant && !by.Permissions.Has(perm.MessagesWrite) {
		return store.Message{}, errs.New(errs.Forbidden, "missing messages:write")
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Message{}, errs.Wrap(errs.NotFound, "conversation not found", err)
	}
	if conv.Status == store.StatusClosed {
		return store.Message{}, errs.New(errs.Immutable, "cannot send messages on a closed conversation")
	}
	if err := validateContent(content); err != nil {
		return store.Message{}, err
	}

	if e.contentPolicy != nil {
		redacted, result := policy.Evaluate(content, *e.contentPolicy)
		if !result.Allowed {
			return store.Message{}, errs.New(errs.Validation, "content policy violation: "+result.Reason)
		}
		content = redacted
	}

	authorID := sql.NullString{}
	if by.UserID != "" {
		authorID = sql.NullString{String: by.UserID, Valid: true}
	}
	msg, err := e.store.CreateOutgoingMessage(ctx, conversationID, content, authorID)
	if err != nil {
		return store.Message{}, errs.Wrap(errs.Fatal, "create outgoing message", err)
	}

	payload, _ := json.Marshal(map[string]string{"messageId": msg.ID})
	if _, err := e.queue.Enqueue(ctx, store.JobTypeSendMessage, payload); err != nil {
		return store.Message{}, errs.Wrap(errs.Fatal, "enqueue delivery job", err)
	}

	if err := e.store.UpdateConversationMessageTimestamps(ctx, conversationID, true); err != nil {
		return store.Message{}, errs.Wrap(errs.Fatal, "update conversation timestamps", err)
	}

	e.notifyMentions(ctx, msg, conversationID, by.UserID)
	return msg, nil
}

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_.\-]+)`)

// ExtractMentions returns the distinct usernames mentioned in content,
// preserving first-occurrence order.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (e *Engine) notifyMentions(ctx context.Context, msg store.Message, conversationID, actorID string) {
	if e.mentions == nil {
		return
	}
	usernames := ExtractMentions(msg.Content)
	if len(usernames) == 0 {
		return
	}
	resolved, err := e.mentions.ResolveMentions(ctx, usernames)
	if err != nil {
		return
	}
	for _, userID := range resolved {
		if userID == "" || userID == actorID {
			continue
		}
		n, err := e.store.CreateNotification(ctx, store.Notification{
			UserID:         userID,
			Type:           store.NotificationMention,
			ConversationID: sql.NullString{String: conversationID, Valid: true},
			MessageID:      sql.NullString{String: msg.ID, Valid: true},
			ActorID:        sql.NullString{String: actorID, Valid: actorID != ""},
		})
		if err != nil {
			continue
		}
		if e.realtime != nil {
			e.realtime.SendToUser(userID, "notification", n)
		}
	}
}

// MarkSent transitions a message to sent, terminal and immutable from then
// on (spec §4.6 status transitions, §4.11 delivery success path).
func (e *Engine) MarkSent(ctx context.Context, messageID string) error {
	if err := e.store.TransitionMessageStatus(ctx, messageID, store.MessageStatusSent, sql.NullTime{Time: time.Now(), Valid: true}); err != nil {
		if err == store.ErrImmutable {
			return errs.New(errs.Immutable, "message is not pending")
		}
		return errs.Wrap(errs.Fatal, "mark message sent", err)
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err == nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.MessageSent, Payload: msg})
	}
	return nil
}

// MarkFailed transitions a message to its terminal failed state (spec §4.11
// permanent failure path).
func (e *Engine) MarkFailed(ctx context.Context, messageID string) error {
	if err := e.store.TransitionMessageStatus(ctx, messageID, store.MessageStatusFailed, sql.NullTime{}); err != nil {
		if err == store.ErrImmutable {
			return errs.New(errs.Immutable, "message is not pending")
		}
		return errs.Wrap(errs.Fatal, "mark message failed", err)
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err == nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.MessageFailed, Payload: msg})
	}
	return nil
}

// RetryFailed moves a failed message back to pending so the delivery
// dispatcher can re-attempt it (spec §4.6 failed -> pending).
func (e *Engine) RetryFailed(ctx context.Context, messageID string) error {
	err := e.store.TransitionMessageStatus(ctx, messageID, store.MessageStatusPending, sql.NullTime{})
	if err == store.ErrImmutable {
		return errs.New(errs.Immutable, "message is not failed")
	}
	if err != nil {
		return errs.Wrap(errs.Fatal, "retry failed message", err)
	}
	return e.store.IncrementMessageRetry(ctx, messageID)
}

func validateContent(content string) error {
	if len(content) == 0 {
		return errs.New(errs.Validation, "content must not be empty")
	}
	if len(content) > maxContentLength {
		return errs.New(errs.Validation, "content exceeds maximum length")
	}
	return nil
}
