// Package conversation implements the conversation engine (C5): the state
// machine, creation, assignment, tagging, and priority operations that
// every other core component re-enters to mutate a conversation.
package conversation

import (
	"context"
	"database/sql"
	"time"

	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/perm"
	"github.com/oxidesk/oxidesk/internal/store"
)

const maxOptimisticRetries = 3

// Engine is the conversation engine. Construct with New.
type Engine struct {
	store *store.Postgres
	bus   *eventbus.Bus
	now   func() time.Time
}

func New(st *store.Postgres, bus *eventbus.Bus) *Engine {
	return &Engine{store: st, bus: bus, now: time.Now}
}

// Principal is the caller context the engine checks permissions against.
// perm.System() is used when the automation engine re-enters (spec §4.7).
type Principal struct {
	UserID      string
	Permissions perm.Set
}

// allowedTransitions enumerates the conversation state machine (spec §4.5).
// Reflexive transitions are permitted for every state. Closed is terminal:
// Closed -> Closed is the only transition it accepts.
var allowedTransitions = map[string]map[string]bool{
	store.StatusOpen: {
		store.StatusOpen:     true,
		store.StatusSnoozed:  true,
		store.StatusResolved: true,
	},
	store.StatusSnoozed: {
		store.StatusSnoozed: true,
		store.StatusOpen:    true,
	},
	store.StatusResolved: {
		store.StatusResolved: true,
		store.StatusOpen:     true,
	},
	store.StatusClosed: {
		store.StatusClosed: true,
	},
}

// Create assigns the next reference number and initial Open status,
// rejecting an empty contactId (spec §4.5 Creation cardinality invariant).
func (e *Engine) Create(ctx context.Context, inboxID, contactID string, subject sql.NullString) (store.Conversation, error) {
	if contactID == "" {
		return store.Conversation{}, errs.New(errs.Validation, "contactId is required")
	}
	conv, err := e.store.CreateConversation(ctx, inboxID, contactID, subject)
	if err != nil {
		return store.Conversation{}, errs.Wrap(errs.Fatal, "create conversation", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.ConversationCreated, Payload: conv})
	return conv, nil
}

// TransitionStatus validates the requested transition against the state
// machine, applies the status-specific side effects, and retries on
// optimistic conflict up to maxOptimisticRetries times (spec §4.5).
func (e *Engine) TransitionStatus(ctx context.Context, conversationID, newStatus string, snoozeDuration time.Duration) (store.Conversation, error) {
	var result store.Conversation
	err := e.retryOnConflict(ctx, func() error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return errs.Wrap(errs.NotFound, "conversation not found", err)
		}
		if conv.Status == store.StatusClosed && newStatus != store.StatusClosed {
			return errs.New(errs.Immutable, "closed conversations cannot transition")
		}
		allowed, ok := allowedTransitions[conv.Status]
		if !ok || !allowed[newStatus] {
			return errs.New(errs.Validation, "transition "+conv.Status+" -> "+newStatus+" is not permitted")
		}

		upd := store.ConversationStatusUpdate{
			Status:       newStatus,
			ResolvedAt:   conv.ResolvedAt,
			ClosedAt:     conv.ClosedAt,
			SnoozedUntil: conv.SnoozedUntil,
		}
		switch {
		case newStatus == store.StatusSnoozed:
			if snoozeDuration <= 0 {
				return errs.New(errs.Validation, "snoozeDuration must be positive")
			}
			upd.SnoozedUntil = sql.NullTime{Time: e.now().Add(snoozeDuration), Valid: true}
		case conv.Status == store.StatusOpen && newStatus == store.StatusResolved:
			upd.ResolvedAt = sql.NullTime{Time: e.now(), Valid: true}
		case conv.Status == store.StatusResolved && newStatus == store.StatusOpen:
			upd.ResolvedAt = sql.NullTime{}
		}

		if err := e.store.UpdateConversationStatus(ctx, conversationID, conv.Version, upd); err != nil {
			return err
		}
		conv.Status = newStatus
		conv.ResolvedAt = upd.ResolvedAt
		conv.SnoozedUntil = upd.SnoozedUntil
		conv.Version++
		result = conv
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.ConversationStatusChanged, Payload: result})
	return result, nil
}

// Assignment describes the requested user/team assignment (spec §4.5
// Assignment). Both fields are written as given, so a field left unset
// clears that side of the assignment.
type Assignment struct {
	AssignedUserID sql.NullString
	AssignedTeamID sql.NullString
}

// AssignmentNotifier is implemented by the notification path so the engine
// can enqueue an assignment notification without importing it directly.
type AssignmentNotifier interface {
	NotifyAssignment(ctx context.Context, userID, conversationID, actorID string) error
}

// Assign applies a user/team assignment gated by the permission matrix in
// spec §4.5, appends AssignmentHistory, and emits ConversationAssigned or
// ConversationUnassigned -- the latter only when neither a user nor a team
// is set in the new state.
func (e *Engine) Assign(ctx context.Context, by Principal, conversationID string, next Assignment, notifier AssignmentNotifier) (store.Conversation, error) {
	if err := e.checkAssignmentPermission(by, next); err != nil {
		return store.Conversation{}, err
	}

	action := "assigned"
	if !next.AssignedUserID.Valid && !next.AssignedTeamID.Valid {
		action = "unassigned"
	}

	var result store.Conversation
	err := e.retryOnConflict(ctx, func() error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return errs.Wrap(errs.NotFound, "conversation not found", err)
		}
		assignment := store.ConversationAssignment{
			AssignedUserID: next.AssignedUserID,
			AssignedTeamID: next.AssignedTeamID,
			AssignedBy:     by.UserID,
			Action:         action,
		}
		if err := e.store.AssignConversation(ctx, conversationID, conv.Version, assignment); err != nil {
			return err
		}
		conv.AssignedUserID = next.AssignedUserID
		conv.AssignedTeamID = next.AssignedTeamID
		conv.Version++
		result = conv
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}

	evtType := eventbus.ConversationAssigned
	if action == "unassigned" {
		evtType = eventbus.ConversationUnassigned
	}
	e.bus.Publish(eventbus.Event{Type: evtType, Payload: result})

	if action == "assigned" && next.AssignedUserID.Valid && notifier != nil {
		_ = notifier.NotifyAssignment(ctx, next.AssignedUserID.String, conversationID, by.UserID)
	}
	return result, nil
}

func (e *Engine) checkAssignmentPermission(by Principal, next Assignment) error {
	switch {
	case next.AssignedTeamID.Valid:
		if !by.Permissions.Has(perm.ConversationsUpdateTeamAssign) {
			return errs.New(errs.Forbidden, "missing conversations:update_team_assignee")
		}
	case next.AssignedUserID.Valid:
		if next.AssignedUserID.String == by.UserID {
			if !by.Permissions.Has(perm.ConversationsSelfAssign) {
				return errs.New(errs.Forbidden, "missing conversations:self_assign")
			}
		} else if !by.Permissions.Has(perm.ConversationsUpdateUserAssign) {
			return errs.New(errs.Forbidden, "missing conversations:update_user_assignee")
		}
	default:
		if !by.Permissions.Has(perm.ConversationsUpdateUserAssign) && !by.Permissions.Has(perm.ConversationsUpdateTeamAssign) {
			return errs.New(errs.Forbidden, "missing conversations:update_user_assignee or :update_team_assignee")
		}
	}
	return nil
}

// ReplaceTags computes the added/removed diff against the current tags and
// writes the final set in one storage call, emitting ConversationTagsChanged
// with both lists for CDC/automation consumers (spec §4.5 Tagging).
func (e *Engine) ReplaceTags(ctx context.Context, conversationID string, newTags []string) (store.Conversation, error) {
	var result store.Conversation
	var added, removed []string
	err := e.retryOnConflict(ctx, func() error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return errs.Wrap(errs.NotFound, "conversation not found", err)
		}
		added, removed = diffTags(conv.Tags, newTags)
		if err := e.store.ReplaceConversationTags(ctx, conversationID, conv.Version, newTags); err != nil {
			return err
		}
		conv.Tags = newTags
		conv.Version++
		result = conv
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.ConversationTagsChanged, Payload: map[string]any{
		"conversation": result, "added": added, "removed": removed,
	}})
	return result, nil
}

func (e *Engine) AddTag(ctx context.Context, conversationID, tag string) (store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, errs.Wrap(errs.NotFound, "conversation not found", err)
	}
	if containsTag(conv.Tags, tag) {
		return conv, nil
	}
	return e.ReplaceTags(ctx, conversationID, append(append([]string{}, conv.Tags...), tag))
}

func (e *Engine) RemoveTag(ctx context.Context, conversationID, tag string) (store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, errs.Wrap(errs.NotFound, "conversation not found", err)
	}
	if !containsTag(conv.Tags, tag) {
		return conv, nil
	}
	next := make([]string, 0, len(conv.Tags))
	for _, t := range conv.Tags {
		if t != tag {
			next = append(next, t)
		}
	}
	return e.ReplaceTags(ctx, conversationID, next)
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func diffTags(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, t := range before {
		beforeSet[t] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, t := range after {
		afterSet[t] = struct{}{}
	}
	for t := range afterSet {
		if _, ok := beforeSet[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range beforeSet {
		if _, ok := afterSet[t]; !ok {
			removed = append(removed, t)
		}
	}
	return added, removed
}

// SetPriority sets the nullable priority enum, emitting
// ConversationPriorityChanged (spec §4.5 Priority).
func (e *Engine) SetPriority(ctx context.Context, conversationID string, priority sql.NullString) (store.Conversation, error) {
	if priority.Valid {
		switch priority.String {
		case store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
		default:
			return store.Conversation{}, errs.New(errs.Validation, "priority must be Low, Medium, or High")
		}
	}
	var result store.Conversation
	err := e.retryOnConflict(ctx, func() error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return errs.Wrap(errs.NotFound, "conversation not found", err)
		}
		if err := e.store.UpdateConversationPriority(ctx, conversationID, conv.Version, priority); err != nil {
			return err
		}
		conv.Priority = priority
		conv.Version++
		result = conv
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.ConversationPriorityChanged, Payload: result})
	return result, nil
}

// retryOnConflict runs fn, retrying up to maxOptimisticRetries times when it
// fails with store.ErrOptimisticConflict, surfacing the conflict as a
// tagged, retryable error once retries are exhausted (spec §4.5 Concurrency).
func (e *Engine) retryOnConflict(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxOptimisticRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if err != store.ErrOptimisticConflict {
			return err
		}
		lastErr = err
	}
	return errs.Wrap(errs.OptimisticConflict, "exceeded retry budget for conflicting writes", lastErr)
}
