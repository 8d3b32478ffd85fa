package automation

import (
	"context"
	"database/sql"
	"time"

	"github.com/oxidesk/oxidesk/internal/conversation"
	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/perm"
	"github.com/oxidesk/oxidesk/internal/store"
)

// Action types are a closed grammar executed via the conversation engine
// under a synthetic system principal (spec §4.7).
const (
	ActionSetPriority   = "set_priority"
	ActionAssignToUser  = "assign_to_user"
	ActionAssignToTeam  = "assign_to_team"
	ActionAddTag        = "add_tag"
	ActionRemoveTag     = "remove_tag"
	ActionChangeStatus  = "change_status"
)

// Action is the recursive-free action grammar: a single operation applied
// to the conversation the triggering event carried.
type Action struct {
	Type           string `json:"type"`
	Priority       string `json:"priority,omitempty"`
	UserID         string `json:"userId,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
	Tag            string `json:"tag,omitempty"`
	Status         string `json:"status,omitempty"`
	SnoozeDuration int64  `json:"snoozeDurationSeconds,omitempty"`
}

// systemPrincipal is the synthetic caller every automation action runs as;
// it carries every gated permission so actions never fail on authorization
// (spec §4.7 "re-validates invariants and permissions using a synthetic
// 'system' principal").
var systemPrincipal = conversation.Principal{UserID: "system", Permissions: perm.System()}

// Execute re-enters the conversation engine to apply the action and returns
// only the error, if any; the event the mutation publishes reaches the
// caller through the bus, where cascade depth is tracked (spec §4.7).
func Execute(ctx context.Context, conv *conversation.Engine, a Action, conversationID string) error {
	switch a.Type {
	case ActionSetPriority:
		if !validPriority(a.Priority) {
			return errs.New(errs.Validation, "set_priority action has an invalid priority")
		}
		_, err := conv.SetPriority(ctx, conversationID, sql.NullString{String: a.Priority, Valid: true})
		return err
	case ActionAssignToUser:
		if a.UserID == "" {
			return errs.New(errs.Validation, "assign_to_user action requires userId")
		}
		_, err := conv.Assign(ctx, systemPrincipal, conversationID, conversation.Assignment{
			AssignedUserID: sql.NullString{String: a.UserID, Valid: true},
		}, nil)
		return err
	case ActionAssignToTeam:
		if a.TeamID == "" {
			return errs.New(errs.Validation, "assign_to_team action requires teamId")
		}
		_, err := conv.Assign(ctx, systemPrincipal, conversationID, conversation.Assignment{
			AssignedTeamID: sql.NullString{String: a.TeamID, Valid: true},
		}, nil)
		return err
	case ActionAddTag:
		if a.Tag == "" {
			return errs.New(errs.Validation, "add_tag action requires tag")
		}
		_, err := conv.AddTag(ctx, conversationID, a.Tag)
		return err
	case ActionRemoveTag:
		if a.Tag == "" {
			return errs.New(errs.Validation, "remove_tag action requires tag")
		}
		_, err := conv.RemoveTag(ctx, conversationID, a.Tag)
		return err
	case ActionChangeStatus:
		var snoozeFor time.Duration
		if a.Status == store.StatusSnoozed {
			if a.SnoozeDuration <= 0 {
				return errs.New(errs.Validation, "change_status to snoozed requires snoozeDurationSeconds")
			}
			snoozeFor = time.Duration(a.SnoozeDuration) * time.Second
		}
		_, err := conv.TransitionStatus(ctx, conversationID, a.Status, snoozeFor)
		return err
	default:
		return errs.New(errs.Validation, "unknown action type")
	}
}

func validPriority(p string) bool {
	switch p {
	case store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
		return true
	default:
		return false
	}
}
