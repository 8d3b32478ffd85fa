// Package automation implements the automation engine (C7): rules
// subscribed to core events, a pure condition evaluator, and an action
// executor that re-enters the conversation engine under cascade-depth
// protection.
package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxidesk/oxidesk/internal/conversation"
	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/metrics"
	"github.com/oxidesk/oxidesk/internal/store"
)

const (
	defaultCascadeMaxDepth  = 3
	defaultConditionTimeout = 5 * time.Second
	defaultActionTimeout    = 10 * time.Second
)

// Engine evaluates automation rules against core events. Construct with New.
type Engine struct {
	store *store.Postgres
	bus   *eventbus.Bus
	conv  *conversation.Engine
	log   *slog.Logger
	now   func() time.Time

	cascadeMaxDepth  int
	conditionTimeout time.Duration
	actionTimeout    time.Duration

	mu             sync.Mutex
	pendingCascade map[string][]int // conversationID -> FIFO queue of depths, one per action-triggered event still in flight
}

type Option func(*Engine)

func WithCascadeMaxDepth(n int) Option {
	return func(e *Engine) { e.cascadeMaxDepth = n }
}

func WithConditionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.conditionTimeout = d }
}

func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

func New(st *store.Postgres, bus *eventbus.Bus, conv *conversation.Engine, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		bus:              bus,
		conv:             conv,
		log:              log,
		now:              time.Now,
		cascadeMaxDepth:  defaultCascadeMaxDepth,
		conditionTimeout: defaultConditionTimeout,
		actionTimeout:    defaultActionTimeout,
		pendingCascade:   make(map[string][]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRule validates the condition/action payloads against their schemas
// before persisting the rule (spec §4.7 "validated at create-time").
func (e *Engine) CreateRule(ctx context.Context, r store.AutomationRule) (store.AutomationRule, error) {
	if err := ValidateCondition(r.Condition); err != nil {
		return store.AutomationRule{}, errs.Wrap(errs.Validation, "invalid condition", err)
	}
	if err := ValidateAction(r.Action); err != nil {
		return store.AutomationRule{}, errs.Wrap(errs.Validation, "invalid action", err)
	}
	created, err := e.store.CreateAutomationRule(ctx, r)
	if err != nil {
		return store.AutomationRule{}, errs.Wrap(errs.Fatal, "create automation rule", err)
	}
	return created, nil
}

// Run subscribes to the event bus and evaluates rules until ctx is
// cancelled. Intended to run on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	sub := e.bus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			e.handleEvent(ctx, evt)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt eventbus.Event) {
	conversationID, ok := conversationIDFromPayload(evt.Payload)
	if !ok {
		return
	}

	depth := 0
	e.mu.Lock()
	if queue := e.pendingCascade[conversationID]; len(queue) > 0 {
		depth = queue[0]
		if len(queue) == 1 {
			delete(e.pendingCascade, conversationID)
		} else {
			e.pendingCascade[conversationID] = queue[1:]
		}
	}
	e.mu.Unlock()

	if depth > e.cascadeMaxDepth {
		e.log.Warn("automation cascade depth exceeded, skipping", "conversationId", conversationID, "depth", depth)
		return
	}

	if err := e.evaluateRulesForEvent(ctx, evt.Type, conversationID, depth); err != nil {
		e.log.Error("automation rule evaluation failed", "eventType", evt.Type, "conversationId", conversationID, "error", err)
	}
}

func (e *Engine) evaluateRulesForEvent(ctx context.Context, eventType, conversationID string, cascadeDepth int) error {
	rules, err := e.store.ListEnabledRulesForEvent(ctx, eventType)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	for _, rule := range rules {
		e.evaluateRule(ctx, rule, eventType, conv, cascadeDepth)
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule store.AutomationRule, eventType string, conv store.Conversation, cascadeDepth int) {
	start := e.now()
	log := store.RuleEvaluationLog{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		EventType:      eventType,
		ConversationID: sql.NullString{String: conv.ID, Valid: true},
		CascadeDepth:   cascadeDepth,
	}
	defer func() {
		log.EvaluationTimeMs = e.now().Sub(start).Milliseconds()
		if err := e.store.CreateRuleEvaluationLog(ctx, log); err != nil {
			e.log.Error("failed to write rule evaluation log", "ruleId", rule.ID, "error", err)
		}
		if log.ActionResult != "" {
			metrics.AutomationEvaluations.WithLabelValues(log.ActionResult).Inc()
		}
	}()

	var cond Condition
	if err := json.Unmarshal(rule.Condition, &cond); err != nil {
		log.ConditionResult = "error"
		log.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		return
	}

	matched, err := e.evaluateWithTimeout(cond, conv)
	if err != nil {
		log.ConditionResult = "error"
		log.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		return
	}
	log.Matched = matched
	if !matched {
		log.ConditionResult = "false"
		return
	}
	log.ConditionResult = "true"

	if cascadeDepth > e.cascadeMaxDepth {
		log.ActionExecuted = false
		log.ActionResult = "skipped"
		log.ErrorMessage = sql.NullString{String: "cascade depth exceeded", Valid: true}
		return
	}

	var action Action
	if err := json.Unmarshal(rule.Action, &action); err != nil {
		log.ActionExecuted = false
		log.ActionResult = "error"
		log.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		return
	}

	// The action re-enters the conversation engine, which publishes its own
	// event; queue this conversation's next in-flight event at depth+1 rather
	// than treating it as a fresh, unrelated trigger. Queued (not a single
	// overwritable slot) because two rules matching the same event for the
	// same conversation each queue their own entry, and each must be consumed
	// by its own follow-up event rather than clobbering one another.
	e.mu.Lock()
	e.pendingCascade[conv.ID] = append(e.pendingCascade[conv.ID], cascadeDepth+1)
	e.mu.Unlock()

	actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()
	if err := Execute(actionCtx, e.conv, action, conv.ID); err != nil {
		log.ActionExecuted = false
		log.ActionResult = "error"
		log.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		e.mu.Lock()
		e.removePendingCascade(conv.ID, cascadeDepth+1)
		e.mu.Unlock()
		return
	}
	log.ActionExecuted = true
	log.ActionResult = "success"
}

// removePendingCascade drops one queued depth entry for a conversation,
// used to undo the stamp an action pushed when it then failed to execute
// and so will never publish the event that would otherwise have consumed
// it. Must be called with e.mu held. Removes the last matching entry since
// it was the one most recently pushed.
func (e *Engine) removePendingCascade(conversationID string, depth int) {
	queue := e.pendingCascade[conversationID]
	for i := len(queue) - 1; i >= 0; i-- {
		if queue[i] == depth {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(e.pendingCascade, conversationID)
	} else {
		e.pendingCascade[conversationID] = queue
	}
}

// evaluateWithTimeout bounds Condition.Evaluate, which is pure CPU work, to
// condition_timeout_secs (spec §4.7 "Exceptions produce ConditionResult=error
// and the rule is skipped without aborting others").
func (e *Engine) evaluateWithTimeout(cond Condition, conv store.Conversation) (bool, error) {
	type result struct {
		matched bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		matched, err := cond.Evaluate(conv)
		done <- result{matched, err}
	}()
	select {
	case r := <-done:
		return r.matched, r.err
	case <-time.After(e.conditionTimeout):
		return false, errs.New(errs.Fatal, "condition evaluation timed out")
	}
}

// conversationIDFromPayload extracts the conversation a bus event concerns;
// events the automation engine does not understand are ignored.
func conversationIDFromPayload(payload any) (string, bool) {
	switch p := payload.(type) {
	case store.Conversation:
		return p.ID, true
	case store.Message:
		return p.ConversationID, true
	case map[string]any:
		if conv, ok := p["conversation"].(store.Conversation); ok {
			return conv.ID, true
		}
	}
	return "", false
}
