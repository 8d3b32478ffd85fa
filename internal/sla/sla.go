// Package sla implements the SLA tracker (C8): policy application with
// business-hours-aware deadline math, progression hooks
// (OnOutgoingMessage, OnIncomingMessage, OnResolved), and a breach sweeper.
// The engine does not subscribe to the event bus; the hooks run only when
// a caller invokes them.
package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/lock"
	"github.com/oxidesk/oxidesk/internal/metrics"
	"github.com/oxidesk/oxidesk/internal/store"
)

// Engine applies and progresses SLA policies. Construct with New.
type Engine struct {
	store *store.Postgres
	bus   *eventbus.Bus
	log   *slog.Logger
	now   func() time.Time
}

func New(st *store.Postgres, bus *eventbus.Bus, log *slog.Logger) *Engine {
	return &Engine{store: st, bus: bus, log: log, now: time.Now}
}

// Apply applies policy to conversationID, computing deadlines via business
// hours/holiday-aware math when requested, and cancels any previously
// active policy on the conversation first -- only one AppliedSla is active
// at a time (spec §4.8 "applying a new policy cancels the previous").
func (e *Engine) Apply(ctx context.Context, conversationID, policyID string, businessHoursOnly bool) (store.AppliedSla, error) {
	policy, err := e.store.GetSlaPolicy(ctx, policyID)
	if err != nil {
		return store.AppliedSla{}, errs.Wrap(errs.NotFound, "sla policy not found", err)
	}

	if existing, err := e.store.GetActiveAppliedSla(ctx, conversationID); err == nil {
		if err := e.store.CancelAppliedSla(ctx, existing.ID); err != nil {
			return store.AppliedSla{}, errs.Wrap(errs.Fatal, "cancel previous applied sla", err)
		}
	} else if err != store.ErrNotFound {
		return store.AppliedSla{}, errs.Wrap(errs.Fatal, "check existing applied sla", err)
	}

	holidays, err := e.store.ListHolidays(ctx)
	if err != nil {
		return store.AppliedSla{}, errs.Wrap(errs.Fatal, "list holidays", err)
	}

	start := e.now()
	firstResponseDur, err := time.ParseDuration(policy.FirstResponseTime)
	if err != nil {
		return store.AppliedSla{}, errs.Wrap(errs.Validation, "invalid firstResponseTime on policy", err)
	}
	resolutionDur, err := time.ParseDuration(policy.ResolutionTime)
	if err != nil {
		return store.AppliedSla{}, errs.Wrap(errs.Validation, "invalid resolutionTime on policy", err)
	}

	firstResponseDeadline := deadline(start, firstResponseDur, businessHoursOnly, holidays)
	resolutionDeadline := deadline(start, resolutionDur, businessHoursOnly, holidays)

	applied := store.AppliedSla{
		ConversationID:        conversationID,
		PolicyID:              policyID,
		FirstResponseDeadline: firstResponseDeadline,
		ResolutionDeadline:    resolutionDeadline,
	}
	events := []store.SlaEvent{
		{Type: store.SlaEventFirstResponse, Deadline: firstResponseDeadline},
		{Type: store.SlaEventResolution, Deadline: resolutionDeadline},
	}

	result, err := e.store.ApplySla(ctx, applied, events)
	if err != nil {
		return store.AppliedSla{}, errs.Wrap(errs.Fatal, "apply sla", err)
	}
	return result, nil
}

// OnOutgoingMessage marks the pending firstResponse and nextResponse events
// met on the conversation's active SLA; it opens no new deadline (spec §4.8
// progression hooks).
func (e *Engine) OnOutgoingMessage(ctx context.Context, conversationID string) error {
	applied, err := e.store.GetActiveAppliedSla(ctx, conversationID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Fatal, "get active applied sla", err)
	}

	pending, err := e.store.GetPendingSlaEventsForAppliedSla(ctx, applied.ID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "list pending sla events", err)
	}
	for _, evt := range pending {
		if evt.Type == store.SlaEventFirstResponse || evt.Type == store.SlaEventNextResponse {
			if err := e.store.MarkSlaEventMet(ctx, evt.ID); err != nil {
				return errs.Wrap(errs.Fatal, "mark sla event met", err)
			}
		}
	}
	return nil
}

// OnIncomingMessage resets the nextResponse deadline after an outgoing
// message has already been sent, per policy.NextResponseTime (spec §4.8
// "incoming-after-outgoing resets nextResponse").
func (e *Engine) OnIncomingMessage(ctx context.Context, conversationID string) error {
	applied, err := e.store.GetActiveAppliedSla(ctx, conversationID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Fatal, "get active applied sla", err)
	}
	policy, err := e.store.GetSlaPolicy(ctx, applied.PolicyID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "get sla policy", err)
	}
	if policy.NextResponseTime == "" {
		return nil
	}
	nextResponseDur, err := time.ParseDuration(policy.NextResponseTime)
	if err != nil {
		return errs.Wrap(errs.Validation, "invalid nextResponseTime on policy", err)
	}
	var replied bool
	if err := e.store.DB().QueryRowContext(ctx,
		`SELECT last_reply_at IS NOT NULL FROM conversations WHERE id = $1`, conversationID).Scan(&replied); err != nil {
		return errs.Wrap(errs.Fatal, "check conversation reply state", err)
	}
	if !replied {
		return nil
	}

	pending, err := e.store.GetPendingSlaEventsForAppliedSla(ctx, applied.ID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "list pending sla events", err)
	}
	for _, evt := range pending {
		if evt.Type == store.SlaEventNextResponse {
			if err := e.store.MarkSlaEventMet(ctx, evt.ID); err != nil {
				return errs.Wrap(errs.Fatal, "supersede stale next response deadline", err)
			}
		}
	}

	if _, err := e.store.AddSlaEvent(ctx, store.SlaEvent{
		AppliedSlaID: applied.ID,
		Type:         store.SlaEventNextResponse,
		Deadline:     e.now().Add(nextResponseDur),
	}); err != nil {
		return errs.Wrap(errs.Fatal, "open next response deadline", err)
	}
	return nil
}

// OnResolved marks the resolution event met when the conversation
// transitions to Resolved (spec §4.8 progression hooks).
func (e *Engine) OnResolved(ctx context.Context, conversationID string) error {
	applied, err := e.store.GetActiveAppliedSla(ctx, conversationID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Fatal, "get active applied sla", err)
	}
	pending, err := e.store.GetPendingSlaEventsForAppliedSla(ctx, applied.ID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "list pending sla events", err)
	}
	for _, evt := range pending {
		if evt.Type == store.SlaEventResolution {
			if err := e.store.MarkSlaEventMet(ctx, evt.ID); err != nil {
				return errs.Wrap(errs.Fatal, "mark resolution event met", err)
			}
		}
	}
	return nil
}

const sweepBatchSize = 200

// Sweep loads pending SLA events past their deadline, marks them and their
// owning AppliedSla breached, and publishes SlaBreached -- idempotent on
// re-run since MarkSlaEventBreached only touches status='pending' rows
// (spec §4.8 breach sweeper).
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	events, err := e.store.ListBreachedSlaEvents(ctx, sweepBatchSize)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "list breached sla events", err)
	}
	count := 0
	for _, evt := range events {
		if err := e.store.MarkSlaEventBreached(ctx, evt.ID); err != nil {
			e.log.Error("failed to mark sla event breached", "eventId", evt.ID, "error", err)
			continue
		}
		if err := e.store.MarkAppliedSlaBreached(ctx, evt.AppliedSlaID); err != nil {
			e.log.Error("failed to mark applied sla breached", "appliedSlaId", evt.AppliedSlaID, "error", err)
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.SlaBreached, Payload: evt})
		metrics.SlaBreaches.Inc()
		count++
	}
	return count, nil
}

// RunSweeper runs Sweep on a fixed interval under a distributed lock,
// surviving multiple oxideskd replicas without double-firing (spec §4.8,
// §5 Concurrency).
func RunSweeper(ctx context.Context, e *Engine, locker *lock.Locker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runSweepOnce(ctx, e, locker, interval)
		}
	}
}

func runSweepOnce(ctx context.Context, e *Engine, locker *lock.Locker, interval time.Duration) {
	ttl := interval
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	acquired, err := lock.WithLock(ctx, locker, "sla-sweep", "sla-sweeper", ttl, func(ctx context.Context) error {
		n, err := e.Sweep(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			e.log.Info("sla sweep breached events", "count", n)
		}
		return nil
	})
	if err != nil {
		e.log.Error("sla sweep failed", "error", err)
		return
	}
	_ = acquired
}

// deadline adds duration to start, optionally skipping weekends and
// holidays by rolling the accrued-but-skipped time forward (spec §4.8
// business-hours clamping).
func deadline(start time.Time, duration time.Duration, businessHoursOnly bool, holidays []store.Holiday) time.Time {
	if !businessHoursOnly {
		return start.Add(duration)
	}
	remaining := duration
	cursor := start
	const day = 24 * time.Hour
	for remaining > 0 {
		if isBusinessDay(cursor, holidays) {
			endOfDay := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 23, 59, 59, 0, cursor.Location())
			untilEndOfDay := endOfDay.Sub(cursor)
			if remaining <= untilEndOfDay {
				return cursor.Add(remaining)
			}
			remaining -= untilEndOfDay
		}
		cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, cursor.Location()).Add(day)
	}
	return cursor
}

func isBusinessDay(t time.Time, holidays []store.Holiday) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	for _, h := range holidays {
		hd, err := time.Parse("2006-01-02", h.Date)
		if err != nil {
			continue
		}
		if h.Recurring {
			if hd.Month() == t.Month() && hd.Day() == t.Day() {
				return false
			}
			continue
		}
		if hd.Year() == t.Year() && hd.Month() == t.Month() && hd.Day() == t.Day() {
			return false
		}
	}
	return true
}
