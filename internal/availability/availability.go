// Package availability implements the agent availability controller (C9):
// debounced activity heartbeats, explicit login/logout/away transitions,
// and idle/max-idle sweepers that age agents through online -> away ->
// offline.
package availability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/store"
)

const (
	defaultHeartbeatDebounce = time.Minute
	defaultIdleTimeout       = 5 * time.Minute
	defaultMaxIdleTimeout    = 30 * time.Minute
)

// Engine tracks and transitions agent availability. Construct with New.
type Engine struct {
	store *store.Postgres
	bus   *eventbus.Bus
	log   *slog.Logger
	now   func() time.Time

	heartbeatDebounce time.Duration
	idleTimeout       time.Duration
	maxIdleTimeout    time.Duration
}

type Option func(*Engine)

func WithHeartbeatDebounce(d time.Duration) Option { return func(e *Engine) { e.heartbeatDebounce = d } }
func WithIdleTimeout(d time.Duration) Option       { return func(e *Engine) { e.idleTimeout = d } }
func WithMaxIdleTimeout(d time.Duration) Option    { return func(e *Engine) { e.maxIdleTimeout = d } }

func New(st *store.Postgres, bus *eventbus.Bus, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:             st,
		bus:               bus,
		log:               log,
		now:               time.Now,
		heartbeatDebounce: defaultHeartbeatDebounce,
		idleTimeout:        defaultIdleTimeout,
		maxIdleTimeout:     defaultMaxIdleTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Heartbeat records agent activity, debounced to at most once per
// heartbeatDebounce window to avoid a write per keystroke/poll (spec §4.9
// "debounced to once/minute per agent"). Activity also promotes an
// away or offline agent back to online; awayManual and
// awayAndReassigning are left as they are.
func (e *Engine) Heartbeat(ctx context.Context, userID string) error {
	agent, err := e.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.NotFound, "agent not found", err)
	}
	now := e.now()
	if agent.LastActivityAt.Valid && now.Sub(agent.LastActivityAt.Time) < e.heartbeatDebounce &&
		agent.Availability != store.AvailabilityOffline {
		return nil
	}
	if err := e.store.TouchAgentActivity(ctx, agent.ID, sql.NullTime{Time: now, Valid: true}); err != nil {
		return errs.Wrap(errs.Fatal, "touch agent activity", err)
	}
	if agent.Availability == store.AvailabilityAway || agent.Availability == store.AvailabilityOffline {
		return e.setAvailability(ctx, agent.ID, store.AvailabilityOnline, sql.NullTime{})
	}
	return nil
}

// Login transitions an agent to online on authentication (spec §4.9).
func (e *Engine) Login(ctx context.Context, userID string) error {
	agent, err := e.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.NotFound, "agent not found", err)
	}
	if err := e.store.SetAgentLastLogin(ctx, agent.ID); err != nil {
		return errs.Wrap(errs.Fatal, "set agent last login", err)
	}
	if err := e.setAvailability(ctx, agent.ID, store.AvailabilityOnline, sql.NullTime{}); err != nil {
		return err
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.AgentLoggedIn, Payload: map[string]string{"agentId": agent.ID}})
	return nil
}

// Logout transitions an agent to offline (spec §4.9).
func (e *Engine) Logout(ctx context.Context, userID string) error {
	agent, err := e.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.NotFound, "agent not found", err)
	}
	if err := e.setAvailability(ctx, agent.ID, store.AvailabilityOffline, sql.NullTime{}); err != nil {
		return err
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.AgentLoggedOut, Payload: map[string]string{"agentId": agent.ID}})
	return nil
}

// SetAwayManual is the explicit "I'm stepping away" transition; it does not
// trigger auto-unassignment (spec §4.9 awayManual vs awayAndReassigning).
func (e *Engine) SetAwayManual(ctx context.Context, userID string) error {
	agent, err := e.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.NotFound, "agent not found", err)
	}
	return e.setAvailability(ctx, agent.ID, store.AvailabilityAwayManual, sql.NullTime{Time: e.now(), Valid: true})
}

// SetAwayAndReassigning additionally auto-unassigns every Open/Snoozed
// conversation the agent was carrying (spec §4.9 "the latter triggers bulk
// auto-unassignment").
func (e *Engine) SetAwayAndReassigning(ctx context.Context, userID string) error {
	agent, err := e.store.GetAgentByUserID(ctx, userID)
	if err != nil {
		return errs.Wrap(errs.NotFound, "agent not found", err)
	}
	if err := e.setAvailability(ctx, agent.ID, store.AvailabilityAwayAndReassigning, sql.NullTime{Time: e.now(), Valid: true}); err != nil {
		return err
	}
	affected, err := e.store.AutoUnassignAgent(ctx, agent.ID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "auto unassign agent conversations", err)
	}
	for _, conv := range affected {
		e.bus.Publish(eventbus.Event{Type: eventbus.ConversationUnassigned, Payload: conv})
	}
	return nil
}

func (e *Engine) setAvailability(ctx context.Context, agentID, availability string, awaySince sql.NullTime) error {
	if err := e.store.SetAgentAvailability(ctx, agentID, availability, awaySince); err != nil {
		return errs.Wrap(errs.Fatal, "set agent availability", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.AgentAvailabilityChanged, Payload: map[string]string{
		"agentId": agentID, "availability": availability,
	}})
	return nil
}

// SweepIdle ages online agents whose last activity predates idleTimeout
// into away (spec §4.9 "online->away via inactivity sweep").
func (e *Engine) SweepIdle(ctx context.Context) (int, error) {
	agents, err := e.store.ListAgentsByAvailability(ctx, store.AvailabilityOnline)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "list online agents", err)
	}
	cutoff := e.now().Add(-e.idleTimeout)
	count := 0
	for _, a := range agents {
		if !a.LastActivityAt.Valid || a.LastActivityAt.Time.After(cutoff) {
			continue
		}
		if err := e.setAvailability(ctx, a.ID, store.AvailabilityAway, sql.NullTime{Time: e.now(), Valid: true}); err != nil {
			e.log.Error("failed to age agent into away", "agentId", a.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// SweepMaxIdle ages away agents past maxIdleTimeout into offline (spec §4.9
// "away->offline via max-idle sweep").
func (e *Engine) SweepMaxIdle(ctx context.Context) (int, error) {
	agents, err := e.store.ListAgentsByAvailability(ctx, store.AvailabilityAway)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "list away agents", err)
	}
	cutoff := e.now().Add(-e.maxIdleTimeout)
	count := 0
	for _, a := range agents {
		if !a.AwaySince.Valid || a.AwaySince.Time.After(cutoff) {
			continue
		}
		if err := e.setAvailability(ctx, a.ID, store.AvailabilityOffline, sql.NullTime{}); err != nil {
			e.log.Error("failed to age agent into offline", "agentId", a.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// RunSweeps runs SweepIdle and SweepMaxIdle on a fixed interval until ctx is
// cancelled. Intended to run on its own goroutine; each sweep reads a small
// bounded set of agents, so no distributed lock is needed -- unlike the SLA
// sweeper, running it twice concurrently is merely redundant, never unsafe,
// since every mutation is itself guarded by the agent's current state.
func (e *Engine) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepIdle(ctx); err != nil {
				e.log.Error("idle sweep failed", "error", err)
			}
			if _, err := e.SweepMaxIdle(ctx); err != nil {
				e.log.Error("max idle sweep failed", "error", err)
			}
		}
	}
}
