package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/oxidesk/oxidesk/internal/auth"
	"github.com/oxidesk/oxidesk/internal/automation"
	"github.com/oxidesk/oxidesk/internal/availability"
	"github.com/oxidesk/oxidesk/internal/config"
	"github.com/oxidesk/oxidesk/internal/conversation"
	"github.com/oxidesk/oxidesk/internal/delivery"
	"github.com/oxidesk/oxidesk/internal/emailingest"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/lock"
	"github.com/oxidesk/oxidesk/internal/logging"
	"github.com/oxidesk/oxidesk/internal/message"
	"github.com/oxidesk/oxidesk/internal/metrics"
	"github.com/oxidesk/oxidesk/internal/policy"
	"github.com/oxidesk/oxidesk/internal/queue"
	"github.com/oxidesk/oxidesk/internal/realtime"
	"github.com/oxidesk/oxidesk/internal/sla"
	"github.com/oxidesk/oxidesk/internal/store"
	"github.com/oxidesk/oxidesk/internal/webhook"
)

// App wires every engine together from a single config.Config: the store,
// event bus, durable queue, and distributed locker at the bottom, the
// conversation/message/automation/SLA/availability engines above them, and
// the email ingester, delivery dispatcher, webhook dispatcher and realtime
// hub as the system's edges.
type App struct {
	Config config.Config
	Log    *slog.Logger

	Store *store.Postgres
	Bus   *eventbus.Bus
	Queue *queue.Queue
	Lock  *lock.Locker
	Blobs store.BlobStore

	Conversations *conversation.Engine
	Messages      *message.Engine
	Automations   *automation.Engine
	SLA           *sla.Engine
	Availability  *availability.Engine
	Ingest        *emailingest.Engine
	Delivery      *delivery.Engine
	Webhooks      *webhook.Engine
	Realtime      *realtime.Hub
	Auth          *auth.Service

	DefaultInboxID string

	cron *cron.Cron
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	log := logging.New(cfg.Log.Level, cfg.Dev.Mode)

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	inboxID, err := ensureDefaultInbox(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("ensure default inbox: %w", err)
	}

	locker, err := lock.New(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("open locker: %w", err)
	}

	bus := eventbus.New(eventbus.WithDroppedCounter(metrics.EventBusDroppedCounter{}))
	q := queue.New(st)
	blobs := store.NewLocalBlobStore(cfg.BlobStore.Dir)

	conv := conversation.New(st, bus)
	realtimeHub := realtime.New(log)
	mentions := message.NewStoreMentionResolver(st)
	messages := message.New(st, bus, q, mentions, realtimeHub)
	if cfg.ContentPolicy.Path != "" {
		contentPolicy, err := policy.Load(cfg.ContentPolicy.Path)
		if err != nil {
			return nil, fmt.Errorf("load content policy: %w", err)
		}
		messages.SetContentPolicy(&contentPolicy)
	}

	automations := automation.New(st, bus, conv, log,
		automation.WithCascadeMaxDepth(cfg.Automation.CascadeMaxDepth),
		automation.WithConditionTimeout(time.Duration(cfg.Automation.ConditionTimeoutSec)*time.Second),
		automation.WithActionTimeout(time.Duration(cfg.Automation.ActionTimeoutSec)*time.Second),
	)

	slaEngine := sla.New(st, bus, log)
	availabilityEngine := availability.New(st, bus, log,
		availability.WithIdleTimeout(cfg.Availability.IdleOnline),
		availability.WithMaxIdleTimeout(cfg.Availability.MaxIdle),
	)

	deliveryEngine := delivery.New(st, q, messages, delivery.Config{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		From:        cfg.SMTP.From,
		DisplayName: cfg.SMTP.DisplayName,
	}, log)

	webhookEngine := webhook.New(st, bus, q, log)

	var ingestEngine *emailingest.Engine
	if cfg.Email.Host != "" {
		dial := func() (*emailingest.Client, error) {
			client, err := emailingest.NewClient(cfg.Email.Host, cfg.Email.Port, cfg.Email.TLS, cfg.Email.Username, cfg.Email.Password)
			if err != nil {
				return nil, err
			}
			if err := client.Dial(10 * time.Second); err != nil {
				return nil, err
			}
			return client, nil
		}
		ingestEngine = emailingest.New(st, bus, messages, blobs, log, inboxID, cfg.Email.Folder, dial)
	}

	return &App{
		Config: cfg,
		Log:    log,

		Store: st,
		Bus:   bus,
		Queue: q,
		Lock:  locker,
		Blobs: blobs,

		Conversations: conv,
		Messages:      messages,
		Automations:   automations,
		SLA:           slaEngine,
		Availability:  availabilityEngine,
		Ingest:        ingestEngine,
		Delivery:      deliveryEngine,
		Webhooks:      webhookEngine,
		Realtime:      realtimeHub,
		Auth:          auth.NewService(cfg.Auth.Secret),

		DefaultInboxID: inboxID,
	}, nil
}

// ensureDefaultInbox creates the single "support" email inbox new deployments
// start with, idempotently, mirroring the teacher's own EnsureDefaults call
// in its app bootstrap.
func ensureDefaultInbox(ctx context.Context, st *store.Postgres) (string, error) {
	inboxes, err := st.ListInboxes(ctx)
	if err != nil {
		return "", err
	}
	for _, ib := range inboxes {
		if ib.ChannelType == store.ChannelTypeEmail {
			return ib.ID, nil
		}
	}
	inbox, err := st.CreateInbox(ctx, "support", store.ChannelTypeEmail)
	if err != nil {
		return "", err
	}
	return inbox.ID, nil
}

func (a *App) Close() error {
	if a.Lock != nil {
		_ = a.Lock.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// Run starts every background engine -- automation's bus subscription,
// the SLA and availability sweepers, the webhook fan-out/dispatch workers,
// the email poller (if configured), the delivery worker pool, and a cron
// scheduler for maintenance tasks that don't need their own sweep loop --
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	go a.Automations.Run(ctx)
	go sla.RunSweeper(ctx, a.SLA, a.Lock, a.Config.SLA.SweepInterval)
	go a.Availability.RunSweeps(ctx, a.Config.Availability.SweepInterval)

	go a.Webhooks.Subscribe(ctx)
	go a.Webhooks.RunFanoutWorker(ctx)
	go a.Webhooks.RunDispatcher(ctx, 30*time.Second)

	go a.Delivery.Run(ctx, 4)

	if a.Ingest != nil {
		pollInterval := time.Duration(a.Config.Email.PollIntervalSecs) * time.Second
		go emailingest.RunPoller(ctx, a.Ingest, a.Lock, pollInterval)
	}

	a.cron = cron.New()
	_, _ = a.cron.AddFunc("@every 5m", func() {
		n, err := a.Queue.RecoverExpiredLeases(ctx)
		if err != nil {
			a.Log.Error("recover expired leases failed", "error", err)
			return
		}
		if n > 0 {
			a.Log.Info("recovered expired job leases", "count", n)
		}
	})
	a.cron.Start()

	<-ctx.Done()
	a.cron.Stop()
}

func (a *App) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := a.Lock.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/debug", a.handleDebug)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/realtime/sse", a.handleRealtimeSSE)

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	return srv.ListenAndServe()
}

// handleRealtimeSSE authenticates the bearer token before handing the
// connection to the hub, so HandleSSE's UserIDFromContext lookup is always
// populated for a legitimately signed token.
func (a *App) handleRealtimeSSE(w http.ResponseWriter, r *http.Request) {
	principal, err := a.Auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	a.Realtime.HandleSSE(w, r.WithContext(realtime.WithUserID(r.Context(), principal.UserID)))
}

func (a *App) handleDebug(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depth, _ := a.Queue.Depth(ctx, store.JobTypeSendMessage)
	inboxes, _ := a.Store.ListInboxes(ctx)

	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, "<html><body><h1>Oxidesk Debug</h1>")
	_, _ = fmt.Fprintf(w, "<p>send_message queue depth: %d</p>", depth)
	_, _ = fmt.Fprintf(w, "<h2>Inboxes</h2><ul>")
	for _, ib := range inboxes {
		_, _ = fmt.Fprintf(w, "<li>%s (%s)</li>", ib.Name, ib.ChannelType)
	}
	_, _ = fmt.Fprintf(w, "</ul>")
	_, _ = fmt.Fprintf(w, "<h2>Quick actions</h2><ul><li><a href=\"/healthz\">Check health</a></li></ul>")
	_, _ = fmt.Fprintf(w, "</body></html>")
}
