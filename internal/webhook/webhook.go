// Package webhook implements the webhook dispatcher (C12): fan-out of
// subscribed events into per-webhook delivery rows, and a dispatcher that
// POSTs each delivery with an HMAC-SHA256 signature and a fixed retry
// schedule.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/metrics"
	"github.com/oxidesk/oxidesk/internal/queue"
	"github.com/oxidesk/oxidesk/internal/store"
)

// backoffSchedule is the fixed retry schedule indexed by the delivery's
// current retry_count (spec §4.12): 1m, 5m, 30m, 2h, 12h, then permanent
// failure once exhausted.
var backoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

const maxRetries = len(backoffSchedule)

type Engine struct {
	store *store.Postgres
	bus   *eventbus.Bus
	queue *queue.Queue
	log   *slog.Logger
	now   func() time.Time

	httpClient *http.Client
}

func New(st *store.Postgres, bus *eventbus.Bus, q *queue.Queue, log *slog.Logger) *Engine {
	return &Engine{
		store: st, bus: bus, queue: q, log: log, now: time.Now,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type fanoutPayload struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// Subscribe listens on the event bus and enqueues a durable deliver_webhook
// job per event, so fan-out survives a crash between the event firing and
// the per-webhook delivery rows being persisted (spec §4.12, §5
// Concurrency).
func (e *Engine) Subscribe(ctx context.Context) {
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
			payloadJSON, err := json.Marshal(evt.Payload)
			if err != nil {
				e.log.Error("failed to marshal event payload for webhook fan-out", "eventType", evt.Type, "error", err)
				continue
			}
			job, err := json.Marshal(fanoutPayload{EventType: evt.Type, Payload: payloadJSON})
			if err != nil {
				continue
			}
			if _, err := e.queue.Enqueue(ctx, store.JobTypeDeliverWebhook, job); err != nil {
				e.log.Error("failed to enqueue webhook fan-out job", "eventType", evt.Type, "error", err)
			}
		}
	}
}

// RunFanoutWorker drains deliver_webhook jobs and turns each into one
// WebhookDelivery row per active subscriber (spec §4.12 webhook fan-out).
func (e *Engine) RunFanoutWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := e.queue.FetchNextJob(ctx, store.JobTypeDeliverWebhook)
		if err == store.ErrNotFound {
			time.Sleep(time.Second)
			continue
		}
		if err != nil {
			e.log.Error("fetch deliver_webhook job failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		e.processFanout(ctx, job)
	}
}

func (e *Engine) processFanout(ctx context.Context, job store.Job) {
	var payload fanoutPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		_ = e.queue.FailJob(ctx, job, "invalid fan-out job payload: "+err.Error())
		return
	}
	webhooks, err := e.store.ListActiveWebhooksForEvent(ctx, payload.EventType)
	if err != nil {
		_ = e.queue.FailJob(ctx, job, "list active webhooks: "+err.Error())
		return
	}
	for _, wh := range webhooks {
		signature := sign(wh.Secret, payload.Payload)
		if _, err := e.store.CreateWebhookDelivery(ctx, store.WebhookDelivery{
			WebhookID: wh.ID,
			Payload:   string(payload.Payload),
			Signature: signature,
		}); err != nil {
			e.log.Error("failed to create webhook delivery", "webhookId", wh.ID, "error", err)
		}
	}
	if err := e.queue.CompleteJob(ctx, job); err != nil {
		e.log.Error("failed to complete fan-out job", "jobId", job.ID, "error", err)
	}
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

const dispatchBatchSize = 50

// RunDispatcher polls due deliveries on a fixed interval and attempts
// delivery of each (spec §4.12).
func (e *Engine) RunDispatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.DispatchDue(ctx); err != nil {
				e.log.Error("webhook dispatch sweep failed", "error", err)
			}
		}
	}
}

// DispatchDue attempts delivery of every delivery row whose next_retry_at
// has elapsed.
func (e *Engine) DispatchDue(ctx context.Context) error {
	deliveries, err := e.store.ListDueWebhookDeliveries(ctx, dispatchBatchSize)
	if err != nil {
		return errs.Wrap(errs.Fatal, "list due webhook deliveries", err)
	}
	for _, d := range deliveries {
		e.attempt(ctx, d)
	}
	return nil
}

// attempt POSTs one delivery, retrying a couple of times in-process via
// cenkalti/backoff for transient connection-level errors (a dropped
// connection, a DNS hiccup), distinct from the long-horizon fixed schedule
// in backoffSchedule which governs retries *across* dispatch sweeps and is
// persisted via next_retry_at (spec §4.12 backoff schedule).
func (e *Engine) attempt(ctx context.Context, d store.WebhookDelivery) {
	wh, err := e.store.GetWebhook(ctx, d.WebhookID)
	if err != nil {
		e.log.Error("failed to load webhook for delivery", "deliveryId", d.ID, "webhookId", d.WebhookID, "error", err)
		return
	}

	attemptStart := e.now()
	status, postErr := backoff.Retry(ctx, func() (int, error) {
		return e.post(ctx, wh.URL, d)
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	metrics.WebhookDeliveryLatency.Observe(e.now().Sub(attemptStart).Seconds())

	if postErr == nil && status >= 200 && status < 300 {
		if err := e.store.RecordWebhookDeliveryOutcome(ctx, d.ID, true, sql.NullInt64{Int64: int64(status), Valid: true},
			sql.NullString{}, sql.NullTime{}, false); err != nil {
			e.log.Error("failed to record webhook delivery success", "deliveryId", d.ID, "error", err)
		}
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		return
	}

	errMsg := ""
	if postErr != nil {
		errMsg = postErr.Error()
	} else {
		errMsg = fmt.Sprintf("unexpected status %d", status)
	}
	permanent := d.RetryCount+1 >= maxRetries
	var nextRetryAt sql.NullTime
	if !permanent {
		nextRetryAt = sql.NullTime{Time: e.now().Add(backoffSchedule[d.RetryCount]), Valid: true}
	}
	httpStatus := sql.NullInt64{}
	if status > 0 {
		httpStatus = sql.NullInt64{Int64: int64(status), Valid: true}
	}
	if err := e.store.RecordWebhookDeliveryOutcome(ctx, d.ID, false, httpStatus,
		sql.NullString{String: errMsg, Valid: true}, nextRetryAt, permanent); err != nil {
		e.log.Error("failed to record webhook delivery failure", "deliveryId", d.ID, "error", err)
	}
	outcome := "retry"
	if permanent {
		outcome = "failed_permanent"
	}
	metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

func (e *Engine) post(ctx context.Context, url string, d store.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(d.Payload)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", d.Signature)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return resp.StatusCode, nil
}
