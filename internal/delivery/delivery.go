// Package delivery implements the outbound delivery dispatcher (C11): a
// worker pool that drains send_message jobs from the durable queue and
// hands each one to an SMTP relay, threading replies through the
// conversation's reference-number subject tag. No In-Reply-To or
// References headers are written.
package delivery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/message"
	"github.com/oxidesk/oxidesk/internal/queue"
	"github.com/oxidesk/oxidesk/internal/store"
)

// Config is the subset of config.Config.SMTP the dispatcher needs; kept as
// its own small struct so the package doesn't import internal/config.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	DisplayName string
}

type Engine struct {
	store    *store.Postgres
	queue    *queue.Queue
	messages *message.Engine
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	pollInterval time.Duration
	dialTimeout  time.Duration
}

func New(st *store.Postgres, q *queue.Queue, messages *message.Engine, cfg Config, log *slog.Logger) *Engine {
	return &Engine{
		store: st, queue: q, messages: messages, cfg: cfg, log: log, now: time.Now,
		pollInterval: time.Second,
		dialTimeout:  10 * time.Second,
	}
}

type sendMessagePayload struct {
	MessageID string `json:"messageId"`
}

// Run starts workerCount goroutines each polling for send_message jobs until
// ctx is cancelled (spec §4.11, §5 "worker pool" -- grounded on the
// teacher's poll-or-sleep worker loop in cmd/neuralmaild).
func (e *Engine) Run(ctx context.Context, workerCount int) {
	for i := 0; i < workerCount; i++ {
		go e.runWorker(ctx)
	}
	<-ctx.Done()
}

func (e *Engine) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := e.queue.FetchNextJob(ctx, store.JobTypeSendMessage)
		if err == store.ErrNotFound {
			time.Sleep(e.pollInterval)
			continue
		}
		if err != nil {
			e.log.Error("fetch send_message job failed", "error", err)
			time.Sleep(e.pollInterval)
			continue
		}
		e.processJob(ctx, job)
	}
}

func (e *Engine) processJob(ctx context.Context, job store.Job) {
	var payload sendMessagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.failJob(ctx, job, "invalid job payload: "+err.Error())
		return
	}

	if err := e.deliver(ctx, payload.MessageID); err != nil {
		e.log.Error("delivery attempt failed", "messageId", payload.MessageID, "jobId", job.ID, "error", err)
		e.failJob(ctx, job, err.Error())
		return
	}

	if err := e.queue.CompleteJob(ctx, job); err != nil {
		e.log.Error("failed to complete send_message job", "jobId", job.ID, "error", err)
	}
}

// failJob reschedules the job and, only once the queue has given up on it
// (attempts have reached max_attempts), transitions the message to its own
// terminal failed status so agents see it rather than a message stuck
// silently pending (spec §4.11 permanent failure path).
func (e *Engine) failJob(ctx context.Context, job store.Job, errText string) {
	if err := e.queue.FailJob(ctx, job, errText); err != nil {
		e.log.Error("failed to record job failure", "jobId", job.ID, "error", err)
	}
	if job.Attempts >= job.MaxAttempts {
		var payload sendMessagePayload
		if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.MessageID != "" {
			if err := e.messages.MarkFailed(ctx, payload.MessageID); err != nil {
				e.log.Error("failed to mark message failed", "messageId", payload.MessageID, "error", err)
			}
		}
	}
}

// deliver loads the message and its conversation/contact, composes an RFC
// 822 body threaded onto the conversation via the reference-number subject
// tag only (no In-Reply-To/References headers), and sends it over SMTP.
func (e *Engine) deliver(ctx context.Context, messageID string) error {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "load message", err)
	}
	if msg.Status != store.MessageStatusPending {
		return nil
	}
	conv, err := e.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "load conversation", err)
	}
	to, err := e.store.GetContactChannelEmail(ctx, conv.ContactID, conv.InboxID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "resolve contact email", err)
	}

	from := e.cfg.From
	if from == "" {
		from = "support@localhost"
	}
	fromHeader := from
	if e.cfg.DisplayName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", e.cfg.DisplayName, from)
	}

	subject := fmt.Sprintf("Re: [#%d]", conv.ReferenceNumber)
	if conv.Subject.Valid && conv.Subject.String != "" {
		subject = "Re: " + trimSubject(conv.Subject.String) + fmt.Sprintf(" [#%d]", conv.ReferenceNumber)
	}
	messageIDHeader := fmt.Sprintf("<%s@oxidesk>", uuid.NewString())

	body := buildRFC822(fromHeader, to, subject, messageIDHeader, msg.Content)

	if err := e.sendSMTP(from, to, body); err != nil {
		return errs.Wrap(errs.Transient, "smtp send", err)
	}

	if err := e.messages.MarkSent(ctx, messageID); err != nil {
		return errs.Wrap(errs.Fatal, "mark message sent", err)
	}
	return nil
}

var (
	subjectTag         = regexp.MustCompile(`\s*\[(?:REF#|#)\d+\]\s*$`)
	subjectReplyPrefix = regexp.MustCompile(`(?i)^re:\s*`)
)

// trimSubject strips a trailing [#N]/[REF#N] reference tag and a leading
// "Re:" so the reply subject gets exactly one of each (spec §4.11 "Re: <trimmed
// subject> [#<referenceNumber>]").
func trimSubject(subject string) string {
	subject = subjectTag.ReplaceAllString(subject, "")
	subject = subjectReplyPrefix.ReplaceAllString(subject, "")
	return strings.TrimSpace(subject)
}

func buildRFC822(from, to, subject, messageIDHeader, body string) string {
	return strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Message-Id: " + messageIDHeader,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
}

// sendSMTP speaks plain SMTP with opportunistic STARTTLS, grounded on the
// teacher's hand-rolled net/smtp client in cmd/neuralmail.
func (e *Engine) sendSMTP(from, to, body string) error {
	addr := net.JoinHostPort(e.cfg.Host, portString(e.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, e.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello("oxidesk"); err != nil {
		return err
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return err
		}
	}
	if e.cfg.Username != "" || e.cfg.Password != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func portString(port int) string {
	if port == 0 {
		port = 25
	}
	return fmt.Sprintf("%d", port)
}
