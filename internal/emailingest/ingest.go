package emailingest

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oxidesk/oxidesk/internal/emailaddr"
	"github.com/oxidesk/oxidesk/internal/errs"
	"github.com/oxidesk/oxidesk/internal/eventbus"
	"github.com/oxidesk/oxidesk/internal/lock"
	"github.com/oxidesk/oxidesk/internal/message"
	"github.com/oxidesk/oxidesk/internal/metrics"
	"github.com/oxidesk/oxidesk/internal/store"
)

// ClientFactory dials a fresh IMAP connection for a poll cycle; separated
// from Engine so tests can inject a fake without touching the network.
type ClientFactory func() (*Client, error)

// Engine polls one inbox's mailbox, dedups and thread-resolves each
// message, creates conversations/contacts as needed, and hands the body to
// the message engine (spec §4.10).
type Engine struct {
	store    *store.Postgres
	bus      *eventbus.Bus
	messages *message.Engine
	blobs    store.BlobStore
	log      *slog.Logger
	now      func() time.Time

	inboxID string
	folder  string
	dial    ClientFactory
}

func New(st *store.Postgres, bus *eventbus.Bus, messages *message.Engine, blobs store.BlobStore, log *slog.Logger,
	inboxID, folder string, dial ClientFactory) *Engine {
	return &Engine{
		store: st, bus: bus, messages: messages, blobs: blobs, log: log, now: time.Now,
		inboxID: inboxID, folder: folder, dial: dial,
	}
}

// PollOnce runs one fetch-since-cursor cycle: dial, fetch everything past
// the stored UID high-water mark, ingest each message, and persist the new
// cursor -- even on partial failure, so a crash mid-batch resumes instead of
// reprocessing already-ingested mail (spec §4.10 "resumable polling").
func (e *Engine) PollOnce(ctx context.Context) (int, error) {
	cursor, err := e.store.GetInboxPollState(ctx, e.inboxID)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "load inbox poll state", err)
	}
	sinceUID := uint32(0)
	if cursor.LastUID.Valid {
		sinceUID = uint32(cursor.LastUID.Int64)
	}

	client, err := e.dial()
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "dial imap", err)
	}
	defer client.Close()

	if _, err := client.Select(e.folder); err != nil {
		return 0, errs.Wrap(errs.Transient, "select imap folder", err)
	}
	raw, maxUID, err := client.FetchSinceUID(sinceUID)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "fetch imap messages", err)
	}

	ingested := 0
	for _, rm := range raw {
		if err := e.ingestOne(ctx, rm); err != nil {
			e.log.Error("failed to ingest email", "inboxId", e.inboxID, "uid", rm.UID, "error", err)
			continue
		}
		ingested++
	}

	if maxUID > sinceUID {
		if err := e.store.UpsertInboxPollState(ctx, store.InboxPollState{
			InboxID:    e.inboxID,
			LastPollAt: sql.NullTime{Time: e.now(), Valid: true},
			LastUID:    sql.NullInt64{Int64: int64(maxUID), Valid: true},
		}); err != nil {
			return ingested, errs.Wrap(errs.Fatal, "persist poll cursor", err)
		}
	}
	return ingested, nil
}

// ingestOne parses, dedups, resolves (or opens) a conversation, creates the
// contact if unseen, stores attachments, and writes an EmailProcessingLog
// entry regardless of outcome (spec §4.10 dedup + audit trail).
func (e *Engine) ingestOne(ctx context.Context, rm RawMessage) error {
	parsed, err := Parse(rm.Data)
	if err != nil {
		e.logProcessing(ctx, fmt.Sprintf("uid-%d", rm.UID), sql.NullString{}, store.EmailLogFailed,
			sql.NullString{String: err.Error(), Valid: true})
		return errs.Wrap(errs.Validation, "parse email", err)
	}

	externalID := parsed.MessageID
	if externalID == "" {
		externalID = fmt.Sprintf("uid-%d", rm.UID)
	}

	processed, err := e.store.WasEmailProcessed(ctx, e.inboxID, externalID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "check email processed", err)
	}
	if processed {
		e.logProcessing(ctx, externalID, sql.NullString{}, store.EmailLogDuplicate, sql.NullString{})
		return nil
	}

	fromAddr, _, _, err := emailaddr.Canonicalize(parsed.FromAddr)
	if err != nil {
		e.logProcessing(ctx, externalID, sql.NullString{}, store.EmailLogFailed,
			sql.NullString{String: err.Error(), Valid: true})
		return errs.Wrap(errs.Validation, "canonicalize from address", err)
	}

	contact, err := e.store.EnsureContact(ctx, e.inboxID, fromAddr, parsed.FromName)
	if err != nil {
		e.logProcessing(ctx, externalID, sql.NullString{}, store.EmailLogFailed,
			sql.NullString{String: err.Error(), Valid: true})
		return errs.Wrap(errs.Fatal, "ensure contact", err)
	}

	conv, err := e.resolveConversation(ctx, contact, parsed)
	if err != nil {
		e.logProcessing(ctx, externalID, sql.NullString{}, store.EmailLogFailed,
			sql.NullString{String: err.Error(), Valid: true})
		return err
	}

	authorID := sql.NullString{String: contact.UserID, Valid: true}
	msg, err := e.messages.CreateIncoming(ctx, conv.ID, parsed.Text, authorID, sql.NullString{String: externalID, Valid: true})
	if err != nil {
		e.logProcessing(ctx, externalID, sql.NullString{String: conv.ID, Valid: true}, store.EmailLogFailed,
			sql.NullString{String: err.Error(), Valid: true})
		return errs.Wrap(errs.Fatal, "create incoming message", err)
	}

	e.storeAttachments(ctx, msg.ID, parsed.Attachments)

	e.logProcessing(ctx, externalID, sql.NullString{String: conv.ID, Valid: true}, store.EmailLogSuccess, sql.NullString{})
	return nil
}

// resolveConversation follows a [#N]/[REF#N] subject tag back to its
// conversation when present, and otherwise opens a new one (spec §4.10
// "thread resolution via subject tag").
func (e *Engine) resolveConversation(ctx context.Context, contact store.Contact, parsed ParsedEmail) (store.Conversation, error) {
	if ref, ok := ExtractReferenceNumber(parsed.Subject); ok {
		if conv, err := e.store.GetConversationByReference(ctx, e.inboxID, ref); err == nil {
			return conv, nil
		} else if err != store.ErrNotFound {
			return store.Conversation{}, errs.Wrap(errs.Fatal, "resolve conversation by reference", err)
		}
	}
	subject := sql.NullString{}
	if parsed.Subject != "" {
		subject = sql.NullString{String: parsed.Subject, Valid: true}
	}
	conv, err := e.store.CreateConversation(ctx, e.inboxID, contact.ID, subject)
	if err != nil {
		return store.Conversation{}, errs.Wrap(errs.Fatal, "create conversation", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.ConversationCreated, Payload: conv})
	return conv, nil
}

func (e *Engine) storeAttachments(ctx context.Context, messageID string, attachments []ParsedAttachment) {
	if e.blobs == nil {
		return
	}
	for _, a := range attachments {
		if len(a.Data) == 0 || int64(len(a.Data)) > store.MaxAttachmentSize {
			continue
		}
		if !store.IsAllowedAttachmentContentType(a.ContentType) {
			continue
		}
		id := uuid.NewString()
		key := store.AttachmentKey(messageID, id, a.Filename)
		if err := e.blobs.Put(ctx, key, bytes.NewReader(a.Data)); err != nil {
			e.log.Error("failed to store attachment blob", "messageId", messageID, "error", err)
			continue
		}
		if _, err := e.store.CreateAttachment(ctx, store.MessageAttachment{
			ID:          id,
			MessageID:   messageID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			FileSize:    int64(len(a.Data)),
			FileKey:     key,
		}); err != nil {
			e.log.Error("failed to record attachment", "messageId", messageID, "error", err)
		}
	}
}

func (e *Engine) logProcessing(ctx context.Context, externalID string, conversationID sql.NullString, status string, errMsg sql.NullString) {
	if _, err := e.store.CreateEmailProcessingLog(ctx, store.EmailProcessingLog{
		InboxID:           e.inboxID,
		ExternalMessageID: externalID,
		ConversationID:    conversationID,
		Status:            status,
		ErrorMessage:      errMsg,
	}); err != nil {
		e.log.Error("failed to write email processing log", "inboxId", e.inboxID, "externalId", externalID, "error", err)
	}
	metrics.EmailsIngested.WithLabelValues(e.inboxID, status).Inc()
}

// RunPoller polls on a fixed interval under a distributed lock keyed per
// inbox, so multiple oxideskd replicas never double-ingest the same mailbox
// (spec §4.10, §5 Concurrency).
func RunPoller(ctx context.Context, e *Engine, locker *lock.Locker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ttl := 2 * interval
			if ttl < 60*time.Second {
				ttl = 60 * time.Second
			}
			_, err := lock.WithLock(ctx, locker, "email-poll-"+e.inboxID, "email-poller", ttl, func(ctx context.Context) error {
				n, err := e.PollOnce(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					e.log.Info("email poll ingested messages", "inboxId", e.inboxID, "count", n)
				}
				return nil
			})
			if err != nil {
				e.log.Error("email poll failed", "inboxId", e.inboxID, "error", err)
			}
		}
	}
}
