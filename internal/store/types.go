package store

import (
	"database/sql"
	"time"
)

// User is the principal identity shared by agents and contacts.
type User struct {
	ID        string
	Email     string
	Type      string // agent | contact
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt sql.NullTime
	DeletedBy sql.NullString
}

const (
	UserTypeAgent   = "agent"
	UserTypeContact = "contact"
)

// Agent is an authenticatable operator.
type Agent struct {
	ID             string
	UserID         string
	FirstName      string
	LastName       sql.NullString
	PasswordHash   string
	Availability   string
	LastLoginAt    sql.NullTime
	LastActivityAt sql.NullTime
	AwaySince      sql.NullTime
	APIKey         sql.NullString
	APISecretHash  sql.NullString
}

const (
	AvailabilityOffline            = "offline"
	AvailabilityOnline             = "online"
	AvailabilityAway               = "away"
	AvailabilityAwayManual         = "away_manual"
	AvailabilityAwayAndReassigning = "away_and_reassigning"
)

// Contact is a customer identity.
type Contact struct {
	ID        string
	UserID    string
	FirstName sql.NullString
}

// ContactChannel binds a contact's address to a specific inbox.
type ContactChannel struct {
	ID        string
	ContactID string
	InboxID   string
	Email     string
}

// Inbox is a logical message source.
type Inbox struct {
	ID          string
	Name        string
	ChannelType string
	DeletedAt   sql.NullTime
	DeletedBy   sql.NullString
}

const ChannelTypeEmail = "email"

// Conversation is the unit of support work.
type Conversation struct {
	ID              string
	ReferenceNumber int64
	Status          string
	InboxID         string
	ContactID       string
	Subject         sql.NullString
	ResolvedAt      sql.NullTime
	ClosedAt        sql.NullTime
	SnoozedUntil    sql.NullTime
	AssignedUserID  sql.NullString
	AssignedTeamID  sql.NullString
	AssignedAt      sql.NullTime
	AssignedBy      sql.NullString
	Priority        sql.NullString
	Tags            []string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	StatusOpen     = "open"
	StatusSnoozed  = "snoozed"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

const (
	PriorityLow    = "Low"
	PriorityMedium = "Medium"
	PriorityHigh   = "High"
)

// AssignmentHistory is the append-only record of assignment changes.
type AssignmentHistory struct {
	ID             string
	ConversationID string
	AssignedUserID sql.NullString
	AssignedTeamID sql.NullString
	AssignedBy     string
	Action         string // assigned | unassigned
	CreatedAt      time.Time
}

// Message is a single piece of conversation content.
type Message struct {
	ID             string
	ConversationID string
	Direction      string // incoming | outgoing
	Status         string
	Content        string
	AuthorID       sql.NullString
	IsImmutable    bool
	RetryCount     int
	ExternalID     sql.NullString // e.g. IMAP Message-ID, for dedup
	CreatedAt      time.Time
	SentAt         sql.NullTime
	UpdatedAt      time.Time
}

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	MessageStatusReceived = "received"
	MessageStatusPending  = "pending"
	MessageStatusSent     = "sent"
	MessageStatusFailed   = "failed"
)

// MessageAttachment is a file captured alongside a message.
type MessageAttachment struct {
	ID          string
	MessageID   string
	Filename    string
	ContentType string
	FileSize    int64
	FileKey     string
	CreatedAt   time.Time
}

// Team groups agents for assignment.
type Team struct {
	ID           string
	Name         string
	SlaPolicyID  sql.NullString
}

// TeamMembership links an agent to a team.
type TeamMembership struct {
	TeamID string
	UserID string
	Role   string // member | lead
}

// AutomationRule is a condition/action pair driving the automation engine.
type AutomationRule struct {
	ID                string
	Name              string
	Enabled           bool
	RuleType          string
	EventSubscription []string
	Condition         []byte // JSON-encoded Condition tree
	Action            []byte // JSON-encoded Action
	Priority          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RuleEvaluationLog is the append-only automation audit trail.
type RuleEvaluationLog struct {
	ID               string
	RuleID           string
	EventType        string
	ConversationID   sql.NullString
	Matched          bool
	ConditionResult  string // true | false | error
	ActionExecuted   bool
	ActionResult     string // success | skipped | error
	ErrorMessage     sql.NullString
	EvaluationTimeMs int64
	CascadeDepth     int
	EvaluatedAt      time.Time
}

// SlaPolicy defines the deadlines applied to a conversation.
type SlaPolicy struct {
	ID                string
	Name              string
	FirstResponseTime string
	ResolutionTime    string
	NextResponseTime  string
}

// AppliedSla is the single active SLA instance for a conversation.
type AppliedSla struct {
	ID                   string
	ConversationID       string
	PolicyID             string
	FirstResponseDeadline time.Time
	ResolutionDeadline    time.Time
	Status               string // active | met | breached | cancelled
}

const (
	AppliedSlaActive    = "active"
	AppliedSlaMet       = "met"
	AppliedSlaBreached  = "breached"
	AppliedSlaCancelled = "cancelled"
)

// SlaEvent is a single tracked deadline within an AppliedSla.
type SlaEvent struct {
	ID          string
	AppliedSlaID string
	Type        string // firstResponse | resolution | nextResponse
	Deadline    time.Time
	Status      string // pending | met | breached
	MetAt       sql.NullTime
	BreachedAt  sql.NullTime
}

const (
	SlaEventFirstResponse = "firstResponse"
	SlaEventResolution    = "resolution"
	SlaEventNextResponse  = "nextResponse"

	SlaEventPending  = "pending"
	SlaEventMet      = "met"
	SlaEventBreached = "breached"
)

// Holiday is consumed by SLA deadline math when business hours are enabled.
type Holiday struct {
	ID        string
	Name      string
	Date      string // YYYY-MM-DD
	Recurring bool
}

// Webhook is an external subscription to core events.
type Webhook struct {
	ID               string
	Name             string
	URL              string
	SubscribedEvents []string
	Secret           string
	IsActive         bool
	CreatedBy        string
}

// WebhookDelivery is a single delivery attempt record.
type WebhookDelivery struct {
	ID           string
	WebhookID    string
	Payload      string
	Signature    string
	Status       string
	HTTPStatus   sql.NullInt64
	ErrorMessage sql.NullString
	RetryCount   int
	NextRetryAt  sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	WebhookDeliveryPending        = "pending"
	WebhookDeliverySuccess        = "success"
	WebhookDeliveryFailedPermanent = "failed_permanent"
)

// Job is a durable, lease-based unit of background work.
type Job struct {
	ID          string
	JobType     string
	Payload     []byte
	Status      string
	RunAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Attempts    int
	MaxAttempts int
	LastError   sql.NullString
	LockedUntil sql.NullTime
}

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"

	JobTypeSendMessage    = "send_message"
	JobTypeDeliverWebhook = "deliver_webhook"
)

// EmailProcessingLog is the auditable record of one ingested email.
type EmailProcessingLog struct {
	ID                string
	InboxID           string
	ExternalMessageID string
	ConversationID    sql.NullString
	Status            string // success | duplicate | failed
	ErrorMessage      sql.NullString
	ProcessedAt       time.Time
}

const (
	EmailLogSuccess   = "success"
	EmailLogDuplicate = "duplicate"
	EmailLogFailed    = "failed"
)

// Notification is a per-user alert surfaced over the real-time channel.
type Notification struct {
	ID             string
	UserID         string
	Type           string // assignment | mention
	ConversationID sql.NullString
	MessageID      sql.NullString
	ActorID        sql.NullString
	IsRead         bool
	CreatedAt      time.Time
}

const (
	NotificationAssignment = "assignment"
	NotificationMention    = "mention"
)

// InboxPollState tracks the email ingester's cursor per inbox.
type InboxPollState struct {
	InboxID    string
	LastPollAt sql.NullTime
	LastUID    sql.NullInt64
}
