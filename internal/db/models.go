package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event category constants
const (
	CategoryNotification = "notification"
	CategoryUser         = "user"
	CategorySession      = "session"
	CategoryTransaction  = "transaction"
)

// Notification priority constants
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Notification state constants
const (
	StateUnread    = "unread"
	StateRead      = "read"
	StateDismissed = "dismissed"
	StateClicked   = "clicked"
	StateExpired   = "expired"
)

// PlatformEvent is an immutable domain event. Rows are written once by the
// publisher and only ever read afterwards.
type PlatformEvent struct {
	ID            uuid.UUID       `json:"event_id"`
	AppID         string          `json:"app_id"`
	UserID        string          `json:"user_id"`
	EventCategory string          `json:"event_category"`
	EventType     string          `json:"event_type"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	IPAddress     *string         `json:"ip_address,omitempty"`
	UserAgent     *string         `json:"user_agent,omitempty"`
	CreatedAt     time.Time       `json:"timestamp"`
}

// Notification is a message created by an owning application for one user.
type Notification struct {
	ID         uuid.UUID       `json:"id"`
	AppID      string          `json:"app_id"`
	UserID     string          `json:"user_id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Priority   string          `json:"priority"`
	ActionURL  *string         `json:"action_url,omitempty"`
	ExternalID string          `json:"external_id"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NotificationState is the per-(notification, user) read/dismiss/click record.
// It is the only mutable notification row and is shared by every app the
// notification is visible in.
type NotificationState struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WebhookSubscription is a durable third-party delivery target. The secret is
// returned exactly once at creation and redacted everywhere else.
type WebhookSubscription struct {
	ID                  uuid.UUID `json:"webhook_id"`
	AppID               string    `json:"app_id"`
	TargetURL           string    `json:"target_url"`
	Secret              string    `json:"-"`
	SubscribedEvents    []string  `json:"subscribed_events"`
	IsActive            bool      `json:"is_active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// WebhookDeliveryAttempt is one row per HTTP delivery try, success or not.
type WebhookDeliveryAttempt struct {
	ID             uuid.UUID `json:"id"`
	WebhookID      uuid.UUID `json:"webhook_id"`
	EventID        uuid.UUID `json:"event_id"`
	EventType      string    `json:"event_type"`
	AttemptNumber  int       `json:"attempt_number"`
	ResponseStatus *int      `json:"response_status,omitempty"`
	Success        bool      `json:"success"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExpiredState identifies a state row flipped to expired by the sweep.
type ExpiredState struct {
	NotificationID uuid.UUID
	UserID         string
	AppID          string
}
