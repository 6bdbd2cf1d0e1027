// Package notification implements the shared notification inbox: creation,
// the per-user read/dismiss/click state machine, and time-driven expiry.
// Every successful state change is published as a platform event.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/event"
)

// ErrInvalidTransition reports a disallowed state change.
var ErrInvalidTransition = errors.New("invalid notification state transition")

// ErrInvalidPriority reports an unknown priority value.
var ErrInvalidPriority = errors.New("invalid notification priority")

// transitions lists the states reachable from each state. Dismissed and
// expired are terminal.
var transitions = map[string]map[string]bool{
	db.StateUnread: {
		db.StateRead:      true,
		db.StateDismissed: true,
		db.StateClicked:   true,
		db.StateExpired:   true,
	},
	db.StateRead: {
		db.StateDismissed: true,
		db.StateClicked:   true,
		db.StateExpired:   true,
	},
	db.StateClicked: {
		db.StateDismissed: true,
		db.StateExpired:   true,
	},
	db.StateDismissed: {},
	db.StateExpired:   {},
}

var validPriorities = map[string]bool{
	db.PriorityLow:      true,
	db.PriorityNormal:   true,
	db.PriorityHigh:     true,
	db.PriorityCritical: true,
}

// Repository is the slice of the db layer the service needs.
type Repository interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	FindNotificationByExternalID(ctx context.Context, appID, externalID string) (*db.Notification, error)
	GetState(ctx context.Context, notificationID uuid.UUID, userID string) (*db.NotificationState, error)
	UpdateState(ctx context.Context, st *db.NotificationState) error
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]db.ExpiredState, error)
}

// Publisher is the event entry point the service publishes through.
type Publisher interface {
	Publish(ctx context.Context, in event.Input) (*db.PlatformEvent, error)
}

// Config tunes the expiry sweep.
type Config struct {
	SweepInterval time.Duration
	SweepBatch    int
}

// Service coordinates notification writes with event publication.
type Service struct {
	repo      Repository
	publisher Publisher
	config    Config
	logger    *zap.Logger
}

// NewService creates a notification service.
func NewService(repo Repository, publisher Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 1 * time.Minute
	}
	if cfg.SweepBatch == 0 {
		cfg.SweepBatch = 100
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// CreateInput carries the fields for a new notification.
type CreateInput struct {
	AppID      string
	UserID     string
	Title      string
	Body       string
	Priority   string
	ActionURL  *string
	ExternalID string
	ExpiresAt  *time.Time
	Metadata   json.RawMessage
}

// Create persists a notification (with its unread state) and publishes
// notification.created. When the app has already created a notification with
// the same external_id, the existing one is returned instead of a duplicate.
func (s *Service) Create(ctx context.Context, in CreateInput) (*db.Notification, bool, error) {
	if in.Priority == "" {
		in.Priority = db.PriorityNormal
	}
	if !validPriorities[in.Priority] {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidPriority, in.Priority)
	}

	if in.ExternalID != "" {
		existing, err := s.repo.FindNotificationByExternalID(ctx, in.AppID, in.ExternalID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	notif := &db.Notification{
		ID:         uuid.New(),
		AppID:      in.AppID,
		UserID:     in.UserID,
		Title:      in.Title,
		Body:       in.Body,
		Priority:   in.Priority,
		ActionURL:  in.ActionURL,
		ExternalID: in.ExternalID,
		ExpiresAt:  in.ExpiresAt,
		Metadata:   in.Metadata,
	}

	if err := s.repo.CreateNotification(ctx, notif); err != nil {
		return nil, false, err
	}

	s.publishStateEvent(ctx, notif.AppID, notif.UserID, notif.ID, "created", map[string]interface{}{
		"title":    notif.Title,
		"priority": notif.Priority,
	})

	return notif, false, nil
}

// SetStatus applies one state machine transition for the given user and
// publishes the corresponding notification.<status> event. Re-dismissing is a
// success no-op that leaves dismissed_at untouched and publishes nothing.
func (s *Service) SetStatus(ctx context.Context, notificationID uuid.UUID, userID, newStatus string, metadata map[string]interface{}) (*db.NotificationState, error) {
	st, err := s.repo.GetState(ctx, notificationID, userID)
	if err != nil {
		return nil, err
	}

	if newStatus == db.StateDismissed && st.Status == db.StateDismissed {
		return st, nil
	}

	allowed, known := transitions[st.Status]
	if !known || !allowed[newStatus] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Status, newStatus)
	}

	now := time.Now()
	switch newStatus {
	case db.StateRead:
		if st.ReadAt == nil {
			st.ReadAt = &now
		}
	case db.StateDismissed:
		st.DismissedAt = &now
	case db.StateClicked:
		st.ClickedAt = &now
		// Clicking implies reading.
		if st.ReadAt == nil {
			st.ReadAt = &now
		}
	case db.StateExpired:
		// timestamp-free terminal state
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}
	st.Status = newStatus

	if err := s.repo.UpdateState(ctx, st); err != nil {
		return nil, err
	}

	notif, err := s.repo.GetNotification(ctx, notificationID)
	if err != nil {
		s.logger.Warn("state updated but owning notification unreadable, skipping event",
			zap.Error(err),
			zap.String("notification_id", notificationID.String()),
		)
		return st, nil
	}

	s.publishStateEvent(ctx, notif.AppID, userID, notificationID, newStatus, metadata)

	return st, nil
}

// Run drives the expiry sweep until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep stopping")
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

// sweepExpired flips due states to expired and publishes notification.expired
// once per flipped state. The update only returns rows it transitioned, so a
// notification never produces a second expired event.
func (s *Service) sweepExpired(ctx context.Context) {
	expired, err := s.repo.ExpireDue(ctx, time.Now(), s.config.SweepBatch)
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, e := range expired {
		s.publishStateEvent(ctx, e.AppID, e.UserID, e.NotificationID, "expired", nil)
	}

	s.logger.Info("expired notifications swept", zap.Int("count", len(expired)))
}

func (s *Service) publishStateEvent(ctx context.Context, appID, userID string, notificationID uuid.UUID, eventType string, metadata map[string]interface{}) {
	var data json.RawMessage
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			data = b
		}
	}

	_, err := s.publisher.Publish(ctx, event.Input{
		AppID:         appID,
		UserID:        userID,
		EventCategory: db.CategoryNotification,
		EventType:     eventType,
		EntityType:    "notification",
		EntityID:      notificationID.String(),
		EventData:     data,
	})
	if err != nil {
		// The state change already committed; the missing event is a delivery
		// gap, not a data error.
		s.logger.Warn("failed to publish notification event",
			zap.Error(err),
			zap.String("notification_id", notificationID.String()),
			zap.String("event_type", eventType),
		)
	}
}
