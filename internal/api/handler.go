package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/notification"
	"github.com/oriva/platform/internal/realtime"
	"github.com/oriva/platform/internal/redis"
)

// Repository defines the read/admin database operations the API needs beyond
// the notification service.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID string, limit, offset int) ([]*db.Notification, error)
	GetState(ctx context.Context, notificationID uuid.UUID, userID string) (*db.NotificationState, error)
	ListEvents(ctx context.Context, q db.EventQuery) ([]*db.PlatformEvent, error)
	CreateSubscription(ctx context.Context, sub *db.WebhookSubscription) error
	ListSubscriptionsByApp(ctx context.Context, appID string) ([]*db.WebhookSubscription, error)
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error
	ListDeliveryAttempts(ctx context.Context, webhookID uuid.UUID, limit int) ([]*db.WebhookDeliveryAttempt, error)
}

// Notifications is the notification service surface the API drives.
type Notifications interface {
	Create(ctx context.Context, in notification.CreateInput) (*db.Notification, bool, error)
	SetStatus(ctx context.Context, notificationID uuid.UUID, userID, newStatus string, metadata map[string]interface{}) (*db.NotificationState, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	repo          Repository
	notifications Notifications
	registry      *realtime.Registry
	dedup         *redis.DedupService // nil if Redis not configured
}

// NewHandler creates an API handler. dedup may be nil when Redis is absent;
// the database external_id lookup still deduplicates, just without the
// in-flight reservation.
func NewHandler(logger *zap.Logger, repo Repository, notifications Notifications, registry *realtime.Registry, dedup *redis.DedupService) *Handler {
	return &Handler{
		logger:        logger,
		repo:          repo,
		notifications: notifications,
		registry:      registry,
		dedup:         dedup,
	}
}

// CreateNotificationRequest is the POST /v1/notifications body.
type CreateNotificationRequest struct {
	AppID      string          `json:"app_id"`
	UserID     string          `json:"user_id"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Priority   string          `json:"priority"`
	ActionURL  *string         `json:"action_url,omitempty"`
	ExternalID string          `json:"external_id"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.AppID == "" || req.UserID == "" || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "app_id, user_id, and title are required")
		return
	}

	// An Idempotency-Key header works like an external_id the caller did not
	// want in the body.
	if req.ExternalID == "" {
		req.ExternalID = r.Header.Get("Idempotency-Key")
	}

	if req.ExternalID != "" && h.dedup != nil {
		cached, err := h.dedup.CheckOrReserve(ctx, req.AppID, req.ExternalID)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this external_id is in progress")
				return
			}
			h.logger.Warn("dedup check failed, proceeding",
				zap.Error(err),
				zap.String("external_id", req.ExternalID),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.NotificationID})
			return
		}
	}

	notif, replayed, err := h.notifications.Create(ctx, notification.CreateInput{
		AppID:      req.AppID,
		UserID:     req.UserID,
		Title:      req.Title,
		Body:       req.Body,
		Priority:   req.Priority,
		ActionURL:  req.ActionURL,
		ExternalID: req.ExternalID,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   req.Metadata,
	})
	if err != nil {
		if errors.Is(err, notification.ErrInvalidPriority) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be low, normal, high, or critical")
			return
		}
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("app_id", req.AppID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	if req.ExternalID != "" && h.dedup != nil {
		result := &redis.DedupResult{
			NotificationID: notif.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.dedup.Store(ctx, req.AppID, req.ExternalID, result); err != nil {
			h.logger.Warn("failed to store dedup result",
				zap.Error(err),
				zap.String("external_id", req.ExternalID),
			)
		}
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		w.Header().Set("X-Idempotency-Replayed", "true")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(notif)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	resp := map[string]interface{}{"notification": notif}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		if st, err := h.repo.GetState(ctx, notifID, userID); err == nil {
			resp["state"] = st
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	limit, offset := parsePagination(r)

	notifications, err := h.repo.ListNotificationsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// UpdateNotificationStatus handles PATCH /v1/notifications/{id}/status
func (h *Handler) UpdateNotificationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		UserID   string                 `json:"user_id"`
		Status   string                 `json:"status"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("user_id")
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id is required")
		return
	}

	// Expiry is time-driven, not client-settable.
	validStatuses := map[string]bool{
		db.StateRead:      true,
		db.StateDismissed: true,
		db.StateClicked:   true,
	}
	if !validStatuses[req.Status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: read, dismissed, clicked")
		return
	}

	st, err := h.notifications.SetStatus(ctx, notifID, req.UserID, req.Status, req.Metadata)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidTransition) {
			h.writeError(w, http.StatusConflict, "invalid_transition", "Invalid state transition", err.Error())
			return
		}
		h.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("id", idStr),
			zap.String("status", req.Status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification status", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}

// RegisterWebhookRequest is the POST /v1/webhooks body.
type RegisterWebhookRequest struct {
	AppID            string   `json:"app_id"`
	TargetURL        string   `json:"target_url"`
	SubscribedEvents []string `json:"subscribed_events"`
}

// RegisterWebhook handles POST /v1/webhooks. The generated secret appears in
// this response and nowhere else.
func (h *Handler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.AppID == "" || req.TargetURL == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "app_id and target_url are required")
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to generate secret", "")
		return
	}

	sub := &db.WebhookSubscription{
		ID:               uuid.New(),
		AppID:            req.AppID,
		TargetURL:        req.TargetURL,
		Secret:           secret,
		SubscribedEvents: req.SubscribedEvents,
		IsActive:         true,
	}

	if err := h.repo.CreateSubscription(ctx, sub); err != nil {
		h.logger.Error("failed to create webhook subscription",
			zap.Error(err),
			zap.String("app_id", req.AppID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create webhook subscription", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"webhook_id":     sub.ID.String(),
		"webhook_secret": secret,
	})
}

// ListWebhooks handles GET /v1/webhooks?app_id=xxx (secrets redacted)
func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	appID := r.URL.Query().Get("app_id")
	if appID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing app_id", "app_id query parameter is required")
		return
	}

	subs, err := h.repo.ListSubscriptionsByApp(ctx, appID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list webhook subscriptions", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  subs,
		"count": len(subs),
	})
}

// DeleteWebhook handles DELETE /v1/webhooks/{id} by deactivating the
// subscription; attempt history is retained.
func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	webhookID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.DeactivateSubscription(ctx, webhookID); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Webhook subscription not found", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListWebhookAttempts handles GET /v1/webhooks/{id}/attempts
func (h *Handler) ListWebhookAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	webhookID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook ID", "ID must be a valid UUID")
		return
	}

	limit, _ := parsePagination(r)

	attempts, err := h.repo.ListDeliveryAttempts(ctx, webhookID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list delivery attempts", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  attempts,
		"count": len(attempts),
	})
}

// ListEvents handles GET /v1/events with app/user/category/type/since filters
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := db.EventQuery{
		AppID:    r.URL.Query().Get("app_id"),
		UserID:   r.URL.Query().Get("user_id"),
		Category: r.URL.Query().Get("category"),
		Type:     r.URL.Query().Get("type"),
	}
	q.Limit, q.Offset = parsePagination(r)

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since", "since must be RFC3339")
			return
		}
		q.Since = &t
	}

	events, err := h.repo.ListEvents(ctx, q)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list events", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  events,
		"count": len(events),
	})
}

// RealtimeStats handles GET /v1/realtime/stats
func (h *Handler) RealtimeStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.registry.Stats())
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
