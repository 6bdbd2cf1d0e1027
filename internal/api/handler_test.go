package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/notification"
	"github.com/oriva/platform/internal/realtime"
)

var errDatabase = errors.New("database error")

// MockRepository is a fake database for testing
type MockRepository struct {
	notifications map[uuid.UUID]*db.Notification
	states        map[uuid.UUID]*db.NotificationState
	subscriptions map[uuid.UUID]*db.WebhookSubscription
	events        []*db.PlatformEvent
	attempts      []*db.WebhookDeliveryAttempt

	shouldFail bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		notifications: make(map[uuid.UUID]*db.Notification),
		states:        make(map[uuid.UUID]*db.NotificationState),
		subscriptions: make(map[uuid.UUID]*db.WebhookSubscription),
	}
}

func (m *MockRepository) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	n, ok := m.notifications[id]
	if !ok {
		return nil, errors.New("notification not found")
	}
	return n, nil
}

func (m *MockRepository) ListNotificationsByUser(ctx context.Context, userID string, limit, offset int) ([]*db.Notification, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockRepository) GetState(ctx context.Context, notificationID uuid.UUID, userID string) (*db.NotificationState, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	st, ok := m.states[notificationID]
	if !ok || st.UserID != userID {
		return nil, errors.New("state not found")
	}
	return st, nil
}

func (m *MockRepository) ListEvents(ctx context.Context, q db.EventQuery) ([]*db.PlatformEvent, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.PlatformEvent
	for _, ev := range m.events {
		if q.AppID != "" && ev.AppID != q.AppID {
			continue
		}
		if q.Category != "" && ev.EventCategory != q.Category {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MockRepository) CreateSubscription(ctx context.Context, sub *db.WebhookSubscription) error {
	if m.shouldFail {
		return errDatabase
	}
	sub.CreatedAt = time.Now()
	m.subscriptions[sub.ID] = sub
	return nil
}

func (m *MockRepository) ListSubscriptionsByApp(ctx context.Context, appID string) ([]*db.WebhookSubscription, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.WebhookSubscription
	for _, s := range m.subscriptions {
		if s.AppID == appID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockRepository) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return errDatabase
	}
	s, ok := m.subscriptions[id]
	if !ok {
		return errors.New("subscription not found")
	}
	s.IsActive = false
	return nil
}

func (m *MockRepository) ListDeliveryAttempts(ctx context.Context, webhookID uuid.UUID, limit int) ([]*db.WebhookDeliveryAttempt, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.WebhookDeliveryAttempt
	for _, a := range m.attempts {
		if a.WebhookID == webhookID {
			out = append(out, a)
		}
	}
	return out, nil
}

// MockNotifications fakes the notification service.
type MockNotifications struct {
	created    map[string]*db.Notification // keyed by app_id:external_id
	statusErr  error
	lastStatus string
}

func NewMockNotifications() *MockNotifications {
	return &MockNotifications{created: make(map[string]*db.Notification)}
}

func (m *MockNotifications) Create(ctx context.Context, in notification.CreateInput) (*db.Notification, bool, error) {
	if in.Priority != "" && in.Priority != "low" && in.Priority != "normal" && in.Priority != "high" && in.Priority != "critical" {
		return nil, false, fmt.Errorf("%w: %q", notification.ErrInvalidPriority, in.Priority)
	}

	if in.ExternalID != "" {
		key := in.AppID + ":" + in.ExternalID
		if existing, ok := m.created[key]; ok {
			return existing, true, nil
		}
	}

	notif := &db.Notification{
		ID:         uuid.New(),
		AppID:      in.AppID,
		UserID:     in.UserID,
		Title:      in.Title,
		Priority:   in.Priority,
		ExternalID: in.ExternalID,
		CreatedAt:  time.Now(),
	}
	if in.ExternalID != "" {
		m.created[in.AppID+":"+in.ExternalID] = notif
	}
	return notif, false, nil
}

func (m *MockNotifications) SetStatus(ctx context.Context, notificationID uuid.UUID, userID, newStatus string, metadata map[string]interface{}) (*db.NotificationState, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	m.lastStatus = newStatus
	now := time.Now()
	st := &db.NotificationState{
		NotificationID: notificationID,
		UserID:         userID,
		Status:         newStatus,
	}
	if newStatus == db.StateRead || newStatus == db.StateClicked {
		st.ReadAt = &now
	}
	return st, nil
}

func newTestHandler() (*Handler, *MockRepository, *MockNotifications) {
	repo := NewMockRepository()
	notifs := NewMockNotifications()
	registry := realtime.NewRegistry(zap.NewNop())
	h := NewHandler(zap.NewNop(), repo, notifs, registry, nil)
	return h, repo, notifs
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateNotificationHandler(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
	}{
		{
			name: "valid notification",
			body: CreateNotificationRequest{
				AppID:  "app-1",
				UserID: "user-1",
				Title:  "Payment received",
				Body:   "Invoice 42 was paid",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing title",
			body: CreateNotificationRequest{
				AppID:  "app-1",
				UserID: "user-1",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "missing app_id",
			body: CreateNotificationRequest{
				UserID: "user-1",
				Title:  "t",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid priority",
			body: CreateNotificationRequest{
				AppID:    "app-1",
				UserID:   "user-1",
				Title:    "t",
				Priority: "urgent",
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler()

			rec := doJSON(t, h.CreateNotification, http.MethodPost, "/v1/notifications", tt.body)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedStatus == http.StatusCreated {
				var notif db.Notification
				if err := json.NewDecoder(rec.Body).Decode(&notif); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if notif.ID == uuid.Nil {
					t.Error("response must carry the new notification id")
				}
			}
		})
	}
}

func TestCreateNotificationMalformedBody(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(`{"app_id": `))
	rec := httptest.NewRecorder()
	h.CreateNotification(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestCreateNotificationReplay(t *testing.T) {
	h, _, _ := newTestHandler()

	body := CreateNotificationRequest{
		AppID:      "app-1",
		UserID:     "user-1",
		Title:      "Order shipped",
		ExternalID: "order-42",
	}

	first := doJSON(t, h.CreateNotification, http.MethodPost, "/v1/notifications", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", first.Code)
	}

	second := doJSON(t, h.CreateNotification, http.MethodPost, "/v1/notifications", body)
	if second.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay must be flagged in the response headers")
	}

	var a, b db.Notification
	_ = json.NewDecoder(first.Body).Decode(&a)
	_ = json.NewDecoder(second.Body).Decode(&b)
	if a.ID != b.ID {
		t.Error("replay must return the original notification")
	}
}

func TestCreateNotificationIdempotencyKeyHeader(t *testing.T) {
	h, _, _ := newTestHandler()

	body := CreateNotificationRequest{
		AppID:  "app-1",
		UserID: "user-1",
		Title:  "Order shipped",
	}

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/notifications", &buf)
		req.Header.Set("Idempotency-Key", "order-42")
		rec := httptest.NewRecorder()
		h.CreateNotification(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusOK {
		t.Fatalf("replay via header: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("header-keyed replay must be flagged")
	}
}

func TestUpdateNotificationStatusHandler(t *testing.T) {
	tests := []struct {
		name           string
		id             string
		body           map[string]interface{}
		statusErr      error
		expectedStatus int
	}{
		{
			name:           "mark read",
			id:             uuid.NewString(),
			body:           map[string]interface{}{"user_id": "user-1", "status": "read"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "dismiss",
			id:             uuid.NewString(),
			body:           map[string]interface{}{"user_id": "user-1", "status": "dismissed"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid id",
			id:             "not-a-uuid",
			body:           map[string]interface{}{"user_id": "user-1", "status": "read"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing user",
			id:             uuid.NewString(),
			body:           map[string]interface{}{"status": "read"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "expired is not client-settable",
			id:             uuid.NewString(),
			body:           map[string]interface{}{"user_id": "user-1", "status": "expired"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid transition maps to conflict",
			id:             uuid.NewString(),
			body:           map[string]interface{}{"user_id": "user-1", "status": "read"},
			statusErr:      fmt.Errorf("%w: dismissed -> read", notification.ErrInvalidTransition),
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, notifs := newTestHandler()
			notifs.statusErr = tt.statusErr

			var buf bytes.Buffer
			_ = json.NewEncoder(&buf).Encode(tt.body)
			req := httptest.NewRequest(http.MethodPatch, "/v1/notifications/"+tt.id+"/status", &buf)
			req = withURLParam(req, "id", tt.id)
			rec := httptest.NewRecorder()

			h.UpdateNotificationStatus(rec, req)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRegisterWebhook(t *testing.T) {
	h, repo, _ := newTestHandler()

	rec := doJSON(t, h.RegisterWebhook, http.MethodPost, "/v1/webhooks", RegisterWebhookRequest{
		AppID:            "app-1",
		TargetURL:        "https://example.com/hooks",
		SubscribedEvents: []string{"notification.*"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	webhookID, err := uuid.Parse(resp["webhook_id"])
	if err != nil {
		t.Fatalf("webhook_id is not a UUID: %v", err)
	}
	secret := resp["webhook_secret"]
	if !strings.HasPrefix(secret, "whsec_") {
		t.Errorf("secret missing whsec_ prefix: %q", secret)
	}

	stored := repo.subscriptions[webhookID]
	if stored == nil {
		t.Fatal("subscription not persisted")
	}
	if stored.Secret != secret {
		t.Error("persisted secret differs from the one returned")
	}
	if !stored.IsActive {
		t.Error("new subscriptions must start active")
	}
}

func TestRegisterWebhookValidation(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := doJSON(t, h.RegisterWebhook, http.MethodPost, "/v1/webhooks", RegisterWebhookRequest{
		AppID: "app-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing target_url, got %d", rec.Code)
	}
}

func TestListWebhooksRedactsSecrets(t *testing.T) {
	h, repo, _ := newTestHandler()

	sub := &db.WebhookSubscription{
		ID:        uuid.New(),
		AppID:     "app-1",
		TargetURL: "https://example.com/hooks",
		Secret:    "whsec_supersecret",
		IsActive:  true,
	}
	repo.subscriptions[sub.ID] = sub

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks?app_id=app-1", nil)
	rec := httptest.NewRecorder()
	h.ListWebhooks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "supersecret") {
		t.Error("listing must never expose webhook secrets")
	}
	if !strings.Contains(rec.Body.String(), sub.ID.String()) {
		t.Error("listing must include the subscription")
	}
}

func TestDeleteWebhookDeactivates(t *testing.T) {
	h, repo, _ := newTestHandler()

	sub := &db.WebhookSubscription{ID: uuid.New(), AppID: "app-1", IsActive: true}
	repo.subscriptions[sub.ID] = sub

	req := httptest.NewRequest(http.MethodDelete, "/v1/webhooks/"+sub.ID.String(), nil)
	req = withURLParam(req, "id", sub.ID.String())
	rec := httptest.NewRecorder()
	h.DeleteWebhook(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if sub.IsActive {
		t.Error("delete must deactivate the subscription")
	}
	if _, ok := repo.subscriptions[sub.ID]; !ok {
		t.Error("delivery history must survive deletion, row should remain")
	}
}

func TestListEventsFilters(t *testing.T) {
	h, repo, _ := newTestHandler()

	repo.events = []*db.PlatformEvent{
		{ID: uuid.New(), AppID: "app-1", EventCategory: "notification", EventType: "created"},
		{ID: uuid.New(), AppID: "app-1", EventCategory: "user", EventType: "updated"},
		{ID: uuid.New(), AppID: "app-2", EventCategory: "notification", EventType: "created"},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/events?app_id=app-1&category=notification", nil)
	rec := httptest.NewRecorder()
	h.ListEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 matching event, got %d", resp.Count)
	}
}

func TestListEventsRejectsBadSince(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/events?since=yesterday", nil)
	rec := httptest.NewRecorder()
	h.ListEvents(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRealtimeStatsEndpoint(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime/stats", nil)
	rec := httptest.NewRecorder()
	h.RealtimeStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats realtime.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalConnections != 0 {
		t.Errorf("expected empty registry, got %d", stats.TotalConnections)
	}
}

func TestErrorResponseFormat(t *testing.T) {
	h, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil) // missing user_id
	rec := httptest.NewRecorder()
	h.ListNotifications(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Status != http.StatusBadRequest || errResp.Title == "" {
		t.Errorf("malformed error body: %+v", errResp)
	}
}
