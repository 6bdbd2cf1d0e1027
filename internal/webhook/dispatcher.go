// Package webhook delivers platform events to third-party HTTP targets with
// signed payloads, per-delivery retry with exponential backoff, and automatic
// suppression of persistently failing subscriptions.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/event"
	"github.com/oriva/platform/internal/metrics"
)

// activeCheckTimeout bounds the between-attempt subscription lookup,
// separately from the per-attempt HTTP budget.
const activeCheckTimeout = 5 * time.Second

// SubscriptionStore is the slice of the repository the dispatcher needs.
type SubscriptionStore interface {
	ListActiveSubscriptionsByApp(ctx context.Context, appID string) ([]*db.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.WebhookSubscription, error)
	RecordDeliveryAttempt(ctx context.Context, attempt *db.WebhookDeliveryAttempt) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, threshold int) (failures int, active bool, err error)
	ResetFailures(ctx context.Context, id uuid.UUID) error
}

// Config tunes delivery behavior. Zero values get production defaults; tests
// shrink BackoffBase to keep retries fast.
type Config struct {
	MaxAttempts      int           // total tries per event per subscription
	BackoffBase      time.Duration // delay before attempt 2; doubles per attempt
	RequestTimeout   time.Duration // per-attempt HTTP timeout
	FailureThreshold int           // consecutive failed deliveries before deactivation
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 100
	}
	return c
}

// envelope is the POSTed payload.
type envelope struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Dispatcher fans one event out to every active matching subscription, each
// delivery on its own goroutine so one unreachable target never delays the
// others.
type Dispatcher struct {
	store  SubscriptionStore
	client *http.Client
	config Config
	logger *zap.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store SubscriptionStore, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Name implements event.Consumer.
func (d *Dispatcher) Name() string { return "webhook" }

// HandleEvent implements event.Consumer: resolves matching subscriptions and
// starts one delivery goroutine per target, returning without waiting for
// them. Inactive subscriptions are skipped outright.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *db.PlatformEvent) error {
	subs, err := d.store.ListActiveSubscriptionsByApp(ctx, ev.AppID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !event.Match(sub.SubscribedEvents, ev.EventCategory, ev.EventType) {
			continue
		}
		d.wg.Add(1)
		go func(sub *db.WebhookSubscription) {
			defer d.wg.Done()
			d.deliver(sub, ev)
		}(sub)
	}

	return nil
}

// Shutdown aborts pending backoff sleeps. It does not block on in-flight
// HTTP attempts; callers that want a bounded drain follow up with Wait
// under their own deadline.
func (d *Dispatcher) Shutdown() {
	close(d.done)
}

// Wait blocks until every delivery started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver runs the full retry chain for one (subscription, event) pair.
// Delivery is detached from the publishing request, so it uses its own
// contexts scoped per attempt.
func (d *Dispatcher) deliver(sub *db.WebhookSubscription, ev *db.PlatformEvent) {
	eventType := ev.EventCategory + "." + ev.EventType

	body, err := d.buildBody(ev, eventType)
	if err != nil {
		d.logger.Error("failed to build webhook payload",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
		)
		return
	}
	signature := Sign(sub.Secret, body)

	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := d.config.BackoffBase << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-d.done:
				return
			}
		}

		// The subscription may have been deactivated (failure threshold or
		// admin action) while this chain was sleeping. A slow lookup must
		// not eat into the HTTP budget, so it gets its own short context.
		lookupCtx, lookupCancel := context.WithTimeout(context.Background(), activeCheckTimeout)
		current, err := d.store.GetSubscription(lookupCtx, sub.ID)
		lookupCancel()
		if err == nil && !current.IsActive {
			metrics.RecordWebhookDelivery("skipped")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.config.RequestTimeout)
		status, err := d.post(ctx, sub.TargetURL, body, signature)
		cancel()

		success := err == nil && status >= 200 && status < 300
		d.recordAttempt(sub, ev, eventType, attempt, status, success)
		metrics.RecordWebhookAttempt(success)

		if success {
			metrics.RecordWebhookDelivery("delivered")
			d.logger.Info("webhook delivered",
				zap.String("webhook_id", sub.ID.String()),
				zap.String("event_id", ev.ID.String()),
				zap.Int("attempt", attempt),
				zap.Int("status", status),
			)
			if resetErr := d.store.ResetFailures(context.Background(), sub.ID); resetErr != nil {
				d.logger.Warn("failed to reset failure counter", zap.Error(resetErr))
			}
			return
		}

		d.logger.Debug("webhook attempt failed",
			zap.String("webhook_id", sub.ID.String()),
			zap.String("event_id", ev.ID.String()),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	// All attempts exhausted: one failed event delivery on the counter.
	metrics.RecordWebhookDelivery("exhausted")
	failures, active, err := d.store.MarkDeliveryFailed(context.Background(), sub.ID, d.config.FailureThreshold)
	if err != nil {
		d.logger.Error("failed to record delivery failure",
			zap.Error(err),
			zap.String("webhook_id", sub.ID.String()),
		)
		return
	}

	d.logger.Warn("webhook delivery abandoned",
		zap.String("webhook_id", sub.ID.String()),
		zap.String("event_id", ev.ID.String()),
		zap.Int("attempts", d.config.MaxAttempts),
		zap.Int("consecutive_failures", failures),
		zap.Bool("still_active", active),
	)
}

// buildBody serializes the envelope. The data object always carries the
// entity fields so receivers can correlate without a second lookup.
func (d *Dispatcher) buildBody(ev *db.PlatformEvent, eventType string) ([]byte, error) {
	data := make(map[string]interface{})
	if len(ev.EventData) > 0 {
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	data["entity_type"] = ev.EntityType
	data["entity_id"] = ev.EntityID
	if ev.EventCategory == db.CategoryNotification {
		data["notification_id"] = ev.EntityID
	}

	return json.Marshal(envelope{
		EventID:   ev.ID.String(),
		EventType: eventType,
		Timestamp: ev.CreatedAt,
		Data:      data,
	})
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Oriva-Webhooks/1.0")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	return resp.StatusCode, nil
}

func (d *Dispatcher) recordAttempt(sub *db.WebhookSubscription, ev *db.PlatformEvent, eventType string, attempt, status int, success bool) {
	row := &db.WebhookDeliveryAttempt{
		ID:            uuid.New(),
		WebhookID:     sub.ID,
		EventID:       ev.ID,
		EventType:     eventType,
		AttemptNumber: attempt,
		Success:       success,
	}
	if status != 0 {
		row.ResponseStatus = &status
	}

	if err := d.store.RecordDeliveryAttempt(context.Background(), row); err != nil {
		d.logger.Warn("failed to record delivery attempt",
			zap.Error(err),
			zap.String("webhook_id", sub.ID.String()),
			zap.Int("attempt", attempt),
		)
	}
}
