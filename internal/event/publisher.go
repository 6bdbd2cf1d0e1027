package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/metrics"
)

// Store is the slice of the repository the publisher writes through.
type Store interface {
	InsertEvent(ctx context.Context, ev *db.PlatformEvent) error
}

// Consumer receives a persisted event for delivery. Consumers run after the
// write has committed; their errors are logged and never surfaced.
type Consumer interface {
	Name() string
	HandleEvent(ctx context.Context, ev *db.PlatformEvent) error
}

// Publisher validates and persists platform events, then hands each persisted
// event to every registered consumer on its own goroutine.
type Publisher struct {
	store           Store
	consumers       []Consumer
	logger          *zap.Logger
	consumerTimeout time.Duration
}

// NewPublisher creates a publisher. Consumers are attached with Subscribe
// before the first Publish; the set is fixed afterwards.
func NewPublisher(store Store, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:           store,
		logger:          logger,
		consumerTimeout: 60 * time.Second,
	}
}

// Subscribe registers a delivery consumer. Not safe to call concurrently with
// Publish; wire consumers at startup.
func (p *Publisher) Subscribe(c Consumer) {
	p.consumers = append(p.consumers, c)
}

// Publish validates the input, writes the event, and triggers fan-out.
// A *ValidationError means nothing was written; any other error is a failed
// persist. Once this returns nil the event is durable regardless of what the
// consumers do with it.
func (p *Publisher) Publish(ctx context.Context, in Input) (*db.PlatformEvent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	ev := &db.PlatformEvent{
		ID:            uuid.New(),
		AppID:         in.AppID,
		UserID:        in.UserID,
		EventCategory: in.EventCategory,
		EventType:     in.EventType,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		EventData:     in.EventData,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
	}

	if err := p.store.InsertEvent(ctx, ev); err != nil {
		metrics.RecordEventPublished(in.EventCategory, false)
		return nil, err
	}

	metrics.RecordEventPublished(in.EventCategory, true)

	p.logger.Info("event published",
		zap.String("event_id", ev.ID.String()),
		zap.String("event", ev.EventCategory+"."+ev.EventType),
		zap.String("app_id", ev.AppID),
		zap.String("user_id", ev.UserID),
	)

	for _, c := range p.consumers {
		go p.dispatch(c, ev)
	}

	return ev, nil
}

// dispatch runs one consumer with a detached context so delivery outlives the
// publishing request. Consumer errors and panics stay here.
func (p *Publisher) dispatch(c Consumer, ev *db.PlatformEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Debug("event consumer panicked",
				zap.String("consumer", c.Name()),
				zap.String("event_id", ev.ID.String()),
				zap.Any("panic", rec),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.consumerTimeout)
	defer cancel()

	if err := c.HandleEvent(ctx, ev); err != nil {
		p.logger.Debug("event consumer failed",
			zap.String("consumer", c.Name()),
			zap.String("event_id", ev.ID.String()),
			zap.Error(err),
		)
	}
}
