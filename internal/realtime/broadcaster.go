package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
	"github.com/oriva/platform/internal/event"
	"github.com/oriva/platform/internal/metrics"
)

// Config tunes the broadcaster's heartbeat sweep.
type Config struct {
	HeartbeatInterval time.Duration // ping cadence
	StaleAfter        time.Duration // teardown threshold for silent connections
}

// Broadcaster delivers published events to matching live connections and runs
// the heartbeat sweep that evicts dead ones.
type Broadcaster struct {
	registry *Registry
	config   Config
	logger   *zap.Logger
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry *Registry, cfg Config, logger *zap.Logger) *Broadcaster {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 120 * time.Second
	}
	return &Broadcaster{
		registry: registry,
		config:   cfg,
		logger:   logger,
	}
}

// Name implements event.Consumer.
func (b *Broadcaster) Name() string { return "realtime" }

// HandleEvent implements event.Consumer: pushes the event to the target
// user's matching connections, or to every connection for a system-wide
// event with no user.
func (b *Broadcaster) HandleEvent(ctx context.Context, ev *db.PlatformEvent) error {
	var targets []*Conn
	if ev.UserID != "" {
		targets = b.registry.ConnectionsForUser(ev.UserID)
	} else {
		targets = b.registry.AllConnections()
	}
	if len(targets) == 0 {
		return nil
	}

	frame, err := marshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event frame: %w", err)
	}

	delivered := 0
	for _, conn := range targets {
		if !event.Match(conn.Subscriptions(), ev.EventCategory, ev.EventType) {
			continue
		}
		if err := conn.transport.Push(frame); err != nil {
			metrics.RecordRealtimePush(false)
			b.logger.Debug("push failed, tearing down connection",
				zap.String("connection_id", conn.ID.String()),
				zap.String("user_id", conn.UserID),
				zap.Error(err),
			)
			b.registry.Deregister(conn.UserID, conn.ID)
			continue
		}
		metrics.RecordRealtimePush(true)
		delivered++
	}

	b.logger.Debug("event broadcast",
		zap.String("event_id", ev.ID.String()),
		zap.String("event", ev.EventCategory+"."+ev.EventType),
		zap.Int("delivered", delivered),
	)

	return nil
}

// Run drives the heartbeat sweep until ctx is cancelled. Every interval each
// connection is pinged; connections whose last heartbeat response is older
// than StaleAfter are torn down regardless of transport-level liveness.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("heartbeat sweep stopping")
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	now := time.Now()
	for _, conn := range b.registry.AllConnections() {
		if conn.heartbeatAge(now) > b.config.StaleAfter {
			b.logger.Info("closing stale connection",
				zap.String("connection_id", conn.ID.String()),
				zap.String("user_id", conn.UserID),
				zap.Duration("heartbeat_age", conn.heartbeatAge(now)),
			)
			b.registry.Deregister(conn.UserID, conn.ID)
			continue
		}
		if err := conn.transport.Ping(); err != nil {
			b.logger.Debug("ping failed, tearing down connection",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err),
			)
			b.registry.Deregister(conn.UserID, conn.ID)
		}
	}
}
