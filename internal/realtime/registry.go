// Package realtime tracks live client connections and fans published events
// out to them. The registry is the only shared mutable structure touched by
// broadcasts, the heartbeat sweep, and connect/disconnect handling, so it is
// sharded by user with per-shard locking.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/oriva/platform/internal/metrics"
)

const shardCount = 32

// MaxConnectionsPerUser is the hard cap on concurrent connections one user
// may hold on this instance.
const MaxConnectionsPerUser = 10

// ErrConnectionLimit is returned when a registration would exceed the
// per-user cap. The caller must close the underlying transport.
var ErrConnectionLimit = errors.New("connection limit exceeded for user")

// Transport is the write side of a live connection. Implementations must be
// safe for concurrent use; the broadcaster, the heartbeat sweep, and the
// registry all write through it.
type Transport interface {
	Push(frame []byte) error
	Ping() error
	Close() error
}

// Conn is one registered connection. Subscription filters and the heartbeat
// timestamp are guarded by mu; identity fields are immutable.
type Conn struct {
	ID          uuid.UUID
	UserID      string
	AppID       string
	ConnectedAt time.Time

	transport Transport

	mu            sync.RWMutex
	subscriptions []string
	lastHeartbeat time.Time
}

// Subscriptions returns a copy of the connection's filter set.
func (c *Conn) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.subscriptions))
	copy(out, c.subscriptions)
	return out
}

func (c *Conn) setSubscriptions(patterns []string) {
	c.mu.Lock()
	c.subscriptions = patterns
	c.mu.Unlock()
}

// Touch records a heartbeat response from the client.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Conn) heartbeatAge(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.lastHeartbeat)
}

type shard struct {
	mu     sync.RWMutex
	byUser map[string][]*Conn
}

// Registry is the process-local table of live connections.
type Registry struct {
	shards [shardCount]*shard
	logger *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{byUser: make(map[string][]*Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := murmur3.Sum32([]byte(userID))
	return r.shards[h%shardCount]
}

// Register adds a connection for the user, enforcing the per-user cap, and
// sends the connected acknowledgement over the transport. On
// ErrConnectionLimit nothing is registered and the caller owns the transport.
func (r *Registry) Register(userID, appID string, transport Transport, subscriptions []string) (*Conn, error) {
	conn := &Conn{
		ID:            uuid.New(),
		UserID:        userID,
		AppID:         appID,
		ConnectedAt:   time.Now(),
		transport:     transport,
		subscriptions: subscriptions,
		lastHeartbeat: time.Now(),
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	if len(s.byUser[userID]) >= MaxConnectionsPerUser {
		s.mu.Unlock()
		metrics.RecordConnectionRejected()
		r.logger.Warn("connection refused, per-user limit reached",
			zap.String("user_id", userID),
			zap.Int("limit", MaxConnectionsPerUser),
		)
		return nil, ErrConnectionLimit
	}
	s.byUser[userID] = append(s.byUser[userID], conn)
	s.mu.Unlock()

	metrics.SetConnectionsActive(r.Count())

	ack, err := marshalConnected(conn)
	if err == nil {
		if pushErr := transport.Push(ack); pushErr != nil {
			r.Deregister(userID, conn.ID)
			return nil, pushErr
		}
	}

	r.logger.Info("connection registered",
		zap.String("connection_id", conn.ID.String()),
		zap.String("user_id", userID),
		zap.String("app_id", appID),
	)

	return conn, nil
}

// Deregister removes a connection and closes its transport. Safe to call more
// than once for the same connection.
func (r *Registry) Deregister(userID string, connID uuid.UUID) {
	s := r.shardFor(userID)

	s.mu.Lock()
	conns := s.byUser[userID]
	var removed *Conn
	for i, c := range conns {
		if c.ID == connID {
			removed = c
			s.byUser[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(s.byUser[userID]) == 0 {
		delete(s.byUser, userID)
	}
	s.mu.Unlock()

	if removed == nil {
		return
	}

	_ = removed.transport.Close()
	metrics.SetConnectionsActive(r.Count())

	r.logger.Info("connection deregistered",
		zap.String("connection_id", connID.String()),
		zap.String("user_id", userID),
	)
}

// UpdateSubscriptions replaces a connection's filter set. Returns false when
// the connection is unknown.
func (r *Registry) UpdateSubscriptions(userID string, connID uuid.UUID, patterns []string) bool {
	s := r.shardFor(userID)

	s.mu.RLock()
	var target *Conn
	for _, c := range s.byUser[userID] {
		if c.ID == connID {
			target = c
			break
		}
	}
	s.mu.RUnlock()

	if target == nil {
		return false
	}

	target.setSubscriptions(patterns)
	return true
}

// ConnectionsForUser returns a snapshot of one user's connections.
func (r *Registry) ConnectionsForUser(userID string) []*Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, len(s.byUser[userID]))
	copy(out, s.byUser[userID])
	return out
}

// AllConnections returns a snapshot of every registered connection.
func (r *Registry) AllConnections() []*Conn {
	var out []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.byUser {
			out = append(out, conns...)
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the total number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.byUser {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}

// Stats reports totals for operational visibility.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	UserCounts       map[string]int `json:"user_counts"`
}

// Stats returns the current connection totals.
func (r *Registry) Stats() Stats {
	st := Stats{UserCounts: make(map[string]int)}
	for _, s := range r.shards {
		s.mu.RLock()
		for userID, conns := range s.byUser {
			st.UserCounts[userID] = len(conns)
			st.TotalConnections += len(conns)
		}
		s.mu.RUnlock()
	}
	return st
}
