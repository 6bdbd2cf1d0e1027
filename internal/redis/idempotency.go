package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DedupTTL is how long a creation result is retained for replay. Producers
	// supply external_id explicitly, so a long window is what they expect; the
	// database unique lookup backstops anything older.
	DedupTTL = 24 * time.Hour

	// processingTTL bounds the reservation lock while a create is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates another request holds the same dedup key and
// has not finished yet.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already in flight")

// DedupResult is the cached outcome of a notification create.
type DedupResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// DedupService deduplicates notification creation on (app_id, external_id)
// using Redis set-if-not-exists reservations.
type DedupService struct {
	client *Client
	logger *zap.Logger
}

// NewDedupService creates a dedup service.
func NewDedupService(client *Client, logger *zap.Logger) *DedupService {
	return &DedupService{
		client: client,
		logger: logger,
	}
}

func (s *DedupService) buildKey(appID, externalID string) string {
	return fmt.Sprintf("notifications:dedup:%s:%s", appID, externalID)
}

// Check retrieves a cached creation result. Returns (nil, nil) when the key
// is unknown and ErrDuplicateRequest when a create is currently in flight.
func (s *DedupService) Check(ctx context.Context, appID, externalID string) (*DedupResult, error) {
	key := s.buildKey(appID, externalID)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result DedupResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal dedup result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("notification dedup hit",
		zap.String("app_id", appID),
		zap.String("external_id", externalID),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the outcome of a completed create for later replay.
func (s *DedupService) Store(ctx context.Context, appID, externalID string, result *DedupResult) error {
	key := s.buildKey(appID, externalID)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, DedupTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// CheckOrReserve returns a cached result, reserves the key for this request,
// or reports an in-flight duplicate.
func (s *DedupService) CheckOrReserve(ctx context.Context, appID, externalID string) (*DedupResult, error) {
	result, err := s.Check(ctx, appID, externalID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	key := s.buildKey(appID, externalID)
	reserved, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
