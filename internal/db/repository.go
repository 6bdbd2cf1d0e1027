package db

import (
	"go.uber.org/zap"
)

// Repository handles database operations for events, notifications, and
// webhook subscriptions. Method sets are split across events.go,
// notifications.go, and webhooks.go.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a repository over the given pool
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}
