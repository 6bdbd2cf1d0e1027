package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// InsertEvent appends an event row. The id must already be set; created_at is
// assigned by the database and written back into ev.
func (r *Repository) InsertEvent(ctx context.Context, ev *PlatformEvent) error {
	query := `
		INSERT INTO platform_events (
			id, app_id, user_id, event_category, event_type,
			entity_type, entity_id, event_data, ip_address, user_agent
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		ev.ID,
		ev.AppID,
		ev.UserID,
		ev.EventCategory,
		ev.EventType,
		ev.EntityType,
		ev.EntityID,
		ev.EventData,
		ev.IPAddress,
		ev.UserAgent,
	).Scan(&ev.CreatedAt)

	if err != nil {
		r.logger.Error("failed to insert event",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
			zap.String("event_type", ev.EventCategory+"."+ev.EventType),
		)
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// GetEvent retrieves an event by ID
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*PlatformEvent, error) {
	query := `
		SELECT
			id, app_id, user_id, event_category, event_type,
			entity_type, entity_id, event_data, ip_address, user_agent, created_at
		FROM platform_events
		WHERE id = $1
	`

	var ev PlatformEvent
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&ev.ID,
		&ev.AppID,
		&ev.UserID,
		&ev.EventCategory,
		&ev.EventType,
		&ev.EntityType,
		&ev.EntityID,
		&ev.EventData,
		&ev.IPAddress,
		&ev.UserAgent,
		&ev.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("event not found: %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}

	return &ev, nil
}

// EventQuery narrows ListEvents. Zero-valued fields are ignored.
type EventQuery struct {
	AppID    string
	UserID   string
	Category string
	Type     string
	Since    *time.Time
	Limit    int
	Offset   int
}

// ListEvents retrieves events newest-first, filtered by the query
func (r *Repository) ListEvents(ctx context.Context, q EventQuery) ([]*PlatformEvent, error) {
	var conds []string
	var args []interface{}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.AppID != "" {
		add("app_id = $%d", q.AppID)
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.Category != "" {
		add("event_category = $%d", q.Category)
	}
	if q.Type != "" {
		add("event_type = $%d", q.Type)
	}
	if q.Since != nil {
		add("created_at >= $%d", *q.Since)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	args = append(args, limit, q.Offset)
	query := fmt.Sprintf(`
		SELECT
			id, app_id, user_id, event_category, event_type,
			entity_type, entity_id, event_data, ip_address, user_agent, created_at
		FROM platform_events
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*PlatformEvent
	for rows.Next() {
		var ev PlatformEvent
		err := rows.Scan(
			&ev.ID,
			&ev.AppID,
			&ev.UserID,
			&ev.EventCategory,
			&ev.EventType,
			&ev.EntityType,
			&ev.EntityID,
			&ev.EventData,
			&ev.IPAddress,
			&ev.UserAgent,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}
