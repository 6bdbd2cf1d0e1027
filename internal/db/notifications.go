package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateNotification inserts a notification together with its initial unread
// state row for the recipient, in one transaction.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO notifications (
			id, app_id, user_id, title, body, priority,
			action_url, external_id, expires_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, insertQuery,
		notif.ID,
		notif.AppID,
		notif.UserID,
		notif.Title,
		notif.Body,
		notif.Priority,
		notif.ActionURL,
		notif.ExternalID,
		notif.ExpiresAt,
		notif.Metadata,
	).Scan(&notif.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	stateQuery := `
		INSERT INTO notification_states (notification_id, user_id, status)
		VALUES ($1, $2, $3)
	`
	if _, err = tx.Exec(ctx, stateQuery, notif.ID, notif.UserID, StateUnread); err != nil {
		return fmt.Errorf("insert notification state: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("app_id", notif.AppID),
		zap.String("user_id", notif.UserID),
		zap.String("priority", notif.Priority),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT
			id, app_id, user_id, title, body, priority,
			action_url, external_id, expires_at, metadata, created_at
		FROM notifications
		WHERE id = $1
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&notif.ID,
		&notif.AppID,
		&notif.UserID,
		&notif.Title,
		&notif.Body,
		&notif.Priority,
		&notif.ActionURL,
		&notif.ExternalID,
		&notif.ExpiresAt,
		&notif.Metadata,
		&notif.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &notif, nil
}

// FindNotificationByExternalID looks up a notification by its producer-supplied
// idempotency key within an app. Returns (nil, nil) when absent.
func (r *Repository) FindNotificationByExternalID(ctx context.Context, appID, externalID string) (*Notification, error) {
	query := `
		SELECT
			id, app_id, user_id, title, body, priority,
			action_url, external_id, expires_at, metadata, created_at
		FROM notifications
		WHERE app_id = $1 AND external_id = $2
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, appID, externalID).Scan(
		&notif.ID,
		&notif.AppID,
		&notif.UserID,
		&notif.Title,
		&notif.Body,
		&notif.Priority,
		&notif.ActionURL,
		&notif.ExternalID,
		&notif.ExpiresAt,
		&notif.Metadata,
		&notif.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query notification by external id: %w", err)
	}

	return &notif, nil
}

// ListNotificationsByUser retrieves a user's notifications newest-first
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID string, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT
			id, app_id, user_id, title, body, priority,
			action_url, external_id, expires_at, metadata, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.AppID,
			&notif.UserID,
			&notif.Title,
			&notif.Body,
			&notif.Priority,
			&notif.ActionURL,
			&notif.ExternalID,
			&notif.ExpiresAt,
			&notif.Metadata,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// GetState retrieves the state row for one (notification, user) pair
func (r *Repository) GetState(ctx context.Context, notificationID uuid.UUID, userID string) (*NotificationState, error) {
	query := `
		SELECT notification_id, user_id, status, read_at, dismissed_at, clicked_at, updated_at
		FROM notification_states
		WHERE notification_id = $1 AND user_id = $2
	`

	var st NotificationState
	err := r.db.Pool().QueryRow(ctx, query, notificationID, userID).Scan(
		&st.NotificationID,
		&st.UserID,
		&st.Status,
		&st.ReadAt,
		&st.DismissedAt,
		&st.ClickedAt,
		&st.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification state not found: %s", notificationID)
	}

	if err != nil {
		return nil, fmt.Errorf("query notification state: %w", err)
	}

	return &st, nil
}

// UpdateState persists a state row's status and timestamps
func (r *Repository) UpdateState(ctx context.Context, st *NotificationState) error {
	query := `
		UPDATE notification_states
		SET status = $1, read_at = $2, dismissed_at = $3, clicked_at = $4, updated_at = NOW()
		WHERE notification_id = $5 AND user_id = $6
	`

	result, err := r.db.Pool().Exec(ctx, query,
		st.Status,
		st.ReadAt,
		st.DismissedAt,
		st.ClickedAt,
		st.NotificationID,
		st.UserID,
	)
	if err != nil {
		r.logger.Error("failed to update notification state",
			zap.Error(err),
			zap.String("notification_id", st.NotificationID.String()),
			zap.String("status", st.Status),
		)
		return fmt.Errorf("update notification state: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification state not found: %s", st.NotificationID)
	}

	return nil
}

// ExpireDue flips every non-terminal state row whose notification is past its
// expires_at to expired and returns the flipped rows. Rows already expired or
// dismissed are untouched, so each state expires at most once.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time, limit int) ([]ExpiredState, error) {
	query := `
		UPDATE notification_states ns
		SET status = $1, updated_at = NOW()
		FROM notifications n
		WHERE ns.notification_id = n.id
		  AND n.expires_at IS NOT NULL
		  AND n.expires_at <= $2
		  AND ns.status NOT IN ($3, $4)
		  AND ns.notification_id IN (
			SELECT ns2.notification_id FROM notification_states ns2
			JOIN notifications n2 ON ns2.notification_id = n2.id
			WHERE n2.expires_at IS NOT NULL AND n2.expires_at <= $2
			  AND ns2.status NOT IN ($3, $4)
			LIMIT $5
		  )
		RETURNING ns.notification_id, ns.user_id, n.app_id
	`

	rows, err := r.db.Pool().Query(ctx, query, StateExpired, now, StateExpired, StateDismissed, limit)
	if err != nil {
		return nil, fmt.Errorf("expire notifications: %w", err)
	}
	defer rows.Close()

	var expired []ExpiredState
	for rows.Next() {
		var e ExpiredState
		if err := rows.Scan(&e.NotificationID, &e.UserID, &e.AppID); err != nil {
			return nil, fmt.Errorf("scan expired state: %w", err)
		}
		expired = append(expired, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return expired, nil
}
