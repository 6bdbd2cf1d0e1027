package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateSubscription inserts a webhook subscription
func (r *Repository) CreateSubscription(ctx context.Context, sub *WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscriptions (
			id, app_id, target_url, secret, subscribed_events, is_active, consecutive_failures
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.ID,
		sub.AppID,
		sub.TargetURL,
		sub.Secret,
		sub.SubscribedEvents,
		sub.IsActive,
		sub.ConsecutiveFailures,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create webhook subscription",
			zap.Error(err),
			zap.String("webhook_id", sub.ID.String()),
			zap.String("app_id", sub.AppID),
		)
		return fmt.Errorf("insert webhook subscription: %w", err)
	}

	r.logger.Info("webhook subscription created",
		zap.String("webhook_id", sub.ID.String()),
		zap.String("app_id", sub.AppID),
		zap.String("target_url", sub.TargetURL),
	)

	return nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	query := `
		SELECT id, app_id, target_url, secret, subscribed_events,
		       is_active, consecutive_failures, created_at, updated_at
		FROM webhook_subscriptions
		WHERE id = $1
	`

	var sub WebhookSubscription
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.AppID,
		&sub.TargetURL,
		&sub.Secret,
		&sub.SubscribedEvents,
		&sub.IsActive,
		&sub.ConsecutiveFailures,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("webhook subscription not found: %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("query webhook subscription: %w", err)
	}

	return &sub, nil
}

// ListActiveSubscriptionsByApp retrieves active subscriptions for one app
func (r *Repository) ListActiveSubscriptionsByApp(ctx context.Context, appID string) ([]*WebhookSubscription, error) {
	query := `
		SELECT id, app_id, target_url, secret, subscribed_events,
		       is_active, consecutive_failures, created_at, updated_at
		FROM webhook_subscriptions
		WHERE app_id = $1 AND is_active = TRUE
		ORDER BY created_at ASC
	`
	return r.querySubscriptions(ctx, query, appID)
}

// ListSubscriptionsByApp retrieves all of an app's subscriptions, active or not
func (r *Repository) ListSubscriptionsByApp(ctx context.Context, appID string) ([]*WebhookSubscription, error) {
	query := `
		SELECT id, app_id, target_url, secret, subscribed_events,
		       is_active, consecutive_failures, created_at, updated_at
		FROM webhook_subscriptions
		WHERE app_id = $1
		ORDER BY created_at ASC
	`
	return r.querySubscriptions(ctx, query, appID)
}

func (r *Repository) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*WebhookSubscription, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		err := rows.Scan(
			&sub.ID,
			&sub.AppID,
			&sub.TargetURL,
			&sub.Secret,
			&sub.SubscribedEvents,
			&sub.IsActive,
			&sub.ConsecutiveFailures,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// DeactivateSubscription flips is_active off. Used by the admin surface;
// automatic deactivation goes through MarkDeliveryFailed.
func (r *Repository) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE webhook_subscriptions
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate webhook subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("webhook subscription not found: %s", id)
	}

	r.logger.Info("webhook subscription deactivated", zap.String("webhook_id", id.String()))

	return nil
}

// MarkDeliveryFailed increments consecutive_failures and deactivates the
// subscription once the count reaches threshold, in a single statement so
// concurrent delivery goroutines never lose an increment. Deactivation is
// one-way here: a subscription that is already inactive (threshold or admin
// action) stays inactive no matter what the new count is.
func (r *Repository) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, threshold int) (failures int, active bool, err error) {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    is_active = is_active AND (consecutive_failures + 1 < $2),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures, is_active
	`

	err = r.db.Pool().QueryRow(ctx, query, id, threshold).Scan(&failures, &active)
	if err != nil {
		return 0, false, fmt.Errorf("mark delivery failed: %w", err)
	}

	if !active {
		r.logger.Warn("webhook subscription disabled after sustained failures",
			zap.String("webhook_id", id.String()),
			zap.Int("consecutive_failures", failures),
		)
	}

	return failures, active, nil
}

// ResetFailures zeroes consecutive_failures after a successful delivery
func (r *Repository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0, updated_at = NOW()
		WHERE id = $1 AND consecutive_failures > 0
	`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}

	return nil
}

// RecordDeliveryAttempt logs one delivery try, success or failure
func (r *Repository) RecordDeliveryAttempt(ctx context.Context, attempt *WebhookDeliveryAttempt) error {
	query := `
		INSERT INTO webhook_delivery_attempts (
			id, webhook_id, event_id, event_type, attempt_number, response_status, success
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		attempt.ID,
		attempt.WebhookID,
		attempt.EventID,
		attempt.EventType,
		attempt.AttemptNumber,
		attempt.ResponseStatus,
		attempt.Success,
	).Scan(&attempt.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}

	return nil
}

// ListDeliveryAttempts retrieves recent attempts for one subscription
func (r *Repository) ListDeliveryAttempts(ctx context.Context, webhookID uuid.UUID, limit int) ([]*WebhookDeliveryAttempt, error) {
	query := `
		SELECT id, webhook_id, event_id, event_type, attempt_number, response_status, success, created_at
		FROM webhook_delivery_attempts
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*WebhookDeliveryAttempt
	for rows.Next() {
		var a WebhookDeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.WebhookID,
			&a.EventID,
			&a.EventType,
			&a.AttemptNumber,
			&a.ResponseStatus,
			&a.Success,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return attempts, nil
}
