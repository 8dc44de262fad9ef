package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/hookline/hookline/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() webhookdomain.Repository {
	return &repo{}
}

const webhookColumns = `id, org_id, url, events, signing_secret, headers, max_retries, initial_delay_ms, backoff_multiplier, is_active, total_deliveries, successful_deliveries, failed_deliveries, last_delivery_at, last_delivery_status, created_at, updated_at`

const deliveryColumns = `id, webhook_id, event, payload, attempts, status, response_status, response_body, error, duration_ms, next_retry_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, w *webhookdomain.Webhook) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhooks (`+webhookColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.OrgID,
		w.URL,
		w.Events,
		w.SigningSecret,
		w.Headers,
		w.MaxRetries,
		w.InitialDelayMS,
		w.BackoffMultiplier,
		w.IsActive,
		w.TotalDeliveries,
		w.SuccessfulDeliveries,
		w.FailedDeliveries,
		w.LastDeliveryAt,
		w.LastDeliveryStatus,
		w.CreatedAt,
		w.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, w *webhookdomain.Webhook) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhooks
		 SET url = ?, events = ?, signing_secret = ?, headers = ?, max_retries = ?, initial_delay_ms = ?, backoff_multiplier = ?, is_active = ?, updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		w.URL,
		w.Events,
		w.SigningSecret,
		w.Headers,
		w.MaxRetries,
		w.InitialDelayMS,
		w.BackoffMultiplier,
		w.IsActive,
		w.UpdatedAt,
		w.OrgID,
		w.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*webhookdomain.Webhook, error) {
	var w webhookdomain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&w).Error
	if err != nil {
		return nil, err
	}
	if w.ID == 0 {
		return nil, nil
	}
	return &w, nil
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.Webhook, error) {
	var w webhookdomain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`,
		id,
	).Scan(&w).Error
	if err != nil {
		return nil, err
	}
	if w.ID == 0 {
		return nil, nil
	}
	return &w, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]webhookdomain.Webhook, error) {
	var webhooks []webhookdomain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE org_id = ? ORDER BY created_at DESC`,
		orgID,
	).Scan(&webhooks).Error
	if err != nil {
		return nil, err
	}
	return webhooks, nil
}

// ListActiveForEvent filters the event match in Go so the same query works
// on postgres and sqlite; active webhook counts per org stay small.
func (r *repo) ListActiveForEvent(ctx context.Context, db *gorm.DB, orgID snowflake.ID, event string) ([]webhookdomain.Webhook, error) {
	var webhooks []webhookdomain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE org_id = ? AND is_active = true`,
		orgID,
	).Scan(&webhooks).Error
	if err != nil {
		return nil, err
	}

	matched := webhooks[:0]
	for i := range webhooks {
		for _, e := range webhooks[i].Events {
			if e == event {
				matched = append(matched, webhooks[i])
				break
			}
		}
	}
	return matched, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM webhooks WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Error
}

func (r *repo) UpdateStats(ctx context.Context, db *gorm.DB, webhookID snowflake.ID, success bool, at time.Time) error {
	status := webhookdomain.DeliveryStatusFailed
	if success {
		status = webhookdomain.DeliveryStatusSuccess
	}
	return db.WithContext(ctx).Exec(
		`UPDATE webhooks
		 SET total_deliveries = total_deliveries + 1,
		     successful_deliveries = successful_deliveries + CASE WHEN ? THEN 1 ELSE 0 END,
		     failed_deliveries = failed_deliveries + CASE WHEN ? THEN 0 ELSE 1 END,
		     last_delivery_at = ?,
		     last_delivery_status = ?,
		     updated_at = ?
		 WHERE id = ?`,
		success,
		success,
		at,
		status,
		at,
		webhookID,
	).Error
}

func (r *repo) InsertDelivery(ctx context.Context, db *gorm.DB, d *webhookdomain.WebhookDelivery) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.WebhookID,
		d.Event,
		d.Payload,
		d.Attempts,
		d.Status,
		d.ResponseStatus,
		d.ResponseBody,
		d.Error,
		d.DurationMS,
		d.NextRetryAt,
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (r *repo) UpdateDelivery(ctx context.Context, db *gorm.DB, d *webhookdomain.WebhookDelivery) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET attempts = ?, status = ?, response_status = ?, response_body = ?, error = ?, duration_ms = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		d.Attempts,
		d.Status,
		d.ResponseStatus,
		d.ResponseBody,
		d.Error,
		d.DurationMS,
		d.NextRetryAt,
		d.UpdatedAt,
		d.ID,
	).Error
}

func (r *repo) FindDeliveryByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*webhookdomain.WebhookDelivery, error) {
	var d webhookdomain.WebhookDelivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`,
		id,
	).Scan(&d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, nil
	}
	return &d, nil
}

func (r *repo) ListDeliveries(ctx context.Context, db *gorm.DB, webhookID snowflake.ID, limit int) ([]webhookdomain.WebhookDelivery, error) {
	var deliveries []webhookdomain.WebhookDelivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?`,
		webhookID,
		limit,
	).Scan(&deliveries).Error
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (r *repo) DeleteDeliveriesForWebhook(ctx context.Context, db *gorm.DB, webhookID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM webhook_deliveries WHERE webhook_id = ?`,
		webhookID,
	).Error
}

// ListDueDeliveries returns deliveries the reconciliation sweep should
// re-queue: retrying rows whose next attempt time has passed, and pending
// rows that were inserted before pendingBefore but never attempted (lost
// across a crash or a failed webhook lookup).
func (r *repo) ListDueDeliveries(ctx context.Context, db *gorm.DB, now, pendingBefore time.Time, limit int) ([]webhookdomain.WebhookDelivery, error) {
	var deliveries []webhookdomain.WebhookDelivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		    OR (status = ? AND updated_at <= ?)
		 ORDER BY updated_at ASC LIMIT ?`,
		webhookdomain.DeliveryStatusRetrying,
		now,
		webhookdomain.DeliveryStatusPending,
		pendingBefore,
		limit,
	).Scan(&deliveries).Error
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}
