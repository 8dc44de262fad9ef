package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/hookline/hookline/internal/apikey/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO api_keys (id, org_id, name, prefix, secret_fingerprint, permissions, rate_limit, rate_limit_window_seconds, usage_count, is_active, created_at, updated_at, last_used_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.OrgID,
		key.Name,
		key.Prefix,
		key.SecretFingerprint,
		key.Permissions,
		key.RateLimit,
		key.RateLimitWindowSeconds,
		key.UsageCount,
		key.IsActive,
		key.CreatedAt,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys
		 SET name = ?, prefix = ?, secret_fingerprint = ?, permissions = ?, rate_limit = ?, rate_limit_window_seconds = ?, usage_count = ?, is_active = ?, updated_at = ?, last_used_at = ?, expires_at = ?
		 WHERE org_id = ? AND id = ?`,
		key.Name,
		key.Prefix,
		key.SecretFingerprint,
		key.Permissions,
		key.RateLimit,
		key.RateLimitWindowSeconds,
		key.UsageCount,
		key.IsActive,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.OrgID,
		key.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, prefix, secret_fingerprint, permissions, rate_limit, rate_limit_window_seconds, usage_count, is_active, created_at, updated_at, last_used_at, expires_at
		 FROM api_keys WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) FindActiveByPrefix(ctx context.Context, db *gorm.DB, prefix string) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, prefix, secret_fingerprint, permissions, rate_limit, rate_limit_window_seconds, usage_count, is_active, created_at, updated_at, last_used_at, expires_at
		 FROM api_keys WHERE prefix = ? AND is_active = true LIMIT 1`,
		prefix,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, prefix, secret_fingerprint, permissions, rate_limit, rate_limit_window_seconds, usage_count, is_active, created_at, updated_at, last_used_at, expires_at
		 FROM api_keys WHERE org_id = ? ORDER BY created_at DESC`,
		orgID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM api_keys WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Error
}

func (r *repo) RecordUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, usedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		usedAt,
		usedAt,
		id,
	).Error
}
