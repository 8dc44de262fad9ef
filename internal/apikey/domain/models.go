package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey stores hashed API credentials scoped to an organization. The full
// secret is never persisted; Prefix is the indexed public identifier and
// SecretFingerprint the one-way hash used at validation time.
type APIKey struct {
	ID                     snowflake.ID   `gorm:"primaryKey"`
	OrgID                  snowflake.ID   `gorm:"column:org_id;not null"`
	Name                   string         `gorm:"type:text;not null"`
	Prefix                 string         `gorm:"type:text;not null;uniqueIndex:ux_api_keys_prefix"`
	SecretFingerprint      string         `gorm:"column:secret_fingerprint;type:text;not null"`
	Permissions            pq.StringArray `gorm:"type:text[];not null"`
	RateLimit              int            `gorm:"column:rate_limit;not null"`
	RateLimitWindowSeconds int            `gorm:"column:rate_limit_window_seconds;not null"`
	UsageCount             int64          `gorm:"column:usage_count;not null;default:0"`
	IsActive               bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAt              time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastUsedAt             *time.Time     `gorm:"column:last_used_at"`
	ExpiresAt              *time.Time     `gorm:"column:expires_at"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }
