package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	// Validation messages. The generic message covers both "not found" and
	// keys whose fingerprint did not match, so prefixes cannot be enumerated.
	// The expired message is only returned once prefix and fingerprint
	// already matched.
	MsgInvalidKey = "Invalid API key"
	MsgExpiredKey = "API key expired"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	List(ctx context.Context) ([]Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	Rotate(ctx context.Context, id string) (*SecretResponse, error)
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Validate(ctx context.Context, fullSecret string) (*Validation, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*APIKey, error)
	FindActiveByPrefix(ctx context.Context, db *gorm.DB, prefix string) (*APIKey, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]APIKey, error)
	Delete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error
	RecordUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, usedAt time.Time) error
}

type CreateRequest struct {
	Name                   string     `json:"name"`
	Permissions            []string   `json:"permissions"`
	RateLimit              int        `json:"rate_limit"`
	RateLimitWindowSeconds int        `json:"rate_limit_window_seconds"`
	ExpiresAt              *time.Time `json:"expires_at"`
}

type Response struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Prefix                 string     `json:"prefix"`
	Permissions            []string   `json:"permissions"`
	RateLimit              int        `json:"rate_limit"`
	RateLimitWindowSeconds int        `json:"rate_limit_window_seconds"`
	UsageCount             int64      `json:"usage_count"`
	IsActive               bool       `json:"is_active"`
	CreatedAt              time.Time  `json:"created_at"`
	LastUsedAt             *time.Time `json:"last_used_at"`
	ExpiresAt              *time.Time `json:"expires_at"`
}

// SecretResponse carries the full secret. Returned exactly once, on create
// and on rotate; no read path ever reproduces it.
type SecretResponse struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
	APIKey string `json:"api_key"`
}

// Validation is the outcome of checking a presented bearer secret.
type Validation struct {
	Valid   bool
	Message string
	Key     *APIKey
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidRateLimit    = errors.New("invalid_rate_limit")
	ErrInvalidKeyID        = errors.New("invalid_key_id")
	ErrNotFound            = errors.New("not_found")
)
