package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// MaxPayloadBytes caps stored event payloads so delivery rows cannot grow
// without bound.
const MaxPayloadBytes = 256 * 1024

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	List(ctx context.Context) ([]Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*Response, error)
	Toggle(ctx context.Context, id string, isActive bool) (*Response, error)
	RegenerateSecret(ctx context.Context, id string) (*SecretResponse, error)
	Delete(ctx context.Context, id string) error

	Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error)
	Deliveries(ctx context.Context, webhookID string, limit int) ([]DeliveryResponse, error)
	RetryDelivery(ctx context.Context, deliveryID string) (*DeliveryResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, webhook *Webhook) error
	Update(ctx context.Context, db *gorm.DB, webhook *Webhook) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Webhook, error)
	// Get reads a webhook without tenant scoping. Dispatcher-internal only;
	// every caller-facing path goes through FindByID.
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Webhook, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Webhook, error)
	ListActiveForEvent(ctx context.Context, db *gorm.DB, orgID snowflake.ID, event string) ([]Webhook, error)
	Delete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error
	UpdateStats(ctx context.Context, db *gorm.DB, webhookID snowflake.ID, success bool, at time.Time) error

	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *WebhookDelivery) error
	UpdateDelivery(ctx context.Context, db *gorm.DB, delivery *WebhookDelivery) error
	FindDeliveryByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookDelivery, error)
	ListDeliveries(ctx context.Context, db *gorm.DB, webhookID snowflake.ID, limit int) ([]WebhookDelivery, error)
	DeleteDeliveriesForWebhook(ctx context.Context, db *gorm.DB, webhookID snowflake.ID) error
	ListDueDeliveries(ctx context.Context, db *gorm.DB, now, pendingBefore time.Time, limit int) ([]WebhookDelivery, error)
}

type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	InitialDelayMS    int64   `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

type CreateRequest struct {
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Headers     map[string]string `json:"headers"`
	RetryPolicy *RetryPolicy      `json:"retry_policy"`
}

// UpdateRequest merges only the supplied fields; nil means "leave as is".
type UpdateRequest struct {
	URL         *string           `json:"url"`
	Events      []string          `json:"events"`
	Headers     map[string]string `json:"headers"`
	RetryPolicy *RetryPolicy      `json:"retry_policy"`
}

type TriggerRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// TriggerResponse reports how many webhooks matched. Dispatch is
// asynchronous, so this is not a count of successful deliveries.
type TriggerResponse struct {
	Event   string `json:"event"`
	Matched int    `json:"matched"`
}

type Stats struct {
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at"`
	LastDeliveryStatus   string     `json:"last_delivery_status"`
}

type Response struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Headers     map[string]string `json:"headers"`
	RetryPolicy RetryPolicy       `json:"retry_policy"`
	IsActive    bool              `json:"is_active"`
	Stats       Stats             `json:"stats"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SecretResponse carries the signing secret; returned on create and on
// secret regeneration only.
type SecretResponse struct {
	Response
	SigningSecret string `json:"signing_secret"`
}

type DeliveryResponse struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Status         string          `json:"status"`
	ResponseStatus *int            `json:"response_status"`
	ResponseBody   string          `json:"response_body"`
	Error          *string         `json:"error"`
	DurationMS     int64           `json:"duration_ms"`
	NextRetryAt    *time.Time      `json:"next_retry_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidURL          = errors.New("invalid_url")
	ErrInvalidEvents       = errors.New("invalid_events")
	ErrInvalidEvent        = errors.New("invalid_event")
	ErrInvalidRetryPolicy  = errors.New("invalid_retry_policy")
	ErrInvalidWebhookID    = errors.New("invalid_webhook_id")
	ErrInvalidDeliveryID   = errors.New("invalid_delivery_id")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrPayloadTooLarge     = errors.New("payload_too_large")
	ErrNotFound            = errors.New("not_found")
)
