package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Delivery statuses. Success and failed are terminal; only a manual retry
// re-enters the state machine from a terminal state.
const (
	DeliveryStatusPending  = "pending"
	DeliveryStatusSuccess  = "success"
	DeliveryStatusFailed   = "failed"
	DeliveryStatusRetrying = "retrying"
)

// Webhook is an outbound subscription scoped to an organization. The signing
// secret is persisted because it is needed to sign future deliveries; it is
// excluded from list views.
type Webhook struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	OrgID         snowflake.ID   `gorm:"column:org_id;not null;index"`
	URL           string         `gorm:"type:text;not null"`
	Events        pq.StringArray `gorm:"type:text[];not null"`
	SigningSecret string         `gorm:"column:signing_secret;type:text;not null"`
	Headers       datatypes.JSON `gorm:"column:headers"`

	MaxRetries        int     `gorm:"column:max_retries;not null"`
	InitialDelayMS    int64   `gorm:"column:initial_delay_ms;not null"`
	BackoffMultiplier float64 `gorm:"column:backoff_multiplier;not null"`

	IsActive bool `gorm:"column:is_active;not null;default:true"`

	TotalDeliveries      int64      `gorm:"column:total_deliveries;not null;default:0"`
	SuccessfulDeliveries int64      `gorm:"column:successful_deliveries;not null;default:0"`
	FailedDeliveries     int64      `gorm:"column:failed_deliveries;not null;default:0"`
	LastDeliveryAt       *time.Time `gorm:"column:last_delivery_at"`
	LastDeliveryStatus   string     `gorm:"column:last_delivery_status;type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Webhook) TableName() string { return "webhooks" }

// WebhookDelivery is one logical delivery of an event to one webhook,
// covering its whole attempt sequence.
type WebhookDelivery struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	WebhookID snowflake.ID   `gorm:"column:webhook_id;not null;index"`
	Event     string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"column:payload"`

	Attempts int    `gorm:"not null;default:0"`
	Status   string `gorm:"type:text;not null"`

	ResponseStatus *int       `gorm:"column:response_status"`
	ResponseBody   string     `gorm:"column:response_body;type:text"`
	Error          *string    `gorm:"column:error;type:text"`
	DurationMS     int64      `gorm:"column:duration_ms;not null;default:0"`
	NextRetryAt    *time.Time `gorm:"column:next_retry_at"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
