package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DeliveryConfig bounds the per-webhook retry policies and the outbound
// dispatch behavior. Per-webhook policies are clamped to these limits.
type DeliveryConfig struct {
	DispatchTimeout   time.Duration `mapstructure:"dispatchTimeout"`
	MaxRetriesCeiling int           `mapstructure:"maxRetriesCeiling"`
	MaxInitialDelay   time.Duration `mapstructure:"maxInitialDelay"`
	MaxBackoffDelay   time.Duration `mapstructure:"maxBackoffDelay"`
	ResponseBodyLimit int           `mapstructure:"responseBodyLimit"`
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		DispatchTimeout:   30 * time.Second,
		MaxRetriesCeiling: 10,
		MaxInitialDelay:   5 * time.Minute,
		MaxBackoffDelay:   time.Hour,
		ResponseBodyLimit: 10000,
	}
}

// DeliveryConfigHolder exposes the active delivery config and hot-reloads it
// when the underlying file changes.
type DeliveryConfigHolder struct {
	current atomic.Value // holds DeliveryConfig
}

func NewDeliveryConfigHolder() (*DeliveryConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("hookline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/hookline/config")
	v.AddConfigPath("/etc/hookline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HOOKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultDeliveryConfig()
	v.SetDefault("delivery.dispatchTimeout", defaults.DispatchTimeout)
	v.SetDefault("delivery.maxRetriesCeiling", defaults.MaxRetriesCeiling)
	v.SetDefault("delivery.maxInitialDelay", defaults.MaxInitialDelay)
	v.SetDefault("delivery.maxBackoffDelay", defaults.MaxBackoffDelay)
	v.SetDefault("delivery.responseBodyLimit", defaults.ResponseBodyLimit)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg DeliveryConfig
	if err := v.UnmarshalKey("delivery", &cfg); err != nil {
		return nil, err
	}
	if err := validateDeliveryConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DeliveryConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DeliveryConfig
		if err := v.UnmarshalKey("delivery", &updated); err != nil {
			log.Printf("[delivery-config] reload failed: %v", err)
			return
		}
		if err := validateDeliveryConfig(updated); err != nil {
			log.Printf("[delivery-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[delivery-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DeliveryConfigHolder) Get() DeliveryConfig {
	return h.current.Load().(DeliveryConfig)
}

// Store replaces the active config. Used by tests.
func (h *DeliveryConfigHolder) Store(cfg DeliveryConfig) {
	h.current.Store(cfg)
}

func validateDeliveryConfig(cfg DeliveryConfig) error {
	if cfg.DispatchTimeout <= 0 {
		return errors.New("delivery.dispatchTimeout must be positive")
	}
	if cfg.MaxRetriesCeiling < 0 {
		return errors.New("delivery.maxRetriesCeiling cannot be negative")
	}
	if cfg.ResponseBodyLimit <= 0 {
		return errors.New("delivery.responseBodyLimit must be positive")
	}
	return nil
}
