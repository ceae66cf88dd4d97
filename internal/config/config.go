package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
)

type Config struct {
	Primary    Primary          `koanf:"primary"`
	Server     ServerConfig     `koanf:"server"`
	Provider   ProviderConfig   `koanf:"provider"`
	Retry      RetryConfig      `koanf:"retry"`
	Webhook    WebhookConfig    `koanf:"webhook"`
	Reconciler ReconcilerConfig `koanf:"reconciler"`
	Pos        PosConfig        `koanf:"pos"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Logger     LoggerConfig     `koanf:"logger"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type ServerConfig struct {
	Port         string        `koanf:"port" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"required"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"required"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" validate:"required"`
}

// ProviderConfig carries the merchant credentials and the fixed
// identification values the provider checks on every request. Credentials
// are immutable once validated; rotation replaces the whole record.
type ProviderConfig struct {
	Environment          string        `koanf:"environment" validate:"required,oneof=test production"`
	BaseURL              string        `koanf:"base_url" validate:"required,url"`
	SubscriptionKey      string        `koanf:"subscription_key" validate:"required"`
	MerchantSerialNumber string        `koanf:"merchant_serial_number" validate:"required"`
	ClientID             string        `koanf:"client_id" validate:"required"`
	ClientSecret         string        `koanf:"client_secret" validate:"required"`
	ConnTimeout          time.Duration `koanf:"conn_timeout" validate:"required"`
	TokenExpiryMargin    time.Duration `koanf:"token_expiry_margin"`
	SystemName           string        `koanf:"system_name"`
	SystemVersion        string        `koanf:"system_version"`
	PluginName           string        `koanf:"plugin_name"`
	PluginVersion        string        `koanf:"plugin_version"`
}

type RetryConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"`
	BaseDelay        time.Duration `koanf:"base_delay"`
	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

type WebhookConfig struct {
	CallbackURL     string        `koanf:"callback_url" validate:"required,url"`
	MerchantSecret  string        `koanf:"merchant_secret"`
	FreshnessWindow time.Duration `koanf:"freshness_window"`
	Retention       time.Duration `koanf:"retention"`
	AllowedCIDRs    []string      `koanf:"allowed_cidrs"`

	// AllowUnsigned is the degraded mode: deliveries failing signature
	// validation are still processed while the security event is logged.
	// Keep this off in production.
	AllowUnsigned bool `koanf:"allow_unsigned"`
}

type ReconcilerConfig struct {
	Interval  time.Duration `koanf:"interval" validate:"required"`
	Window    time.Duration `koanf:"window" validate:"required"`
	BatchSize int           `koanf:"batch_size" validate:"required"`
}

type PosConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`
}

type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"required"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password" validate:"required"`
	Name            string        `koanf:"name" validate:"required"`
	SSLMode         string        `koanf:"ssl_mode" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"required"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"required"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"required"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"required"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type LoggerConfig struct {
	Level string `koanf:"level"`
}

func LoadConfig() (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	err := k.Load(env.Provider("VIPPSGW_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "VIPPSGW_")),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		logger.Error("failed to load environment variables", "error", err)
		return nil, err
	}

	mainConfig := &Config{
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelay:        500 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Webhook: WebhookConfig{
			FreshnessWindow: 5 * time.Minute,
			Retention:       72 * time.Hour,
		},
		Pos: PosConfig{
			PollInterval: 2 * time.Second,
			Timeout:      5 * time.Minute,
		},
	}

	err = k.Unmarshal("", mainConfig)
	if err != nil {
		logger.Error("could not unmarshal main config", "error", err)
		return nil, err
	}

	if mainConfig.Provider.TokenExpiryMargin == 0 {
		mainConfig.Provider.TokenExpiryMargin = 60 * time.Second
	}

	validate := validator.New()

	err = validate.Struct(mainConfig)
	if err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return mainConfig, nil
}
