// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config tags:
//   - mapstructure: environment key
//   - default: value used when the key is unset
//   - required: "true" fails Load when the value is empty
type Config struct {
	Environment string `mapstructure:"APP_ENV" default:"development"`
	LogLevel    string `mapstructure:"LOG_LEVEL" default:"info"`
	ServerPort  int    `mapstructure:"SERVER_PORT" default:"8080"`

	Database DatabaseConfig `mapstructure:",squash"`
	Webhooks WebhookConfig  `mapstructure:",squash"`
	Services ServicesConfig `mapstructure:",squash"`
	Shipping ShippingConfig `mapstructure:",squash"`
}

type DatabaseConfig struct {
	// URL selects Postgres; empty runs on the in-memory store.
	URL           string `mapstructure:"DATABASE_URL"`
	Migrate       bool   `mapstructure:"DB_MIGRATE" default:"true"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR" default:"db/migrations"`
	// RedisURL enables the Redis realtime broker and token cache.
	RedisURL string `mapstructure:"REDIS_URL"`
}

// WebhookConfig covers inbound carrier verification and the outbound delivery worker.
type WebhookConfig struct {
	Secret         string  `mapstructure:"WEBHOOK_SECRET" required:"true"`
	TerminalSecret string  `mapstructure:"TERMINAL_AFRICA_SECRET"`
	MaxAttempts    int     `mapstructure:"WEBHOOK_MAX_ATTEMPTS" default:"10"`
	RateRPS        float64 `mapstructure:"RATE_RPS" default:"20"`
	RateBurst      int     `mapstructure:"RATE_BURST" default:"40"`
}

// ServicesConfig points at the collaborator services. Empty URLs fall back to
// logging stand-ins.
type ServicesConfig struct {
	LedgerURL        string `mapstructure:"LEDGER_URL"`
	NotifyURL        string `mapstructure:"NOTIFY_URL"`
	AuthTokenURL     string `mapstructure:"AUTH_TOKEN_URL"`
	AuthClientID     string `mapstructure:"AUTH_CLIENT_ID"`
	AuthClientSecret string `mapstructure:"AUTH_CLIENT_SECRET"`
}

type ShippingConfig struct {
	OpsEmail          string        `mapstructure:"OPS_EMAIL"`
	TrackingBaseURL   string        `mapstructure:"TRACKING_BASE_URL" default:"https://track.obana.africa/shipments/"`
	SideEffectTimeout time.Duration `mapstructure:"SIDE_EFFECT_TIMEOUT" default:"10s"`
}

// Production reports whether the service runs with production defaults.
func (c *Config) Production() bool { return strings.EqualFold(c.Environment, "production") }

// Addr is the listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.ServerPort) }

// Load reads path/.env when present, then lets environment variables override it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	bindTags(v, reflect.TypeOf(cfg))
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := validateRequired(reflect.ValueOf(cfg)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindTags binds every tagged key to its environment variable and registers defaults.
func bindTags(v *viper.Viper, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Struct {
			bindTags(v, f.Type)
			continue
		}
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		_ = v.BindEnv(key)
		if def := f.Tag.Get("default"); def != "" {
			v.SetDefault(key, def)
		}
	}
}

func validateRequired(val reflect.Value) error {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Struct {
			if err := validateRequired(val.Field(i)); err != nil {
				return err
			}
			continue
		}
		if f.Tag.Get("required") == "true" && val.Field(i).IsZero() {
			return fmt.Errorf("missing required configuration: %s", f.Tag.Get("mapstructure"))
		}
	}
	return nil
}
