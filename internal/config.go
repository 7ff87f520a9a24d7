package internal

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/meridianhq/meridian/internal/billing"
)

// Config is the full runtime configuration, loaded from environment
// variables with an optional .env file for development.
type Config struct {
	Env         string `mapstructure:"env" validate:"oneof=dev prod"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Port        int    `mapstructure:"port" validate:"min=1,max=65535"`
	DatabaseURL string `mapstructure:"database_url" validate:"required"`

	Stripe  StripeConfig  `mapstructure:"stripe"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tiers   TierConfig    `mapstructure:"tiers"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key" validate:"required"`
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required"`
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type WebhookConfig struct {
	// FailOnPersistence makes the webhook endpoint return 500 on
	// persistence failures so Stripe redelivers, instead of
	// acknowledging and relying on operator replay.
	FailOnPersistence bool `mapstructure:"fail_on_persistence"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// TierConfig maps Stripe catalog ids to local tier names, as
// comma-separated id=tier pairs, e.g.
// "price_pro_monthly=pro,price_team_monthly=team".
type TierConfig struct {
	Prices      string `mapstructure:"prices"`
	Products    string `mapstructure:"products"`
	DefaultPaid string `mapstructure:"default_paid"`
}

// PriceMap parses the price id mappings.
func (t TierConfig) PriceMap() map[string]string {
	return parsePairs(t.Prices)
}

// ProductMap parses the product id mappings.
func (t TierConfig) ProductMap() map[string]string {
	return parsePairs(t.Products)
}

func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// NewConfig loads configuration from the environment. A .env file in
// the working directory is merged in when present.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 3000)
	v.SetDefault("database_url", "")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("webhook.fail_on_persistence", false)
	v.SetDefault("metrics.namespace", "meridian")
	v.SetDefault("tiers.prices", "")
	v.SetDefault("tiers.products", "")
	v.SetDefault("tiers.default_paid", "pro")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration, including the Stripe key
// format.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	sc := c.BillingConfig()
	return sc.Validate()
}

// BillingConfig adapts the Stripe section for the provider constructor.
func (c *Config) BillingConfig() billing.StripeConfig {
	return billing.StripeConfig{
		APIKey:        c.Stripe.SecretKey,
		WebhookSecret: c.Stripe.WebhookSecret,
	}
}
