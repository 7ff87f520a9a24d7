package internal

import (
	"testing"
)

func TestTierConfigPriceMap(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected map[string]string
	}{
		{
			name:     "empty",
			raw:      "",
			expected: map[string]string{},
		},
		{
			name:     "single pair",
			raw:      "price_pro_monthly=pro",
			expected: map[string]string{"price_pro_monthly": "pro"},
		},
		{
			name: "multiple pairs with whitespace",
			raw:  "price_pro_monthly=pro, price_team_monthly=team",
			expected: map[string]string{
				"price_pro_monthly":  "pro",
				"price_team_monthly": "team",
			},
		},
		{
			name:     "malformed pairs skipped",
			raw:      "price_pro_monthly=pro,garbage,=orphan",
			expected: map[string]string{"price_pro_monthly": "pro"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TierConfig{Prices: tt.raw}.PriceMap()
			if len(got) != len(tt.expected) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.expected))
			}
			for k, v := range tt.expected {
				if got[k] != v {
					t.Errorf("map[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:         "dev",
			LogLevel:    "info",
			Port:        3000,
			DatabaseURL: "postgres://localhost:5432/meridian",
			Stripe: StripeConfig{
				SecretKey:     "sk_test_abc",
				WebhookSecret: "whsec_abc",
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := valid()
	cfg.Stripe.SecretKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing stripe key")
	}

	cfg = valid()
	cfg.DatabaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing database url")
	}

	cfg = valid()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}
