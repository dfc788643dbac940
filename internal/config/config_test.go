package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "inclusive", cfg.Checkout.PricingMode)
	assert.Equal(t, int64(1800), cfg.Checkout.VATRateBps)
	assert.Equal(t, 15*time.Minute, cfg.Checkout.InventoryReservationTTL)
	assert.False(t, cfg.Checkout.RequireTransactions)
	assert.True(t, cfg.Checkout.StrictPricing)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadProductionRequiresTransactions(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Checkout.RequireTransactions)
	assert.False(t, cfg.Checkout.StrictPricing)
}

func TestValidateRejectsBadCheckoutSettings(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown pricing mode", map[string]string{"CHECKOUT_PRICING_MODE": "gross"}},
		{"unknown tx mode", map[string]string{"CHECKOUT_TX_MODE": "sometimes"}},
		{"required but disabled", map[string]string{"CHECKOUT_TX_MODE": "never", "CHECKOUT_REQUIRE_TRANSACTIONS": "true"}},
		{"short jwt secret", map[string]string{"JWT_SECRET": "short"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvAsSliceTrims(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	assert.Equal(t, []string{"a:9092", "b:9092"}, getEnvAsSlice("KAFKA_BROKERS", nil))
}
