package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 15*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 30*time.Second, cfg.ReconcileAfter)
	assert.True(t, cfg.RestockOnRefund)
	assert.Equal(t, "USD", cfg.Currency)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("RECONCILE_AFTER", "2m")
	t.Setenv("RESTOCK_ON_REFUND", "false")
	t.Setenv("CHECKOUT_RATE_LIMIT", "25")
	t.Setenv("PAYPAL_CLIENT_ID", "client-1")

	cfg := LoadConfig()

	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileAfter)
	assert.False(t, cfg.RestockOnRefund)
	assert.Equal(t, 25, cfg.CheckoutRateLimit)
	assert.Equal(t, "client-1", cfg.PayPal.ClientID)
}

func TestGetEnvAsDuration_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("RECONCILE_INTERVAL", "soon")

	assert.Equal(t, time.Minute, getEnvAsDuration("RECONCILE_INTERVAL", "1m"))
}
