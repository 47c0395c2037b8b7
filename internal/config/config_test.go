package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/linemk/shop-orders/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "config_test_*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestMustLoadByPath_Success(t *testing.T) {
	// Устанавливаем обязательные переменные окружения
	t.Setenv("DB_PASSWORD", "mypassword")
	t.Setenv("JWT_SECRET", "mysecret")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")

	content := `
env: "local"
http_server:
  address: "localhost:8080"
  timeout: "4s"
  idle_timeout: "60s"
database:
  host: "localhost"
  port: 5432
  user: "postgres"
  name: "shop"
jwt:
  token_ttl: 60
migrations:
  path: "./migrations"
pricing:
  tax_rate: "0.08"
  shipping_fee: "9.99"
  free_shipping_threshold: "100"
kafka:
  brokers: "kafka-1:9092,kafka-2:9092"
redis:
  addr: "localhost:6379"
`
	cfg := config.MustLoadByPath(writeConfig(t, content))

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "localhost:8080", cfg.HTTPServer.Address)
	assert.Equal(t, 4*time.Second, cfg.HTTPServer.Timeout)
	assert.Equal(t, 60*time.Second, cfg.HTTPServer.IdleTimeout)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "mypassword", cfg.Database.Password)
	assert.Equal(t, "shop", cfg.Database.Name)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 60, cfg.JWT.TokenTTL)
	assert.Equal(t, "mysecret", cfg.JWT.Secret)
	assert.Equal(t, "./migrations", cfg.Migrations.Path)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_123", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "kafka-1:9092,kafka-2:9092", cfg.Kafka.Brokers)
	assert.Equal(t, "shop.notifications", cfg.Kafka.Topic)
	assert.Equal(t, 72*time.Hour, cfg.Redis.EventTTL)
	assert.Equal(t, "usd", cfg.Pricing.Currency)

	taxRate, fee, threshold, err := cfg.Pricing.Decimals()
	require.NoError(t, err)
	assert.Equal(t, "0.08", taxRate.String())
	assert.Equal(t, "9.99", fee.String())
	assert.Equal(t, "100", threshold.String())
}

func TestPricingConfig_Decimals_Invalid(t *testing.T) {
	p := config.PricingConfig{TaxRate: "eight percent", ShippingFee: "10", FreeShippingThreshold: "100"}
	_, _, _, err := p.Decimals()
	assert.Error(t, err)
}

func TestMustLoadByPath_FileNotFound(t *testing.T) {
	// Ожидаем панику, если файла не существует
	assert.Panics(t, func() {
		config.MustLoadByPath("non_existent_config.yaml")
	})
}
