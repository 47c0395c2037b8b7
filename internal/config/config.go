package config

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env        string           `yaml:"env" env:"APP_ENV" env-default:"development"` // environment
	HTTPServer HTTPServerConfig `yaml:"http_server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Migrations MigrationsConfig `yaml:"migrations"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Stripe     StripeConfig     `yaml:"stripe"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// HTTPServerConfig структура http сервера
type HTTPServerConfig struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// DatabaseConfig структура по работе с БД
type DatabaseConfig struct {
	Host         string        `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port         int           `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User         string        `yaml:"user" env-required:"true"`
	Password     string        `yaml:"-" env:"DB_PASSWORD" env-required:"true"`
	Name         string        `yaml:"name" env-required:"true"`
	MaxOpenConns int           `yaml:"max_open_conns" env-default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env-default:"5m"`
}

// JWTConfig настройка jwt
type JWTConfig struct {
	Secret   string `yaml:"-" env:"JWT_SECRET" env-required:"true"`
	TokenTTL int    `yaml:"token_ttl" env-default:"60"`
}

type MigrationsConfig struct {
	Path string `yaml:"path" env-default:"./migrations"`
}

// PricingConfig содержит параметры расчёта суммы заказа.
// Денежные значения хранятся строками, чтобы не терять точность при чтении yaml.
type PricingConfig struct {
	TaxRate               string `yaml:"tax_rate" env-default:"0.08"`
	ShippingFee           string `yaml:"shipping_fee" env-default:"10.00"`
	FreeShippingThreshold string `yaml:"free_shipping_threshold" env-default:"100.00"`
	Currency              string `yaml:"currency" env-default:"usd"`
}

// Decimals разбирает денежные параметры. Ошибка означает битый конфиг.
func (p PricingConfig) Decimals() (taxRate, shippingFee, threshold decimal.Decimal, err error) {
	if taxRate, err = decimal.NewFromString(p.TaxRate); err != nil {
		return
	}
	if shippingFee, err = decimal.NewFromString(p.ShippingFee); err != nil {
		return
	}
	threshold, err = decimal.NewFromString(p.FreeShippingThreshold)
	return
}

// StripeConfig хранит ключи платёжного шлюза, задаются только через окружение
type StripeConfig struct {
	SecretKey     string `yaml:"-" env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `yaml:"-" env:"STRIPE_WEBHOOK_SECRET"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers" env:"KAFKA_BROKERS"` // через запятую; если пусто, kafka выключена
	Topic   string `yaml:"topic" env-default:"shop.notifications"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"` // если пусто, работаем без redis
	EventTTL time.Duration `yaml:"event_ttl" env-default:"72h"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env-default:"shop-orders"`
}

type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

// MustLoad - если не загружаем - паникуем
func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		log.Fatal("CONFIG_PATH not exists")
	}
	return MustLoadByPath(configPath)
}

func fetchConfigPath() string {
	var path string

	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return path
}

func MustLoadByPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file not found: " + configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("can't read config file %s: %v", configPath, err)
	}

	if _, _, _, err := cfg.Pricing.Decimals(); err != nil {
		log.Fatalf("invalid pricing config: %v", err)
	}

	return &cfg
}
