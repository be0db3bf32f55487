package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

type Database struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Schema   string
}

func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.Schema,
	)
}

type Stripe struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
}

type Exchange struct {
	URL      string
	CacheTTL time.Duration
	Fallback decimal.Decimal
}

type Config struct {
	AppEnv   string
	LogLevel string
	HTTPPort int
	Store    string

	DB       Database
	Stripe   Stripe
	Exchange Exchange

	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	Currency            string
	DefaultGateway      string
	SimulationReturnURL string
	SimulationDefault   string
	SessionTimeout      time.Duration
	GatewayTimeout      time.Duration
	ConfirmRetries      uint64
	ReconcileInterval   time.Duration
	CORSAllowedOrigins  []string
}

// Load reads the process environment; a .env file in the working directory
// is loaded first by godotenv.
func Load() (Config, error) {
	fallback, err := decimal.NewFromString(getEnv("EXCHANGE_FALLBACK_RATE", "850"))
	if err != nil || !fallback.IsPositive() {
		return Config{}, fmt.Errorf("config: EXCHANGE_FALLBACK_RATE must be a positive number")
	}

	cfg := Config{
		AppEnv:   getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPPort: getEnvInt("PORT", 8080),
		Store:    getEnv("STORE", "postgres"),
		DB: Database{
			Host:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
			Port:     getEnv("BLUEPRINT_DB_PORT", "5432"),
			Username: getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
			Password: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
			Database: getEnv("BLUEPRINT_DB_DATABASE", "ferremas"),
			Schema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		},
		Stripe: Stripe{
			SecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
			SuccessURL: getEnv("STRIPE_SUCCESS_URL", "http://localhost:3000/payment-confirmation?token_ws={CHECKOUT_SESSION_ID}"),
			CancelURL:  getEnv("STRIPE_CANCEL_URL", "http://localhost:3000/payment-confirmation?token_ws={CHECKOUT_SESSION_ID}"),
			Currency:   strings.ToLower(getEnv("STRIPE_CURRENCY", "clp")),
		},
		Exchange: Exchange{
			URL:      getEnv("EXCHANGE_RATE_URL", "https://mindicador.cl/api/dolar"),
			CacheTTL: getEnvDuration("EXCHANGE_CACHE_TTL", time.Hour),
			Fallback: fallback,
		},
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "order-settlements"),
		Currency:            getEnv("CURRENCY", "CLP"),
		DefaultGateway:      getEnv("PAYMENT_GATEWAY", "simulation"),
		SimulationReturnURL: getEnv("SIMULATION_RETURN_URL", "http://localhost:3000/payment-simulation"),
		SimulationDefault:   getEnv("SIMULATION_DEFAULT_OUTCOME", "approved"),
		SessionTimeout:      getEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		ConfirmRetries:      uint64(getEnvInt("CONFIRM_RETRIES", 3)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return Config{}, fmt.Errorf("config: STORE must be postgres or memory, got %q", cfg.Store)
	}
	if cfg.SessionTimeout <= 0 {
		return Config{}, fmt.Errorf("config: SESSION_TIMEOUT must be positive")
	}
	if cfg.ReconcileInterval <= 0 {
		return Config{}, fmt.Errorf("config: RECONCILE_INTERVAL must be positive")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
