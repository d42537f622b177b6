// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, logging, persistence, the dispatch scheduler, the extension bridge
// and observability.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool          `env:"ENABLE_HSTS" envDefault:"false"`
	HSTSMaxAge time.Duration `env:"HSTS_MAX_AGE" envDefault:"4320h"`
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"go-campaign-dispatch"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1.0"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver      string `env:"DB_DRIVER" envDefault:"sqlite"` // sqlite|postgres
	Path        string `env:"DB_PATH" envDefault:"dispatch.db"`
	PostgresDSN string `env:"DATABASE_URL"`
}

// BucketConfig is a single token-bucket quota.
type BucketConfig struct {
	RPS   float64
	Burst int
}

// RateLimitConfig holds the control-plane quota buckets. Each traffic class
// gets its own bucket per identity so one class never starves another.
type RateLimitConfig struct {
	StaticRPS     float64 `env:"RATE_STATIC_RPS" envDefault:"50"`
	StaticBurst   int     `env:"RATE_STATIC_BURST" envDefault:"100"`
	APIRPS        float64 `env:"RATE_API_RPS" envDefault:"5"`
	APIBurst      int     `env:"RATE_API_BURST" envDefault:"10"`
	InternalRPS   float64 `env:"RATE_INTERNAL_RPS" envDefault:"20"`
	InternalBurst int     `env:"RATE_INTERNAL_BURST" envDefault:"40"`
	BulkRPS       float64 `env:"RATE_BULK_RPS" envDefault:"1"`
	BulkBurst     int     `env:"RATE_BULK_BURST" envDefault:"3"`
}

// Buckets returns the quota per traffic class name.
func (r RateLimitConfig) Buckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		"static-asset":        {RPS: r.StaticRPS, Burst: r.StaticBurst},
		"authenticated-api":   {RPS: r.APIRPS, Burst: r.APIBurst},
		"internal-automation": {RPS: r.InternalRPS, Burst: r.InternalBurst},
		"bulk-authoring":      {RPS: r.BulkRPS, Burst: r.BulkBurst},
	}
}

// DispatchConfig tunes the campaign scheduler.
type DispatchConfig struct {
	PollInterval        time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"15s"`
	NoCreditThreshold   int           `env:"DISPATCH_NO_CREDIT_THRESHOLD" envDefault:"3"`
	CostPerMessage      int64         `env:"DISPATCH_COST_PER_MESSAGE" envDefault:"1"`
	MaxSendAttempts     int           `env:"DISPATCH_MAX_SEND_ATTEMPTS" envDefault:"3"`
	RetryInitial        time.Duration `env:"DISPATCH_RETRY_INITIAL" envDefault:"500ms"`
	RetryMax            time.Duration `env:"DISPATCH_RETRY_MAX" envDefault:"10s"`
	PaidHourlyLimit     int           `env:"DISPATCH_PAID_HOURLY_LIMIT" envDefault:"100"`
	AgentHourlyLimit    int           `env:"DISPATCH_AGENT_HOURLY_LIMIT" envDefault:"30"`
	BaseDelayMs         int           `env:"DISPATCH_BASE_DELAY_MS" envDefault:"3000"`
	JitterRangeMs       int           `env:"DISPATCH_JITTER_RANGE_MS" envDefault:"4000"`
	AgentBaseDelayMs    int           `env:"DISPATCH_AGENT_BASE_DELAY_MS" envDefault:"20000"`
	AgentJitterRangeMs  int           `env:"DISPATCH_AGENT_JITTER_RANGE_MS" envDefault:"25000"`
	ActivationTolerance time.Duration `env:"DISPATCH_ACTIVATION_TOLERANCE" envDefault:"1m"`
	DefaultCountryCode  string        `env:"DISPATCH_DEFAULT_COUNTRY_CODE" envDefault:"55"`
}

// BridgeConfig tunes the extension pull/ack protocol.
type BridgeConfig struct {
	PullBatchMax      int           `env:"BRIDGE_PULL_BATCH_MAX" envDefault:"10"`
	AckTimeout        time.Duration `env:"BRIDGE_ACK_TIMEOUT" envDefault:"10m"`
	MaxRequeues       int           `env:"BRIDGE_MAX_REQUEUES" envDefault:"3"`
	SessionTTL        time.Duration `env:"BRIDGE_SESSION_TTL" envDefault:"2m"`
	LoginFreshness    time.Duration `env:"BRIDGE_LOGIN_FRESHNESS" envDefault:"15m"`
	HeartbeatInterval time.Duration `env:"BRIDGE_HEARTBEAT_INTERVAL" envDefault:"30s"`
}

// DeliveryConfig configures the paid-channel sender.
type DeliveryConfig struct {
	AMQPURL   string `env:"AMQP_URL"`
	AMQPQueue string `env:"AMQP_QUEUE" envDefault:"campaign_sends"`
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        `env:"PORT" envDefault:"8080"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"20s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"MAX_HEADER_BYTES" envDefault:"1048576"`
	GinMode           string        `env:"GIN_MODE" envDefault:"release"`

	// Logging / Docs
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty      bool   `env:"LOG_PRETTY" envDefault:"false"`
	SwaggerEnabled bool   `env:"SWAGGER_ENABLED" envDefault:"false"`
	APIBasePath    string `env:"API_BASE_PATH" envDefault:"/api/v1"`

	DB DatabaseConfig

	// Shared secret for the billing collaborator's grant calls.
	InternalToken string `env:"INTERNAL_TOKEN"`

	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	Dispatch DispatchConfig
	Bridge   BridgeConfig
	Delivery DeliveryConfig

	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	// --- normalization ---
	cfg.GinMode = strings.ToLower(strings.TrimSpace(cfg.GinMode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.APIBasePath = normalizeBasePath(cfg.APIBasePath)
	cfg.CORS.AllowedOrigins = compact(cfg.CORS.AllowedOrigins)
	cfg.Dispatch.DefaultCountryCode = strings.TrimPrefix(strings.TrimSpace(cfg.Dispatch.DefaultCountryCode), "+")
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.PostgresDSN) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}

	for name, b := range cfg.RateLimit.Buckets() {
		if b.RPS < 0 {
			return fmt.Errorf("rate limit %s: rps must be >= 0", name)
		}
		if b.Burst < 1 {
			return fmt.Errorf("rate limit %s: burst must be >= 1", name)
		}
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}

	d := cfg.Dispatch
	if d.PollInterval <= 0 {
		return errors.New("DISPATCH_POLL_INTERVAL must be > 0")
	}
	if d.NoCreditThreshold < 1 {
		return errors.New("DISPATCH_NO_CREDIT_THRESHOLD must be >= 1")
	}
	if d.CostPerMessage < 1 {
		return errors.New("DISPATCH_COST_PER_MESSAGE must be >= 1")
	}
	if d.MaxSendAttempts < 1 {
		return errors.New("DISPATCH_MAX_SEND_ATTEMPTS must be >= 1")
	}
	if d.RetryInitial <= 0 || d.RetryMax < d.RetryInitial {
		return errors.New("DISPATCH_RETRY_INITIAL must be > 0 and <= DISPATCH_RETRY_MAX")
	}
	if d.PaidHourlyLimit < 1 || d.AgentHourlyLimit < 1 {
		return errors.New("hourly limits must be >= 1")
	}
	if d.BaseDelayMs < 0 || d.JitterRangeMs < 0 || d.AgentBaseDelayMs < 0 || d.AgentJitterRangeMs < 0 {
		return errors.New("pacing delays must be >= 0")
	}
	if d.ActivationTolerance < 0 {
		return errors.New("DISPATCH_ACTIVATION_TOLERANCE must be >= 0")
	}
	if d.DefaultCountryCode == "" || strings.Trim(d.DefaultCountryCode, "0123456789") != "" {
		return errors.New("DISPATCH_DEFAULT_COUNTRY_CODE must be digits")
	}

	b := cfg.Bridge
	if b.PullBatchMax < 1 || b.PullBatchMax > 100 {
		return errors.New("BRIDGE_PULL_BATCH_MAX must be in [1,100]")
	}
	if b.AckTimeout <= 0 || b.SessionTTL <= 0 || b.LoginFreshness <= 0 || b.HeartbeatInterval <= 0 {
		return errors.New("bridge timeouts must be positive durations")
	}
	if b.MaxRequeues < 0 {
		return errors.New("BRIDGE_MAX_REQUEUES must be >= 0")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
