package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMemory = "memory"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" env-default:":8080"`
	InstanceID      string        `env:"INSTANCE_ID"`
	LogLevel        string        `env:"LOG_LEVEL" env-default:"info"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" env-separator:"," env-default:"*"`

	BusDriver     string `env:"BUS_DRIVER" env-default:"redis"`
	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	RedisDialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" env-default:"2s"`
	RedisReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" env-default:"3s"`
	RedisWriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" env-default:"3s"`

	NATSURL     string `env:"NATS_URL" env-default:"nats://localhost:4222"`
	DatabaseURL string `env:"DATABASE_URL"`

	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" env-default:"20s"`
	StaleMultiplier    int           `env:"STALE_MULTIPLIER" env-default:"3"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" env-default:"10s"`
	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" env-default:"30s"`
	PublishTimeout     time.Duration `env:"PUBLISH_TIMEOUT" env-default:"250ms"`
	PublishRetries     int           `env:"PUBLISH_RETRIES" env-default:"3"`
	PublishBackoff     time.Duration `env:"PUBLISH_BACKOFF" env-default:"50ms"`
	StreamBuffer       int           `env:"STREAM_BUFFER" env-default:"64"`
	StreamWriteTimeout time.Duration `env:"STREAM_WRITE_TIMEOUT" env-default:"5s"`
	HealthProbeTimeout time.Duration `env:"HEALTH_PROBE_TIMEOUT" env-default:"1s"`
	BreakerThreshold   int           `env:"BREAKER_THRESHOLD" env-default:"10"`
	BreakerCooldown    time.Duration `env:"BREAKER_COOLDOWN" env-default:"5s"`

	JWTSecret     string `env:"JWT_SECRET" env-required:"true"`
	JWTIssuer     string `env:"JWT_ISSUER"`
	JWTAudience   string `env:"JWT_AUDIENCE"`
	InternalToken string `env:"INTERNAL_TOKEN" env-required:"true"`
}

func Load() (*Config, error) {
	var cfg Config

	err := cleanenv.ReadEnv(&cfg)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return &cfg, nil
}

// StaleThreshold is how long a connection may go without a heartbeat before it is evicted.
func (c *Config) StaleThreshold() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.StaleMultiplier)
}

func (c *Config) Validate() error {
	switch c.BusDriver {
	case BusRedis, BusNATS, BusMemory:
	default:
		return fmt.Errorf("BUS_DRIVER must be one of redis, nats, memory; got %q", c.BusDriver)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.StaleMultiplier < 2 {
		return fmt.Errorf("STALE_MULTIPLIER must be at least 2")
	}
	if c.SweepInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and RECONCILE_INTERVAL must be positive")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PUBLISH_TIMEOUT must be positive")
	}
	if c.PublishRetries < 0 {
		return fmt.Errorf("PUBLISH_RETRIES must not be negative")
	}
	if c.JWTSecret == "" || c.InternalToken == "" {
		return fmt.Errorf("JWT_SECRET and INTERNAL_TOKEN are required")
	}
	return nil
}
