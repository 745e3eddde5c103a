package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

// Notification bridge modes.
const (
	NotifyNop      = "nop"
	NotifyAsynq    = "asynq"
	NotifyPostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	AutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty RedisURL selects the in-process broker.
	RedisURL    string
	RedisPrefix string

	NotifyMode       string
	AsynqQueue       string
	AsynqConcurrency int

	WSAllowedOrigins []string
	WSOriginRequired bool
	WSDevInsecure    bool
	WSSendQueueSize  int
	WSHeartbeatEvery time.Duration
	WSRateEvents     int
	WSRateWindow     time.Duration

	// WSPartyHeader names the request header carrying the party id set by the
	// fronting auth proxy. Empty trusts the party named in hello (dev only).
	WSPartyHeader string
	// RequirePartyHeader refuses to start without WSPartyHeader.
	RequirePartyHeader bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	def := realtime.DefaultWSGatewayConfig()

	return Config{
		HTTPAddr:  EnvString("RUNHUB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RUNHUB_LOG_LEVEL", "info"),
		LogFormat: EnvString("RUNHUB_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("RUNHUB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RUNHUB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RUNHUB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RUNHUB_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("RUNHUB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RUNHUB_DATABASE_URL", ""),
		DBSchema:    EnvString("RUNHUB_DB_SCHEMA", store.DefaultSchema),
		DBMaxConns:  EnvInt32("RUNHUB_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RUNHUB_DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("RUNHUB_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("RUNHUB_READINESS_REQUIRE_DB", false),

		RedisURL:    EnvString("RUNHUB_REDIS_URL", ""),
		RedisPrefix: EnvString("RUNHUB_REDIS_PREFIX", realtime.DefaultRedisPrefix),

		NotifyMode:       strings.ToLower(EnvString("RUNHUB_NOTIFY_MODE", NotifyNop)),
		AsynqQueue:       EnvString("RUNHUB_ASYNQ_QUEUE", "default"),
		AsynqConcurrency: EnvInt("RUNHUB_ASYNQ_CONCURRENCY", 4),

		WSAllowedOrigins: EnvCSV("RUNHUB_WS_ALLOWED_ORIGINS", def.AllowedOrigins),
		WSOriginRequired: EnvBool("RUNHUB_WS_ORIGIN_REQUIRED", def.OriginRequired),
		WSDevInsecure:    EnvBool("RUNHUB_WS_DEV_INSECURE", false),
		WSSendQueueSize:  EnvInt("RUNHUB_WS_SEND_QUEUE", def.SendQueueSize),
		WSHeartbeatEvery: EnvDuration("RUNHUB_WS_HEARTBEAT", def.HeartbeatEvery),
		WSRateEvents:     EnvInt("RUNHUB_WS_RATE_EVENTS", def.RateEvents),
		WSRateWindow:     EnvDuration("RUNHUB_WS_RATE_WINDOW", def.RateWindow),

		WSPartyHeader:      EnvString("RUNHUB_WS_PARTY_HEADER", ""),
		RequirePartyHeader: EnvBool("RUNHUB_REQUIRE_PARTY_HEADER", false),
	}
}

// Validate checks that the selected backends have what they need.
func (c Config) Validate() error {
	var errs []error
	switch c.NotifyMode {
	case "", NotifyNop:
	case NotifyAsynq:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: RUNHUB_NOTIFY_MODE=asynq requires RUNHUB_REDIS_URL"))
		}
	case NotifyPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: RUNHUB_NOTIFY_MODE=postgres requires RUNHUB_DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown RUNHUB_NOTIFY_MODE %q", c.NotifyMode))
	}
	if c.DBSchema != "" && !store.IsValidIdent(c.DBSchema) {
		errs = append(errs, fmt.Errorf("config: invalid RUNHUB_DB_SCHEMA %q", c.DBSchema))
	}
	if err := ValidateSecurityConfig(c); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GatewayConfig derives the push gateway transport policy.
func (c Config) GatewayConfig() realtime.WSGatewayConfig {
	return realtime.WSGatewayConfig{
		DevInsecure:    c.WSDevInsecure,
		OriginRequired: c.WSOriginRequired,
		AllowedOrigins: c.WSAllowedOrigins,
		SendQueueSize:  c.WSSendQueueSize,
		HeartbeatEvery: c.WSHeartbeatEvery,
		RateEvents:     c.WSRateEvents,
		RateWindow:     c.WSRateWindow,
	}
}
