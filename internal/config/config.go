package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the chat service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode a bearer token that is not a JWT is taken as the user id.
	Mode string

	// Database
	DBURL string

	// Datastore backend type: "postgres", "sqlite" or "mongo".
	DatastoreType string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// MongoDatabase overrides the database named in the mongo URL.
	MongoDatabase string

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Notification bridge type: "log", "none", "redis" or "kafka".
	NotifyType string

	// Redis
	RedisURL           string
	RedisNotifyChannel string

	// Kafka (comma separated broker list).
	KafkaBrokers     string
	KafkaNotifyTopic string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// JWTSecret enables HS256 bearer tokens whose "sub" claim is the user id.
	JWTSecret string

	// Verified identities are cached until token expiry, capped at IdentityCacheTTL.
	IdentityCacheTTL        time.Duration
	IdentityCacheMaxEntries int64

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=chat-service".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or CHAT_SERVICE_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// Messages
	MaxMessageLength int
	DefaultPageSize  int
	MaxPageSize      int

	// Realtime
	WSSendBuffer     int
	WSPingPeriod     time.Duration
	WSPongWait       time.Duration
	WSWriteWait      time.Duration
	WSMaxFrameSize   int64
	WSMaxInflight    int64
	WSAllowedOrigins string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		NotifyType:              "log",
		RedisNotifyChannel:      "chat.notifications",
		KafkaNotifyTopic:        "chat.notifications",
		IdentityCacheTTL:        5 * time.Minute,
		IdentityCacheMaxEntries: 10000,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:      1024 * 1024,
		DrainTimeout:     30,
		MaxMessageLength: 4000,
		DefaultPageSize:  20,
		MaxPageSize:      100,
		WSSendBuffer:     128,
		WSPingPeriod:     30 * time.Second,
		WSPongWait:       60 * time.Second,
		WSWriteWait:      10 * time.Second,
		WSMaxFrameSize:   64 * 1024,
		WSMaxInflight:    8,
	}
}

// Validate checks settings that flags alone cannot enforce.
func (c *Config) Validate() error {
	if c.DefaultPageSize <= 0 || c.MaxPageSize <= 0 {
		return fmt.Errorf("page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("default page size %d exceeds max page size %d", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("max message length must be positive")
	}
	if c.WSPongWait <= c.WSPingPeriod {
		return fmt.Errorf("websocket pong wait (%s) must exceed ping period (%s)", c.WSPongWait, c.WSPingPeriod)
	}
	if c.WSSendBuffer <= 0 || c.WSMaxInflight <= 0 {
		return fmt.Errorf("websocket buffers must be positive")
	}
	return nil
}

// KafkaBrokerList splits KafkaBrokers into host:port entries.
func (c *Config) KafkaBrokerList() []string {
	return splitCSV(c.KafkaBrokers)
}

// AllowedOrigins returns the websocket origin allow list. Empty means same-origin only.
func (c *Config) AllowedOrigins() []string {
	return splitCSV(c.WSAllowedOrigins)
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
