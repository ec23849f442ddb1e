package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-service/internal/plugin/notify/kafka"
	_ "github.com/chirino/chat-service/internal/plugin/notify/logbridge"
	_ "github.com/chirino/chat-service/internal/plugin/notify/noop"
	_ "github.com/chirino/chat-service/internal/plugin/notify/redis"
	_ "github.com/chirino/chat-service/internal/plugin/route/system"
	_ "github.com/chirino/chat-service/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat service HTTP and websocket server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts plain bearer tokens as user ids",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests on shutdown",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers on API responses",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (default *)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "mongo-database",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Usage:       "Mongo database name; defaults to the one in the URL or chat_service",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Notifications ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "notify-kind",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_NOTIFY_KIND"),
			Destination: &cfg.NotifyType,
			Value:       cfg.NotifyType,
			Usage:       "Notification bridge (" + strings.Join(registrynotify.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.StringFlag{
			Name:        "redis-notify-channel",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_REDIS_NOTIFY_CHANNEL"),
			Destination: &cfg.RedisNotifyChannel,
			Value:       cfg.RedisNotifyChannel,
			Usage:       "Redis pub/sub channel for message notifications",
		},
		&cli.StringFlag{
			Name:        "kafka-brokers",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_KAFKA_BROKERS"),
			Destination: &cfg.KafkaBrokers,
			Usage:       "Comma-separated Kafka broker host:port list",
		},
		&cli.StringFlag{
			Name:        "kafka-notify-topic",
			Category:    "Notifications:",
			Sources:     cli.EnvVars("CHAT_SERVICE_KAFKA_NOTIFY_TOPIC"),
			Destination: &cfg.KafkaNotifyTopic,
			Value:       cfg.KafkaNotifyTopic,
			Usage:       "Kafka topic for message notifications",
		},

		// ── Messages ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "messages-max-length",
			Category:    "Messages:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MESSAGES_MAX_LENGTH"),
			Destination: &cfg.MaxMessageLength,
			Value:       cfg.MaxMessageLength,
			Usage:       "Maximum message length in characters",
		},
		&cli.IntFlag{
			Name:        "messages-default-page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MESSAGES_DEFAULT_PAGE_SIZE"),
			Destination: &cfg.DefaultPageSize,
			Value:       cfg.DefaultPageSize,
			Usage:       "Page size used when a request does not ask for one",
		},
		&cli.IntFlag{
			Name:        "messages-max-page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MESSAGES_MAX_PAGE_SIZE"),
			Destination: &cfg.MaxPageSize,
			Value:       cfg.MaxPageSize,
			Usage:       "Largest page size a request may ask for",
		},

		// ── Realtime ──────────────────────────────────────────────
		&cli.Int64Flag{
			Name:        "ws-max-inflight",
			Category:    "Realtime:",
			Sources:     cli.EnvVars("CHAT_SERVICE_WS_MAX_INFLIGHT"),
			Destination: &cfg.WSMaxInflight,
			Value:       cfg.WSMaxInflight,
			Usage:       "Frames handled concurrently per websocket connection",
		},
		&cli.StringFlag{
			Name:        "ws-allowed-origins",
			Category:    "Realtime:",
			Sources:     cli.EnvVars("CHAT_SERVICE_WS_ALLOWED_ORIGINS"),
			Destination: &cfg.WSAllowedOrigins,
			Usage:       "Comma-separated websocket origins; empty allows same-origin only",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "Shared secret for HS256 bearer tokens",
		},
		&cli.Int64Flag{
			Name:        "identity-cache-max-entries",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_IDENTITY_CACHE_MAX_ENTRIES"),
			Destination: &cfg.IdentityCacheMaxEntries,
			Value:       cfg.IdentityCacheMaxEntries,
			Usage:       "Verified bearer tokens kept in memory",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=chat-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

// maxBodySizeMiddleware caps request bodies. Websocket upgrades carry no body
// and are left alone so the hijacked connection is not wrapped.
func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize <= 0 || isUpgradeRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isUpgradeRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket")
}
