package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/route/conversations"
	"github.com/chirino/chat-service/internal/plugin/route/messages"
	routerealtime "github.com/chirino/chat-service/internal/plugin/route/realtime"
	routesystem "github.com/chirino/chat-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/chat-service/internal/plugin/store/metrics"
	"github.com/chirino/chat-service/internal/realtime"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrynotify "github.com/chirino/chat-service/internal/registry/notify"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Notifier        registrynotify.NotificationBridge
	Chat            *service.ChatService
	Registry        *realtime.Registry
	Gateway         *realtime.Gateway
	Resolver        *security.TokenResolver
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown stops accepting requests, closes every realtime connection, waits
// for in-flight frames and notifications and then releases the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	s.Registry.Close()
	s.Gateway.Close()
	s.Chat.Wait()
	if s.Notifier != nil {
		if cerr := s.Notifier.Close(); cerr != nil {
			log.Warn("Notifier close failed", "err", cerr)
		}
	}
	if cerr := s.Store.Close(); cerr != nil {
		log.Warn("Store close failed", "err", cerr)
	}
	s.Resolver.Close()
	return err
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"notify", cfg.NotifyType,
		"mode", cfg.Mode,
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// The notification bridge is optional: a broken bridge must not keep
	// messages from being delivered.
	var notifier registrynotify.NotificationBridge
	if notifyLoader, err := registrynotify.Select(cfg.NotifyType); err != nil {
		log.Warn("Notifier not available", "notify", cfg.NotifyType, "err", err)
	} else if notifier, err = notifyLoader(ctx); err != nil {
		log.Warn("Failed to initialize notifier", "notify", cfg.NotifyType, "err", err)
		notifier = nil
	}

	resolver, err := security.NewTokenResolver(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize token resolver: %w", err)
	}
	auth := security.AuthMiddleware(resolver)

	chat := service.NewChatService(store, notifier, cfg)
	registry := realtime.NewRegistry()
	gateway := realtime.NewGateway(chat, registry)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	conversations.MountRoutes(router, chat, gateway, auth)
	messages.MountRoutes(router, chat, auth)
	routerealtime.MountRoutes(router, gateway, cfg, resolver)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		if closeManagement != nil {
			_ = closeManagement(ctx)
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Notifier:        notifier,
		Chat:            chat,
		Registry:        registry,
		Gateway:         gateway,
		Resolver:        resolver,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
