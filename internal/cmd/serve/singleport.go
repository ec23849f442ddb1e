package serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunningServers is the set of servers bound to one port.
type RunningServers struct {
	Addr            net.Addr
	Port            int
	HTTPServerPlain *http.Server
	HTTPServerTLS   *http.Server
	Close           func(ctx context.Context) error
}

// StartSinglePortHTTP serves plaintext (HTTP/1.1 and h2c) and TLS on one port.
// cmux splits the two by sniffing the first bytes of each connection, so
// websocket upgrades work on either side.
func StartSinglePortHTTP(_ context.Context, cfg config.ListenerConfig, handler http.Handler) (*RunningServers, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, fmt.Errorf("single-port configuration requires plaintext and/or tls enabled")
	}
	return listen("main", cfg, handler)
}

// startManagementServer starts a dedicated server for health, readiness and
// metrics. Plaintext is enabled when neither mode was requested.
func startManagementServer(cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	running, err := listen("management", cfg, handler)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running.Addr, running.Close, nil
}

func listen(name string, cfg config.ListenerConfig, handler http.Handler) (*RunningServers, error) {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	baseLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen failed: %w", name, err)
	}

	var cert tls.Certificate
	if cfg.EnableTLS {
		if cert, err = loadServerCertificate(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			_ = baseLis.Close()
			return nil, err
		}
	}

	muxer := cmux.New(baseLis)
	running := &RunningServers{Addr: baseLis.Addr()}
	if tcpAddr, ok := baseLis.Addr().(*net.TCPAddr); ok {
		running.Port = tcpAddr.Port
	}

	// The TLS matcher must be registered before the catch-all.
	if cfg.EnableTLS {
		tlsLis := tls.NewListener(muxer.Match(cmux.TLS()), &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		})
		running.HTTPServerTLS = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go serve(name+" tls", running.HTTPServerTLS, tlsLis)
	}
	if cfg.EnablePlainText {
		plainLis := muxer.Match(cmux.Any())
		running.HTTPServerPlain = &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go serve(name+" plaintext", running.HTTPServerPlain, plainLis)
	}

	go func() {
		if err := muxer.Serve(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Error("Listener mux failed", "listener", name, "err", err)
		}
	}()

	var closeOnce sync.Once
	running.Close = func(ctx context.Context) error {
		var shutdownErr error
		closeOnce.Do(func() {
			for _, srv := range []*http.Server{running.HTTPServerPlain, running.HTTPServerTLS} {
				if srv == nil {
					continue
				}
				if err := srv.Shutdown(ctx); err != nil && err != context.Canceled && shutdownErr == nil {
					shutdownErr = err
				}
			}
			_ = baseLis.Close()
		})
		return shutdownErr
	}
	return running, nil
}

func serve(name string, srv *http.Server, lis net.Listener) {
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		log.Error("HTTP server failed", "listener", name, "err", err)
	}
}
