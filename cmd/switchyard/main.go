// Command switchyard runs the message-switching broker daemon: the
// routing core, the TCP/WebSocket network bridge and the diagnostics
// HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	_ "go.uber.org/automaxprocs"

	"github.com/switchyard-io/switchyard/auth"
	"github.com/switchyard-io/switchyard/broker"
	"github.com/switchyard-io/switchyard/internal/config"
	"github.com/switchyard-io/switchyard/internal/logging"
	"github.com/switchyard-io/switchyard/internal/metrics"
	"github.com/switchyard-io/switchyard/network"
	"github.com/switchyard-io/switchyard/record"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	registry := metrics.NewRegistry()

	var policy broker.Hook = broker.BaseHook{}
	if cfg.Auth.JWTSecret != "" {
		policy = auth.NewJWTHook(cfg.Auth.JWTSecret)
		logger.Info("jwt authentication enabled")
	}

	socketID := record.NewID()
	socket := broker.NewSocket(socketID, &meteredHook{Hook: policy, reg: registry}, logger)
	logger.Info("broker started", zap.String("socket_id", socketID.Hex()))

	serverOpts := network.Options{
		Capacity:         cfg.Broker.WireCapacity,
		MaxFrame:         cfg.Network.MaxFrame,
		KeepAlive:        network.KeepAlive{Idle: cfg.KeepAlive.Idle, Probe: cfg.KeepAlive.Probe},
		RateLimit:        rate.Limit(cfg.Network.RateLimit),
		RateBurst:        cfg.Network.RateBurst,
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
	}
	if len(cfg.Network.AccessKeys) > 0 {
		keys := cfg.Network.AccessKeys
		serverOpts.Access = func(access string) (string, bool) {
			secret, ok := keys[access]
			return secret, ok
		}
	}

	server := network.NewServer(socket, serverOpts, logger)
	if err := server.Listen(cfg.Network.ListenAddr); err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	if cfg.Network.WSAddr != "" {
		if err := server.ListenWS(cfg.Network.WSAddr); err != nil {
			logger.Fatal("websocket listen failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			httpErrCh <- runHTTPServer(ctx, cfg, registry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	server.Close()
	socket.Stop()
	<-socket.Done()
	logger.Info("broker stopped")
}

// meteredHook layers slot and record counters over the configured
// policy hook.
type meteredHook struct {
	broker.Hook
	reg *metrics.Registry
}

func (h *meteredHook) Accept(slot *broker.Slot) bool {
	if !h.Hook.Accept(slot) {
		return false
	}
	h.reg.Slots.Inc()
	return true
}

func (h *meteredHook) Remove(slot *broker.Slot) {
	h.reg.Slots.Dec()
	h.Hook.Remove(slot)
}

func (h *meteredHook) Recv(slot *broker.Slot, rec record.Record) bool {
	h.reg.RoutedIn.Inc()
	return h.Hook.Recv(slot, rec)
}

func (h *meteredHook) Send(slot *broker.Slot, rec record.Record) bool {
	h.reg.RoutedOut.Inc()
	return h.Hook.Send(slot, rec)
}

func runHTTPServer(ctx context.Context, cfg config.Config, registry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := metrics.CollectSystem()

		status := "healthy"
		statusCode := http.StatusOK
		if stats.MemoryPct > 90 {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"system":    stats,
		})
	})

	mux.Handle(cfg.Metrics.Endpoint, registry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
