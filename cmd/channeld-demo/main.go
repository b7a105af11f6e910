// Command channeld-demo boots the channel engine standalone: one demo
// STREAM channel with a "hello" handler and one demo DATAGRAM channel,
// plus the metrics/health HTTP side-channel, until a shutdown signal
// arrives.
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

	"channeld/internal/channel"
	"channeld/internal/config"
	"channeld/internal/logging"
	"channeld/internal/metrics"
	"channeld/internal/relay"
	"channeld/internal/server"
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

	metricsRegistry := metrics.NewRegistry()
	sampler := metrics.NewSystemSampler(metricsRegistry, 2*time.Second)

	srv := server.New(cfg, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.Run(ctx)
	go sampler.Run(ctx)

	prefs := channel.CreatePreferences{
		DeleteClientWhenClosed: cfg.Channel.DeleteClientWhenClosed,
		Concurrent:             cfg.Channel.Concurrent,
	}

	streamListener, err := srv.CreateStreamChannel(0, prefs)
	if err != nil {
		logger.Fatal("failed to create demo stream channel", zap.Error(err))
	}
	if err := streamListener.Channel().RegisterEventHandler("hello", helloHandler(logger)); err != nil {
		logger.Fatal("failed to register hello handler", zap.Error(err))
	}
	logger.Info("demo stream channel listening", zap.String("addr", streamListener.Addr().String()))

	datagramListener, err := srv.CreateDatagramChannel(0, prefs)
	if err != nil {
		logger.Fatal("failed to create demo datagram channel", zap.Error(err))
	}
	if err := datagramListener.Channel().RegisterEventHandler("hello", helloHandler(logger)); err != nil {
		logger.Fatal("failed to register hello handler", zap.Error(err))
	}
	logger.Info("demo datagram channel listening", zap.String("addr", datagramListener.Addr().String()))

	if cfg.NATS.Enabled {
		if err := wireRelay(cfg, logger, streamListener.Channel()); err != nil {
			logger.Warn("nats relay unavailable", zap.Error(err))
		}
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, srv, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	srv.Shutdown()
	logger.Info("channel engine stopped")
}

func helloHandler(logger *zap.Logger) channel.Handler {
	return func(ch *channel.Channel, data json.RawMessage, client channel.Client) (*json.RawMessage, error) {
		logger.Info("hello event handled", zap.String("channel_id", ch.ID().String()))
		return nil, nil
	}
}

func wireRelay(cfg config.Config, logger *zap.Logger, target *channel.Channel) error {
	r, err := relay.Connect(cfg.NATS, logger)
	if err != nil {
		return err
	}
	return r.Subscribe(cfg.NATS.Subject, target)
}

func runHTTPServer(ctx context.Context, cfg config.Config, srv *server.Server, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		streams, datagrams := srv.ChannelCount()
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"service":   cfg.Metrics.ServiceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"channels": map[string]int{
				"stream":   streams,
				"datagram": datagrams,
			},
		})
	})

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	}

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

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
