package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/collabd/internal/config"
	"github.com/adred-codev/collabd/internal/events"
	"github.com/adred-codev/collabd/internal/hub"
	"github.com/adred-codev/collabd/internal/limits"
	"github.com/adred-codev/collabd/internal/logging"
	"github.com/adred-codev/collabd/internal/metrics"
	"github.com/adred-codev/collabd/internal/monitoring"
	"github.com/adred-codev/collabd/internal/storage"
	"github.com/adred-codev/collabd/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags bind onto the env-loaded config, so flags win and explicit
	// zero values (e.g. -heartbeat-timeout 0) work.
	flag.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog (advisory; the kernel default applies)")
	flag.StringVar(&cfg.SnapshotDir, "snapshot-dir", cfg.SnapshotDir, "snapshot directory")
	flag.StringVar(&cfg.OplogDir, "oplog-dir", cfg.OplogDir, "oplog directory")
	flag.IntVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "committed ops between snapshots")
	flag.IntVar(&cfg.HeartbeatTimeoutSec, "heartbeat-timeout", cfg.HeartbeatTimeoutSec, "idle session timeout in seconds, 0 disables")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace/debug/info/warn/error)")
	flag.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human-readable log output")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "ops HTTP address serving /metrics and /health, empty disables")
	flag.IntVar(&cfg.WSPort, "ws-port", cfg.WSPort, "websocket gateway port, 0 disables")
	flag.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for the edit event tap, empty disables")
	flag.IntVar(&cfg.MonitorIntervalSec, "monitor-interval", cfg.MonitorIntervalSec, "resource log interval in seconds, 0 disables")
	flag.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "max concurrent connections, 0 unlimited")
	flag.Float64Var(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "per-IP accepted connections per second, 0 disables")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", cfg.ConnBurst, "per-IP connection burst")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()

	store, err := storage.New(cfg.SnapshotDir, cfg.OplogDir, logger)
	if err != nil {
		return err
	}

	reg := metrics.New(prometheus.DefaultRegisterer)

	var sink hub.EventSink
	if cfg.NATSURL != "" {
		tap, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer tap.Close()
		sink = tap
	}

	h := hub.New(store, reg, logger, hub.Options{
		SnapshotInterval: cfg.SnapshotInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		Sink:             sink,
	})
	h.Start()

	gate := limits.NewGate(cfg.MaxConns, cfg.ConnRate, cfg.ConnBurst)
	srv := transport.New(cfg, logger, h, reg, gate)
	if err := srv.Start(ctx); err != nil {
		h.Stop()
		return err
	}

	var ops *http.Server
	opsErr := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		ops = opsServer(cfg.MetricsAddr, h, start, logger)
		go func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				opsErr <- err
			}
		}()
	}

	if cfg.MonitorIntervalSec > 0 {
		mon := monitoring.New(cfg.MonitorInterval(), h, logger)
		go mon.Run(ctx)
	}

	logger.Info().Msg("collabd started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-opsErr:
		logger.Error().Err(err).Msg("ops endpoint failed")
	}

	srv.Stop()
	h.Stop()
	srv.Wait()
	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("collabd stopped")
	return nil
}

func opsServer(addr string, h *hub.Hub, start time.Time, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": h.SessionCount(),
			"docs":     h.DocCount(),
			"uptime":   time.Since(start).Seconds(),
		})
	})
	logger.Info().Str("addr", addr).Msg("ops endpoint started")
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
