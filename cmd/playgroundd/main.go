package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sopworks/playground/internal/bridge"
	"github.com/sopworks/playground/internal/config"
	"github.com/sopworks/playground/internal/envelope"
	"github.com/sopworks/playground/internal/hub"
	"github.com/sopworks/playground/internal/router"
	"github.com/sopworks/playground/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/playground.local.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting playgroundd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"listen", cfg.Server.ListenAddr,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Process bridge (worker supervision)
	workerBridge := bridge.New(bridge.Config{
		Command:            cfg.Worker.Command,
		Args:               cfg.Worker.Args,
		Dir:                cfg.Worker.Dir,
		Env:                cfg.Worker.Env,
		Host:               cfg.Worker.Host,
		Port:               cfg.Worker.Port,
		HostEnv:            cfg.Worker.HostEnv,
		PortEnv:            cfg.Worker.PortEnv,
		ReadyMarker:        cfg.Worker.ReadyMarker,
		StartupTimeout:     cfg.Worker.StartupTimeout,
		MessageTimeout:     cfg.Worker.MessageTimeout,
		StopGrace:          cfg.Worker.StopGrace,
		RestartDelay:       cfg.Worker.RestartDelay,
		MaxRestartAttempts: cfg.Worker.MaxRestartAttempts,
	}, logger.With("component", "bridge"))

	// The server stays up when the worker fails to start; worker-backed
	// requests answer "service unavailable" until an operator restarts it.
	if err := workerBridge.Start(ctx); err != nil {
		logger.Error("worker failed to start, continuing without it", "error", err)
	}

	// Connection hub + message router. The router is the hub's handler
	// for every non-heartbeat envelope.
	var msgRouter *router.Router
	connHub := hub.NewManager(hub.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		PongGrace:         cfg.Hub.PongGrace,
		WriteTimeout:      cfg.Hub.WriteTimeout,
	}, func(connID string, data []byte) {
		msgRouter.HandleMessage(connID, data)
	}, logger.With("component", "hub"))

	msgRouter = router.NewRouter(workerBridge, connHub, logger.With("component", "router"))

	if err := connHub.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	// HTTP server: websocket endpoint + health
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler(connHub, cfg.Server.AllowedOrigins, logger))
	mux.Handle("/health", healthHandler(connHub, msgRouter))

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		httpServer.Shutdown(shutdownCtx)
		connHub.Stop(shutdownCtx)
		workerBridge.Stop(shutdownCtx)
		return nil
	})

	logger.Info("playgroundd running",
		"ws_url", "ws://localhost"+cfg.Server.ListenAddr+"/ws",
	)

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("playgroundd stopped")
}

// wsHandler upgrades requests and registers the socket with the hub. The
// new client receives a connection_established envelope carrying its id.
func wsHandler(connHub hub.Manager, allowedOrigins []string, logger *slog.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		id := connHub.AddConnection(conn)
		connHub.SendToClient(id, envelope.New(envelope.TypeConnectionEstablished, map[string]string{
			"connection_id": id,
		}))
	})
}

// originChecker allows same-origin requests plus the configured list. An
// empty list keeps gorilla's same-origin default.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// healthHandler reports hub statistics and the worker health snapshot.
func healthHandler(connHub hub.Manager, msgRouter *router.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := msgRouter.Stats()
		hubStats := connHub.Stats()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:  "healthy",
			Version: version.String(),
			Components: map[string]any{
				"connections": map[string]any{
					"count":       hubStats.Count,
					"average_age": hubStats.AverageAge.String(),
					"oldest_age":  hubStats.OldestAge.String(),
				},
				"worker": stats.Bridge,
				"router": map[string]any{
					"in_flight": stats.InFlight,
				},
			},
		}

		if stats.Bridge.Status != bridge.StatusHealthy {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

// logLevel maps the config string to a slog level.
func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
