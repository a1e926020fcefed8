package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/bridgebuilder"
	"github.com/park285/chess-engine-bridge/internal/config"
	"github.com/park285/chess-engine-bridge/internal/obslog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "bridge-server",
		Usage: "relay websocket clients to per-connection engine processes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file to load before reading the environment", Value: ".env"},
			&cli.StringFlag{Name: "listen-addr", Usage: "HTTP listen address (BRIDGE_LISTEN_ADDR)"},
			&cli.StringFlag{Name: "ws-path", Usage: "websocket endpoint path (BRIDGE_WS_PATH)"},
			&cli.StringFlag{Name: "engine", Usage: "engine binary to spawn per connection (ENGINE_BINARY)"},
			&cli.StringFlag{Name: "engine-flag", Usage: "flag that puts the engine in API mode (ENGINE_API_FLAG)"},
			&cli.StringFlag{Name: "redis-url", Usage: "redis:// URL for the session registry (REDIS_URL)"},
			&cli.StringSliceFlag{Name: "allowed-origin", Usage: "allowed websocket origin pattern; repeatable"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	applyFlags(c, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bridgebuilder.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge_listen",
			zap.String("addr", cfg.ListenAddr),
			zap.String("ws_path", cfg.WSPath),
			zap.String("engine", cfg.EngineBinary),
			zap.Strings("engine_args", cfg.EngineArgv()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("bridge_shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by http.Server.
	if err := deps.Server.Shutdown(sctx); err != nil {
		logger.Warn("bridge_sessions_shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}

func applyFlags(c *cli.Context, cfg *config.ServerConfig) {
	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("ws-path") {
		cfg.WSPath = c.String("ws-path")
		if !strings.HasPrefix(cfg.WSPath, "/") {
			cfg.WSPath = "/" + cfg.WSPath
		}
	}
	if c.IsSet("engine") {
		cfg.EngineBinary = c.String("engine")
	}
	if c.IsSet("engine-flag") {
		cfg.EngineAPIFlag = c.String("engine-flag")
	}
	if c.IsSet("redis-url") {
		cfg.RedisURL = c.String("redis-url")
	}
	if c.IsSet("allowed-origin") {
		cfg.AllowedOrigins = c.StringSlice("allowed-origin")
	}
}
