// Package bridgebuilder assembles the bridge server's dependencies from
// configuration.
package bridgebuilder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/bridge"
	"github.com/park285/chess-engine-bridge/internal/config"
	"github.com/park285/chess-engine-bridge/internal/metrics"
	"github.com/park285/chess-engine-bridge/internal/registry"
)

const metricsNamespace = "bridge"

type Deps struct {
	Server     *bridge.Server
	Supervisor *bridge.Supervisor
	Registry   registry.Store
	Metrics    *metrics.Metrics

	closers []func() error
}

// Close releases backing stores. The server itself is shut down separately.
func (d *Deps) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func New(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sup := bridge.NewSupervisor(cfg.EngineBinary, cfg.EngineArgv(), bridge.WithSupervisorLogger(logger))
	// A missing binary is reported per session as well; warn early.
	if err := sup.Check(); err != nil {
		logger.Warn("engine_binary_check_failed", zap.String("binary", cfg.EngineBinary), zap.Error(err))
	}

	deps := &Deps{Supervisor: sup, Metrics: metrics.New(metricsNamespace)}

	// Registry (Redis optional)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		store, err := registry.Dial(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("init session registry: %w", err)
		}
		deps.Registry = store
		deps.closers = append(deps.closers, store.Close)
		logger.Info("session_registry", zap.String("backend", "redis"))
	} else {
		deps.Registry = registry.NewMemoryStore()
		logger.Info("session_registry", zap.String("backend", "memory"))
	}

	deps.Server = bridge.NewServer(bridge.Options{
		WSPath:         cfg.WSPath,
		ReadLimit:      cfg.ReadLimit,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		SessionTTL:     cfg.SessionTTL,
		Supervisor:     sup,
		Registry:       deps.Registry,
		Metrics:        deps.Metrics,
		Logger:         logger,
	})
	return deps, nil
}
