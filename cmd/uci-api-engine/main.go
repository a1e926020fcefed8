// Command uci-api-engine serves the bridge line protocol on stdin/stdout
// using any UCI engine for search.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/config"
	"github.com/park285/chess-engine-bridge/internal/obslog"
	"github.com/park285/chess-engine-bridge/internal/uci"
)

func main() {
	app := &cli.App{
		Name:  "uci-api-engine",
		Usage: "line-protocol engine backed by a UCI engine",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "api", Usage: "speak the JSON line protocol (required)"},
			&cli.StringFlag{Name: "uci", Usage: "UCI engine binary (UCI_ENGINE_PATH)"},
			&cli.IntFlag{Name: "multipv", Usage: "number of lines reported per search (UCI_MULTIPV)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if !c.Bool("api") {
		return fmt.Errorf("interactive mode is not supported; pass --api")
	}
	// stdout is the protocol stream
	if err := obslog.InitStderrFromEnv(); err != nil {
		return err
	}
	logger := obslog.L().With(zap.Int("pid", os.Getpid()))
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadUCI()
	if err != nil {
		return err
	}
	if c.IsSet("uci") {
		cfg.EnginePath = c.String("uci")
	}
	if c.IsSet("multipv") && c.Int("multipv") > 0 {
		cfg.MultiPV = c.Int("multipv")
	}

	// The UCI engine quits on its own once our end of its stdin closes.
	ctx := context.Background()

	engine, err := uci.NewSession(ctx, cfg.EnginePath, uci.Options{
		Threads:     cfg.Threads,
		HashMB:      cfg.HashMB,
		MultiPV:     cfg.MultiPV,
		MoveTimeout: cfg.MoveTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("start uci engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	return uci.NewAdapter(engine, logger).Serve(ctx, os.Stdin, os.Stdout)
}
