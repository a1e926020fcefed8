package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/archive"
	"github.com/park285/chess-engine-bridge/internal/config"
	"github.com/park285/chess-engine-bridge/internal/connmgr"
	"github.com/park285/chess-engine-bridge/internal/domain"
	"github.com/park285/chess-engine-bridge/internal/msgcat"
	"github.com/park285/chess-engine-bridge/internal/obslog"
	"github.com/park285/chess-engine-bridge/internal/rules"
	"github.com/park285/chess-engine-bridge/internal/session"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

func main() {
	app := &cli.App{
		Name:  "chess-client",
		Usage: "play against an engine through the bridge server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file to load before reading the environment", Value: ".env"},
			&cli.StringFlag{Name: "url", Usage: "bridge websocket URL (BRIDGE_URL)"},
			&cli.StringFlag{Name: "color", Usage: "default side for 'new': w or b (PLAYER_COLOR)"},
			&cli.IntFlag{Name: "depth", Usage: "search depth (ENGINE_DEPTH)"},
			&cli.StringFlag{Name: "messages", Usage: "directory of YAML message overrides"},
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
	// stdout belongs to the game
	if err := obslog.InitStderrFromEnv(); err != nil {
		return err
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if c.IsSet("url") {
		cfg.BridgeURL = c.String("url")
	}
	if c.IsSet("color") {
		cfg.PlayerColor = strings.ToLower(c.String("color"))
	}
	if c.IsSet("depth") {
		cfg.EngineDepth = c.Int("depth")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cat, err := msgcat.New(c.String("messages"))
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openArchive(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	saves := newArchiver(store, logger)
	defer func() { _ = saves.Close() }()

	ws := connmgr.New(cfg.BridgeURL,
		connmgr.WithReconnectDelay(cfg.ReconnectDelay),
		connmgr.WithLogger(logger),
	)
	runner := session.NewRunner(session.Config{
		Depth:           cfg.EngineDepth,
		OpeningDebounce: cfg.OpeningDebounce,
	}, ws, cat, logger, session.Hooks{
		GameFinished: saves.Save,
	})

	v := newView(os.Stdout, cat)
	runner.OnUpdate(v.Update)
	detach := runner.Attach(ws)
	defer detach()

	go runner.Run(ctx)

	v.line("cli.banner", map[string]any{"URL": cfg.BridgeURL}, "Connected to "+cfg.BridgeURL)
	// A failed first dial keeps retrying in the background.
	if err := ws.Connect(ctx); err != nil {
		logger.Warn("bridge_connect_failed", zap.String("url", cfg.BridgeURL), zap.Error(err))
	}

	repl := &repl{ctx: ctx, cfg: cfg, runner: runner, view: v, cat: cat, store: store}
	err = repl.loop(os.Stdin)

	cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ws.Close(cctx)
	return err
}

func openArchive(ctx context.Context, databaseURL string, logger *zap.Logger) (archive.Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return archive.NewMemoryStore(), nil
	}
	repo, err := archive.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	logger.Info("archive", zap.String("backend", "postgres"))
	return repo, nil
}

// archiver saves finished games off the session goroutine. Close waits for
// saves in flight before closing the store.
type archiver struct {
	store archive.Store
	log   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newArchiver(store archive.Store, log *zap.Logger) *archiver {
	return &archiver{store: store, log: log}
}

func (a *archiver) Save(g domain.FinishedGame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.log.Warn("archive_save_after_close", zap.String("game_id", g.ID))
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		saveGame(a.store, g, a.log)
	}()
}

func (a *archiver) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
	return a.store.Close()
}

func saveGame(store archive.Store, g domain.FinishedGame, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, &g); err != nil {
		logger.Error("archive_save_failed", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	logger.Info("archive_saved", zap.String("game_id", g.ID), zap.String("result", g.Result))
}

type repl struct {
	ctx    context.Context
	cfg    *config.ClientConfig
	runner *session.Runner
	view   *view
	cat    *msgcat.Catalog
	store  archive.Store
}

var errQuit = errors.New("quit")

func (r *repl) loop(in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if r.ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := r.handle(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}

func (r *repl) handle(line string) error {
	fields := strings.Fields(strings.ToLower(line))
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "help":
		r.view.line("cli.help", nil, "new [w|b], pvp, <uci>, hint, history, board, games, menu, quit")
	case "new":
		color := rules.Color(r.cfg.PlayerColor[0])
		if len(fields) > 1 {
			c, err := rules.ParseColor(fields[1])
			if err != nil {
				r.view.printf("%v\n", err)
				return nil
			}
			color = c
		}
		mode, _ := session.ParseMode(r.cfg.GameMode)
		r.view.Reset()
		return r.do(func(m *session.Machine) error { m.StartGame(color, mode); return nil })
	case "pvp":
		r.view.Reset()
		return r.do(func(m *session.Machine) error { m.StartGame(rules.White, session.ModePvP); return nil })
	case "menu":
		return r.do(func(m *session.Machine) error { m.ReturnToMenu(); return nil })
	case "hint", "hints":
		return r.withSnapshot(r.view.Hints)
	case "history":
		return r.withSnapshot(r.view.History)
	case "board":
		return r.withSnapshot(r.view.Board)
	case "games":
		return r.games()
	default:
		if !wire.ValidUCI(fields[0]) {
			r.view.line("cli.unknown_command", map[string]any{"Input": line}, "Unknown command: "+line)
			return nil
		}
		mv := fields[0]
		err := r.do(func(m *session.Machine) error { return m.HumanMove(mv) })
		switch {
		case err == nil, errors.Is(err, errQuit):
			return err
		case session.IsRejection(err):
			r.rejected(mv, err)
		default:
			r.view.printf("%v\n", err)
		}
	}
	return nil
}

func (r *repl) rejected(mv string, err error) {
	switch {
	case errors.Is(err, session.ErrNoGame):
		r.view.line(msgcat.NoticeNoGame, nil, "No game in progress.")
	case errors.Is(err, session.ErrGameOver):
		r.view.line(msgcat.NoticeGameOver, nil, "The game is over.")
	case errors.Is(err, session.ErrNotYourTurn):
		r.view.line(msgcat.NoticeNotYourTurn, nil, "Not your turn.")
	default:
		r.view.line(msgcat.NoticeIllegalInput, map[string]any{"Move": mv}, "Illegal move: "+mv)
	}
}

func (r *repl) do(fn func(*session.Machine) error) error {
	err := r.runner.Do(r.ctx, fn)
	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		return errQuit
	}
	return err
}

func (r *repl) withSnapshot(fn func(session.Snapshot)) error {
	s, err := r.runner.Snapshot(r.ctx)
	if err != nil {
		return errQuit
	}
	fn(s)
	return nil
}

func (r *repl) games() error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	games, err := r.store.Recent(ctx, 10)
	if err != nil {
		r.view.printf("%v\n", err)
		return nil
	}
	for _, g := range games {
		r.view.printf("%s  %s  %-7s %s  %d moves\n", g.EndedAt.Format("2006-01-02 15:04"), g.Result, g.Method, g.Mode, len(g.MovesUCI))
	}
	return nil
}
