package uci

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/rules"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

// Searcher is the engine behind an Adapter.
type Searcher interface {
	NewGame(ctx context.Context) error
	Search(ctx context.Context, moves []string, depth int) (SearchResponse, error)
}

// Adapter speaks the bridge line protocol on one side and drives a
// Searcher on the other. Scores it emits are White-relative.
type Adapter struct {
	engine Searcher
	game   *rules.Game
	log    *zap.Logger
}

func NewAdapter(engine Searcher, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{engine: engine, game: rules.NewGame(), log: log}
}

// Serve handles commands from in until it is exhausted or ctx ends.
func (a *Adapter) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := emit(out, a.Handle(ctx, line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Handle answers a single command line.
func (a *Adapter) Handle(ctx context.Context, line string) wire.Message {
	cmd, err := wire.ParseCommand(line)
	if err != nil {
		a.log.Debug("command_rejected", zap.String("line", line), zap.Error(err))
		switch {
		case errors.Is(err, wire.ErrBadMove):
			return wire.IllegalMove()
		case errors.Is(err, wire.ErrBadDepth):
			return wire.EngineError("invalid depth")
		default:
			return wire.EngineError("unknown command")
		}
	}

	switch cmd.Kind {
	case wire.CmdNewGame:
		if err := a.engine.NewGame(ctx); err != nil {
			a.log.Error("engine_newgame_failed", zap.Error(err))
			return wire.EngineError("engine not ready")
		}
		a.game = rules.NewGame()
		return wire.NewGameStarted()

	case wire.CmdMove:
		if _, err := a.game.Apply(cmd.UCI); err != nil {
			a.log.Debug("move_rejected", zap.String("move", cmd.UCI), zap.Error(err))
			return wire.IllegalMove()
		}
		return wire.MoveAccepted()

	case wire.CmdSearch:
		return a.search(ctx, cmd.Depth)
	}
	return wire.EngineError("unknown command")
}

func (a *Adapter) search(ctx context.Context, depth int) wire.Message {
	sign := 1
	if a.game.Turn() == rules.Black {
		sign = -1
	}
	switch a.game.Status() {
	case rules.StatusCheckmate:
		return wire.SearchResult(sign*(Score{IsMate: true}).Value(), "", nil)
	case rules.StatusStalemate, rules.StatusDraw:
		return wire.SearchResult(0, "", nil)
	}

	resp, err := a.engine.Search(ctx, a.game.Moves(), depth)
	if err != nil {
		a.log.Error("engine_search_failed", zap.Int("depth", depth), zap.Error(err))
		return wire.EngineError("search failed")
	}

	top := make([]wire.Line, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		top = append(top, wire.Line{Score: sign * c.Score.Value(), Line: c.Principal})
	}
	eval := 0
	if len(top) > 0 {
		eval = top[0].Score
	}
	return wire.SearchResult(eval, resp.BestMove, top)
}

func emit(w io.Writer, msg wire.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
