// Package session is the client-side game state machine. It decides after
// every accepted move whether the engine searches for its own move or for a
// hint, applies engine moves to the local rules state and resynchronizes
// after reconnects.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/chess-engine-bridge/internal/domain"
	"github.com/park285/chess-engine-bridge/internal/rules"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

type Mode int

const (
	ModeVsEngine Mode = iota
	ModePvP
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "engine", "vs-engine":
		return ModeVsEngine, nil
	case "pvp":
		return ModePvP, nil
	}
	return 0, fmt.Errorf("session: unknown mode %q", s)
}

func (m Mode) String() string {
	if m == ModePvP {
		return "pvp"
	}
	return "engine"
}

type Screen int

const (
	ScreenMenu Screen = iota
	ScreenGame
)

type State int

const (
	StateIdle State = iota
	// StateAwaitingOpponent waits for the engine to acknowledge a new game
	// or a move before the next search is issued.
	StateAwaitingOpponent
	StateEngineSearching
	StateHintSearching
	// StateAwaitingMove is the human's turn with no search outstanding.
	StateAwaitingMove
	StateGameOver
)

func (s State) String() string {
	switch s {
	case StateAwaitingOpponent:
		return "awaiting_opponent"
	case StateEngineSearching:
		return "engine_searching"
	case StateHintSearching:
		return "hint_searching"
	case StateAwaitingMove:
		return "awaiting_move"
	case StateGameOver:
		return "game_over"
	default:
		return "idle"
	}
}

type Intent int

const (
	IntentNone Intent = iota
	IntentEngineMove
	IntentHint
)

func (i Intent) String() string {
	switch i {
	case IntentEngineMove:
		return "engine_move"
	case IntentHint:
		return "hint"
	default:
		return "none"
	}
}

// Rejections of human input. None of them touch the game or the socket.
var (
	ErrNoGame      = errors.New("session: no game in progress")
	ErrGameOver    = errors.New("session: game is over")
	ErrNotYourTurn = errors.New("session: not your turn")
)

type HistoryEntry struct {
	Notation string      `json:"notation"`
	Color    rules.Color `json:"color"`
}

// Snapshot is a read-only copy of the session for rendering.
type Snapshot struct {
	Screen      Screen
	State       State
	Mode        Mode
	PlayerColor rules.Color
	Turn        rules.Color
	FEN         string
	History     []HistoryEntry
	Status      rules.Status
	Intent      Intent

	Eval       int
	PlayerEval int
	BestMove   string
	TopLines   []wire.Line

	Thinking  bool
	Analyzing bool
	Connected bool
	Notice    string
}

// Sender is the outbound half of the connection.
type Sender interface {
	Send(cmd wire.Command) error
}

type Timer interface{ Stop() bool }

// Scheduler runs f after d on the goroutine that owns the Machine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Hooks struct {
	// GameFinished runs on the owning goroutine and must not block.
	GameFinished func(domain.FinishedGame)
}

type Config struct {
	Depth           int
	OpeningDebounce time.Duration
}
