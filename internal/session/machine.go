package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-engine-bridge/internal/domain"
	"github.com/park285/chess-engine-bridge/internal/msgcat"
	"github.com/park285/chess-engine-bridge/internal/rules"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

const (
	defaultDepth    = 6
	defaultDebounce = 300 * time.Millisecond
)

// Machine owns the game snapshot and the outstanding search intent. It is
// not safe for concurrent use; Runner serializes every event into it.
type Machine struct {
	cfg    Config
	sender Sender
	sched  Scheduler
	cat    *msgcat.Catalog
	log    *zap.Logger
	hooks  Hooks
	now    func() time.Time

	screen Screen
	state  State
	mode   Mode
	player rules.Color

	game    *rules.Game
	history []HistoryEntry
	status  rules.Status
	intent  Intent

	eval  int
	best  string
	lines []wire.Line

	thinking   bool
	analyzing  bool
	connected  bool
	engineLost bool
	notice     string

	debounce    Timer
	debounceSeq uint64

	gameID    string
	startedAt time.Time
	// unacked counts moves sent but not yet answered by move_ok or illegal_move.
	unacked  int
	finished bool
}

func NewMachine(cfg Config, sender Sender, sched Scheduler, cat *msgcat.Catalog, log *zap.Logger, hooks Hooks) *Machine {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.OpeningDebounce <= 0 {
		cfg.OpeningDebounce = defaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		cfg:    cfg,
		sender: sender,
		sched:  sched,
		cat:    cat,
		log:    log,
		hooks:  hooks,
		now:    time.Now,
		player: rules.White,
		game:   rules.NewGame(),
	}
}

func (m *Machine) engineColor() rules.Color { return m.player.Opponent() }

func (m *Machine) send(cmd wire.Command) {
	if m.engineLost {
		m.log.Debug("send_suppressed_engine_lost", zap.String("cmd", cmd.String()))
		return
	}
	if err := m.sender.Send(cmd); err != nil {
		m.log.Debug("send_failed", zap.String("cmd", cmd.String()), zap.Error(err))
	}
}

func (m *Machine) cancelDebounce() {
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
}

func (m *Machine) resetGame() {
	m.cancelDebounce()
	m.game = rules.NewGame()
	m.history = nil
	m.status = rules.StatusPlaying
	m.intent = IntentNone
	m.eval = 0
	m.best = ""
	m.lines = nil
	m.thinking = false
	m.analyzing = false
	m.notice = ""
	m.unacked = 0
	m.finished = false
}

// StartGame enters the game screen and asks the engine for a fresh board.
// PvP games are always played from White's side of the board.
func (m *Machine) StartGame(color rules.Color, mode Mode) {
	if mode == ModePvP {
		color = rules.White
	}
	m.player = color
	m.mode = mode
	m.screen = ScreenGame
	m.resetGame()
	m.state = StateAwaitingOpponent
	m.gameID = uuid.NewString()
	m.startedAt = m.now()
	m.log.Info("game_start", zap.String("game_id", m.gameID), zap.Stringer("color", color), zap.Stringer("mode", mode))
	m.send(wire.NewGame())
}

// ReturnToMenu abandons the current game.
func (m *Machine) ReturnToMenu() {
	m.cancelDebounce()
	m.screen = ScreenMenu
	m.state = StateIdle
	m.intent = IntentNone
	m.thinking = false
	m.analyzing = false
	m.notice = ""
}

// HandleOpen runs when the socket opens. The engine behind a new socket is
// a new process, so a game in progress is restarted on it.
func (m *Machine) HandleOpen() {
	m.connected = true
	m.engineLost = false
	m.notice = m.cat.Text(msgcat.NoticeConnected, nil, "Connected.")
	if m.screen == ScreenGame {
		m.send(wire.NewGame())
	}
}

func (m *Machine) HandleClosed() {
	m.connected = false
	m.thinking = false
	m.analyzing = false
	m.cancelDebounce()
	m.notice = m.cat.Text(msgcat.NoticeConnectionLost, nil, "Connection lost. Reconnecting…")
}

// HandleMessage applies one engine message.
func (m *Machine) HandleMessage(msg wire.Message) {
	switch msg.Kind {
	case wire.KindNewGameStarted:
		m.onNewGameStarted()
	case wire.KindMoveAccepted:
		m.onMoveAccepted()
	case wire.KindIllegalMove:
		m.onIllegalMove()
	case wire.KindEngineError:
		m.log.Warn("engine_error", zap.String("message", msg.Text))
	case wire.KindSearchResult:
		m.onSearchResult(msg)
	case wire.KindEngineClosed:
		m.onEngineClosed(msg.Code)
	default:
		m.log.Debug("engine_message_ignored", zap.String("status", msg.Status), zap.ByteString("raw", msg.Raw))
	}
}

func (m *Machine) onNewGameStarted() {
	if m.screen != ScreenGame {
		m.log.Debug("new_game_started_outside_game")
		return
	}
	m.resetGame()
	m.state = StateAwaitingOpponent

	intent := IntentHint
	if m.mode == ModeVsEngine && m.player == rules.Black {
		intent = IntentEngineMove
	}
	m.intent = intent
	m.debounceSeq++
	seq := m.debounceSeq
	m.debounce = m.sched.AfterFunc(m.cfg.OpeningDebounce, func() { m.openingSearch(seq, intent) })
}

func (m *Machine) openingSearch(seq uint64, intent Intent) {
	if seq != m.debounceSeq || m.debounce == nil {
		return
	}
	m.debounce = nil
	m.search(intent)
}

func (m *Machine) search(intent Intent) {
	m.intent = intent
	if intent == IntentEngineMove {
		m.thinking = true
		m.state = StateEngineSearching
	} else {
		m.analyzing = true
		if m.state != StateGameOver {
			m.state = StateHintSearching
		}
	}
	m.send(wire.Search(m.cfg.Depth))
}

func (m *Machine) onMoveAccepted() {
	if m.screen != ScreenGame {
		return
	}
	m.ack()
	if m.status.Over() && m.unacked == 0 {
		m.archive()
	}
	if m.mode == ModePvP {
		m.search(IntentHint)
		return
	}
	if m.status.Over() {
		return
	}
	if m.game.Turn() == m.engineColor() {
		m.search(IntentEngineMove)
	} else {
		m.search(IntentHint)
	}
}

func (m *Machine) onIllegalMove() {
	m.log.Warn("engine_rejected_move", zap.Int("ply", m.game.Ply()))
	m.ack()
	if err := m.game.Undo(); err != nil {
		m.log.Debug("undo_failed", zap.Error(err))
	} else if len(m.history) > 0 {
		m.history = m.history[:len(m.history)-1]
	}
	m.syncStatus()
	if !m.status.Over() {
		m.finished = false
		if m.screen == ScreenGame {
			m.state = StateAwaitingMove
		}
	}
	m.notice = m.cat.Text(msgcat.NoticeEngineRejected, nil, "Engine rejected the move.")
}

func (m *Machine) onSearchResult(msg wire.Message) {
	m.eval = msg.Eval
	m.analyzing = false

	if m.intent != IntentEngineMove {
		m.thinking = false
	}
	if m.intent == IntentHint {
		m.lines = msg.TopMoves
		m.best = msg.Best()
		if m.state == StateHintSearching {
			m.state = StateAwaitingMove
		}
		return
	}

	if m.intent != IntentEngineMove {
		m.log.Debug("search_result_without_intent")
		return
	}

	// A discarded engine move leaves the session searching with no retry.
	bm := msg.Best()
	switch {
	case bm == "":
		m.log.Warn("search_result_discarded", zap.String("reason", "no bestmove"))
		return
	case !wire.ValidUCI(bm):
		m.log.Warn("search_result_discarded", zap.String("reason", "malformed"), zap.String("bestmove", bm))
		return
	case m.game.Turn() != m.engineColor():
		m.log.Warn("search_result_discarded", zap.String("reason", "not engine turn"), zap.String("bestmove", bm))
		return
	case m.status.Over():
		m.log.Warn("search_result_discarded", zap.String("reason", "game over"), zap.String("bestmove", bm))
		return
	}

	applied, err := m.game.Apply(bm)
	if err != nil {
		m.log.Error("search_result_discarded", zap.String("reason", "illegal"), zap.String("bestmove", bm), zap.Error(err))
		return
	}
	m.thinking = false
	m.best = bm
	m.history = append(m.history, HistoryEntry{Notation: applied.SAN, Color: applied.Color})
	m.sendMove(applied.UCI)
	m.state = StateAwaitingOpponent
	m.syncStatus()
}

func (m *Machine) onEngineClosed(code int) {
	m.log.Warn("engine_closed", zap.Int("code", code))
	m.cancelDebounce()
	m.engineLost = true
	m.connected = false
	m.thinking = false
	m.analyzing = false
	m.intent = IntentNone
	if m.screen == ScreenGame {
		m.state = StateGameOver
	}
	m.notice = m.cat.Text(msgcat.StatusEngineClosed, map[string]any{"Code": code}, fmt.Sprintf("Engine closed (code %d).", code))
}

// HumanMove validates and plays uci for the human. A rejected move leaves
// the game untouched and sends nothing.
func (m *Machine) HumanMove(uci string) error {
	if m.screen != ScreenGame {
		return ErrNoGame
	}
	if m.status.Over() || m.state == StateGameOver {
		return ErrGameOver
	}
	if m.state == StateEngineSearching || (m.mode == ModeVsEngine && m.game.Turn() != m.player) {
		return ErrNotYourTurn
	}
	uci = m.game.NormalizeMove(uci)
	if !m.game.IsLegal(uci) {
		return fmt.Errorf("%w: %s", rules.ErrIllegalMove, uci)
	}
	applied, err := m.game.Apply(uci)
	if err != nil {
		return err
	}
	m.history = append(m.history, HistoryEntry{Notation: applied.SAN, Color: applied.Color})
	m.lines = nil
	m.best = ""
	m.sendMove(applied.UCI)
	m.state = StateAwaitingOpponent
	m.syncStatus()
	return nil
}

// syncStatus recomputes the status from the rules engine and ends the game
// when it is over. The game is archived only once the engine confirms the
// final move.
func (m *Machine) syncStatus() {
	m.status = m.game.Status()
	switch m.status {
	case rules.StatusCheckmate:
		m.notice = m.cat.Text(msgcat.StatusCheckmate, map[string]any{"Winner": m.game.Winner().Name()},
			fmt.Sprintf("Checkmate! %s wins.", m.game.Winner().Name()))
	case rules.StatusStalemate:
		m.notice = m.cat.Text(msgcat.StatusStalemate, nil, "Stalemate — draw.")
	case rules.StatusDraw:
		m.notice = m.cat.Text(msgcat.StatusDraw, nil, "Draw.")
	case rules.StatusCheck:
		m.notice = m.cat.Text(msgcat.StatusCheck, map[string]any{"Side": m.game.Turn().Name()},
			fmt.Sprintf("%s is in check!", m.game.Turn().Name()))
	default:
		m.notice = ""
	}
	if m.status.Over() {
		m.cancelDebounce()
		m.state = StateGameOver
	}
}

func (m *Machine) sendMove(uci string) {
	m.unacked++
	m.send(wire.Move(uci))
}

func (m *Machine) ack() {
	if m.unacked > 0 {
		m.unacked--
	}
}

// archive reports the finished game to the GameFinished hook at most once.
func (m *Machine) archive() {
	if m.finished {
		return
	}
	m.finished = true

	result, method := m.game.Result()
	sans := make([]string, 0, len(m.history))
	for _, h := range m.history {
		sans = append(sans, h.Notation)
	}
	rec := domain.FinishedGame{
		ID:          m.gameID,
		Mode:        m.mode.String(),
		PlayerColor: m.player.String(),
		Result:      result,
		Method:      method,
		MovesUCI:    m.game.Moves(),
		MovesSAN:    sans,
		StartedAt:   m.startedAt,
		EndedAt:     m.now(),
	}
	m.log.Info("game_over", zap.String("game_id", rec.ID), zap.String("result", result), zap.String("method", method))
	if m.hooks.GameFinished != nil {
		m.hooks.GameFinished(rec)
	}
}

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Screen:      m.screen,
		State:       m.state,
		Mode:        m.mode,
		PlayerColor: m.player,
		Turn:        m.game.Turn(),
		FEN:         m.game.FEN(),
		History:     append([]HistoryEntry(nil), m.history...),
		Status:      m.status,
		Intent:      m.intent,
		Eval:        m.eval,
		PlayerEval:  m.eval,
		BestMove:    m.best,
		TopLines:    append([]wire.Line(nil), m.lines...),
		Thinking:    m.thinking,
		Analyzing:   m.analyzing,
		Connected:   m.connected,
		Notice:      m.notice,
	}
	if m.player == rules.Black {
		s.PlayerEval = -m.eval
	}
	return s
}

// IsRejection reports whether err is a human-input rejection rather than a
// failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoGame) || errors.Is(err, ErrGameOver) ||
		errors.Is(err, ErrNotYourTurn) || errors.Is(err, rules.ErrIllegalMove)
}
