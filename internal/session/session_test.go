package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/park285/chess-engine-bridge/internal/connmgr"
	"github.com/park285/chess-engine-bridge/internal/domain"
	"github.com/park285/chess-engine-bridge/internal/msgcat"
	"github.com/park285/chess-engine-bridge/internal/rules"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(cmd wire.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd.String())
	return nil
}

func (s *recordingSender) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

type manualTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type manualScheduler struct{ timers []*manualTimer }

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) Timer {
	t := &manualTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *manualScheduler) fire() {
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			t.f()
		}
	}
}

type harness struct {
	m        *Machine
	out      *recordingSender
	sched    *manualScheduler
	finished []domain.FinishedGame
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{out: &recordingSender{}, sched: &manualScheduler{}}
	h.m = NewMachine(Config{Depth: 6}, h.out, h.sched, msgcat.Default(), nil, Hooks{
		GameFinished: func(g domain.FinishedGame) { h.finished = append(h.finished, g) },
	})
	return h
}

// start opens the socket, starts a game and lets the opening debounce fire.
func (h *harness) start(t *testing.T, color rules.Color, mode Mode) {
	t.Helper()
	h.m.HandleOpen()
	h.m.StartGame(color, mode)
	require.Equal(t, []string{"newgame"}, h.out.take())
	h.m.HandleMessage(wire.NewGameStarted())
	require.Empty(t, h.out.take())
	require.Equal(t, 1, h.sched.pending())
	h.sched.fire()
}

func TestPlayerBlackEngineOpens(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.Black, ModeVsEngine)

	require.Equal(t, []string{"search 6"}, h.out.take())
	s := h.m.Snapshot()
	require.Equal(t, StateEngineSearching, s.State)
	require.Equal(t, IntentEngineMove, s.Intent)
	require.True(t, s.Thinking)

	h.m.HandleMessage(wire.SearchResult(20, "e2e4", nil))
	require.Equal(t, []string{"move e2e4"}, h.out.take())
	s = h.m.Snapshot()
	require.Equal(t, []HistoryEntry{{Notation: "e4", Color: rules.White}}, s.History)
	require.Equal(t, StateAwaitingOpponent, s.State)
	require.False(t, s.Thinking)
	require.Equal(t, rules.Black, s.Turn)

	h.m.HandleMessage(wire.MoveAccepted())
	require.Equal(t, []string{"search 6"}, h.out.take())
	s = h.m.Snapshot()
	require.Equal(t, IntentHint, s.Intent)
	require.Equal(t, StateHintSearching, s.State)
	require.True(t, s.Analyzing)
}

func TestPlayerWhiteOpeningIsHint(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModeVsEngine)

	require.Equal(t, []string{"search 6"}, h.out.take())
	require.Equal(t, IntentHint, h.m.Snapshot().Intent)
}

func TestHintNeverMutatesGame(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModeVsEngine)
	h.out.take()
	before := h.m.Snapshot()

	top := []wire.Line{{Score: 30, Line: []string{"e2e4", "e7e5"}}, {Score: 25, Line: []string{"d2d4"}}}
	h.m.HandleMessage(wire.SearchResult(30, "e2e4", top))

	s := h.m.Snapshot()
	require.Empty(t, h.out.take())
	require.Equal(t, before.FEN, s.FEN)
	require.Empty(t, s.History)
	require.Equal(t, "e2e4", s.BestMove)
	require.Equal(t, top, s.TopLines)
	require.Equal(t, 30, s.Eval)
	require.Equal(t, StateAwaitingMove, s.State)
	require.False(t, s.Analyzing)
}

func TestHumanMoveThenEngineReply(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModeVsEngine)
	h.out.take()
	h.m.HandleMessage(wire.SearchResult(30, "e2e4", nil))

	require.NoError(t, h.m.HumanMove("e2e4"))
	require.Equal(t, []string{"move e2e4"}, h.out.take())
	require.Empty(t, h.m.Snapshot().BestMove)

	h.m.HandleMessage(wire.MoveAccepted())
	require.Equal(t, []string{"search 6"}, h.out.take())
	require.Equal(t, StateEngineSearching, h.m.Snapshot().State)

	h.m.HandleMessage(wire.SearchResult(-10, "e7e5", nil))
	require.Equal(t, []string{"move e7e5"}, h.out.take())
	s := h.m.Snapshot()
	require.Len(t, s.History, 2)
	require.Equal(t, HistoryEntry{Notation: "e5", Color: rules.Black}, s.History[1])
	require.Equal(t, -10, s.PlayerEval)

	h.m.HandleMessage(wire.MoveAccepted())
	require.Equal(t, []string{"search 6"}, h.out.take())
	require.Equal(t, IntentHint, h.m.Snapshot().Intent)
}

func TestPlayerEvalIsFromPlayersSide(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.Black, ModeVsEngine)
	h.m.HandleMessage(wire.SearchResult(40, "e2e4", nil))

	s := h.m.Snapshot()
	require.Equal(t, 40, s.Eval)
	require.Equal(t, -40, s.PlayerEval)
}

func TestHumanMoveRejections(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.m.HumanMove("e2e4"), ErrNoGame)

	h.start(t, rules.Black, ModeVsEngine)
	h.out.take()
	require.ErrorIs(t, h.m.HumanMove("e2e4"), ErrNotYourTurn)

	h.m.HandleMessage(wire.SearchResult(0, "e2e4", nil))
	h.out.take()
	err := h.m.HumanMove("e7e4")
	require.ErrorIs(t, err, rules.ErrIllegalMove)
	require.True(t, IsRejection(err))
	require.Empty(t, h.out.take())
	require.Len(t, h.m.Snapshot().History, 1)
}

func TestIllegalMoveRollsBack(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModeVsEngine)
	h.out.take()
	start := h.m.Snapshot().FEN

	require.NoError(t, h.m.HumanMove("e2e4"))
	h.out.take()
	h.m.HandleMessage(wire.IllegalMove())

	s := h.m.Snapshot()
	require.Equal(t, start, s.FEN)
	require.Empty(t, s.History)
	require.Equal(t, rules.White, s.Turn)
	require.Equal(t, StateAwaitingMove, s.State)
	require.Equal(t, "Engine rejected the move.", s.Notice)
	require.Empty(t, h.out.take())
}

func TestEngineMoveDiscarded(t *testing.T) {
	for name, best := range map[string]string{
		"illegal":   "e2e5",
		"malformed": "zz99",
		"wrong":     "e7e5",
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t, rules.Black, ModeVsEngine)
			h.out.take()
			before := h.m.Snapshot()

			h.m.HandleMessage(wire.SearchResult(0, best, nil))

			s := h.m.Snapshot()
			require.Empty(t, h.out.take())
			require.Equal(t, before.FEN, s.FEN)
			require.Empty(t, s.History)
			require.Equal(t, StateEngineSearching, s.State)
			require.True(t, s.Thinking)
			require.ErrorIs(t, h.m.HumanMove("e2e4"), ErrNotYourTurn)
		})
	}
}

func TestEngineMoveWithoutBestmove(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.Black, ModeVsEngine)
	h.out.take()

	h.m.HandleMessage(wire.SearchResult(0, "", nil))
	require.Empty(t, h.out.take())
	require.Empty(t, h.m.Snapshot().History)
}

func TestPvPAlwaysHints(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.Black, ModePvP)
	require.Equal(t, []string{"search 6"}, h.out.take())
	require.Equal(t, rules.White, h.m.Snapshot().PlayerColor)

	require.NoError(t, h.m.HumanMove("e2e4"))
	h.m.HandleMessage(wire.MoveAccepted())
	require.Equal(t, []string{"move e2e4", "search 6"}, h.out.take())
	require.Equal(t, IntentHint, h.m.Snapshot().Intent)

	// both sides are human
	require.NoError(t, h.m.HumanMove("e7e5"))
	require.Equal(t, []string{"move e7e5"}, h.out.take())
}

func TestCheckmateFinishesOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModePvP)
	h.out.take()

	for _, mv := range []string{"f2f3", "e7e5", "g2g4"} {
		require.NoError(t, h.m.HumanMove(mv))
		h.m.HandleMessage(wire.MoveAccepted())
	}
	require.NoError(t, h.m.HumanMove("d8h4"))

	s := h.m.Snapshot()
	require.Equal(t, rules.StatusCheckmate, s.Status)
	require.Equal(t, StateGameOver, s.State)
	require.Equal(t, "Checkmate! Black wins.", s.Notice)
	require.ErrorIs(t, h.m.HumanMove("a2a3"), ErrGameOver)
	require.Empty(t, h.finished, "archived before the engine confirmed the mate")

	h.m.HandleMessage(wire.MoveAccepted())
	require.Len(t, h.finished, 1)
	g := h.finished[0]
	require.Equal(t, "0-1", g.Result)
	require.Equal(t, []string{"f2f3", "e7e5", "g2g4", "d8h4"}, g.MovesUCI)
	require.Equal(t, "Qh4#", g.MovesSAN[3])

	h.m.HandleMessage(wire.MoveAccepted())
	require.Len(t, h.finished, 1)
}

func TestRejectedMateIsNotArchived(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModePvP)

	for _, mv := range []string{"f2f3", "e7e5", "g2g4"} {
		require.NoError(t, h.m.HumanMove(mv))
		h.m.HandleMessage(wire.MoveAccepted())
	}
	require.NoError(t, h.m.HumanMove("d8h4"))
	require.Equal(t, StateGameOver, h.m.Snapshot().State)

	h.m.HandleMessage(wire.IllegalMove())
	s := h.m.Snapshot()
	require.Equal(t, rules.StatusPlaying, s.Status)
	require.Equal(t, StateAwaitingMove, s.State)
	require.Len(t, s.History, 3)
	require.Empty(t, h.finished)

	require.NoError(t, h.m.HumanMove("d8h4"))
	h.m.HandleMessage(wire.MoveAccepted())
	require.Len(t, h.finished, 1)
	require.Equal(t, "0-1", h.finished[0].Result)
	require.Equal(t, "checkmate", h.finished[0].Method)
	require.Equal(t, []string{"f2f3", "e7e5", "g2g4", "d8h4"}, h.finished[0].MovesUCI)
}

func TestThreefoldRepetitionIsDraw(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModePvP)

	shuffle := []string{"g1f3", "g8f6", "f3g1", "f6g8"}
	moves := append(append([]string(nil), shuffle...), shuffle...)
	for _, mv := range moves {
		require.NoError(t, h.m.HumanMove(mv))
		h.m.HandleMessage(wire.MoveAccepted())
	}

	s := h.m.Snapshot()
	require.Equal(t, rules.StatusDraw, s.Status)
	require.Equal(t, StateGameOver, s.State)
	require.Equal(t, "Draw.", s.Notice)
	require.ErrorIs(t, h.m.HumanMove("g1f3"), ErrGameOver)

	require.Len(t, h.finished, 1)
	require.Equal(t, "1/2-1/2", h.finished[0].Result)
	require.Equal(t, "threefoldrepetition", h.finished[0].Method)
}

func TestCheckNotice(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModePvP)
	for _, mv := range []string{"e2e4", "f7f6", "d1h5"} {
		require.NoError(t, h.m.HumanMove(mv))
	}
	s := h.m.Snapshot()
	require.Equal(t, rules.StatusCheck, s.Status)
	require.Equal(t, "Black is in check!", s.Notice)
}

func TestVsEngineNoSearchAfterGameOver(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModeVsEngine)
	h.out.take()

	// White plays into fool's mate with Black's moves supplied by the engine.
	require.NoError(t, h.m.HumanMove("f2f3"))
	h.m.HandleMessage(wire.MoveAccepted())
	h.m.HandleMessage(wire.SearchResult(0, "e7e5", nil))
	h.m.HandleMessage(wire.MoveAccepted())
	h.m.HandleMessage(wire.SearchResult(0, "", nil))

	require.NoError(t, h.m.HumanMove("g2g4"))
	h.m.HandleMessage(wire.MoveAccepted())
	h.m.HandleMessage(wire.SearchResult(0, "d8h4", nil))
	h.out.take()
	require.Equal(t, StateGameOver, h.m.Snapshot().State)
	require.Empty(t, h.finished)

	h.m.HandleMessage(wire.MoveAccepted())
	require.Empty(t, h.out.take())
	require.Len(t, h.finished, 1)
	require.Equal(t, "engine", h.finished[0].Mode)
}

func TestOpenResyncsOnlyInGame(t *testing.T) {
	h := newHarness(t)
	h.m.HandleOpen()
	require.Empty(t, h.out.take())
	require.True(t, h.m.Snapshot().Connected)

	h.m.StartGame(rules.White, ModeVsEngine)
	h.m.HandleClosed()
	h.m.HandleOpen()
	require.Equal(t, []string{"newgame", "newgame"}, h.out.take())
}

func TestClosedCancelsDebounce(t *testing.T) {
	h := newHarness(t)
	h.m.HandleOpen()
	h.m.StartGame(rules.Black, ModeVsEngine)
	h.m.HandleMessage(wire.NewGameStarted())
	h.out.take()

	h.m.HandleClosed()
	require.Zero(t, h.sched.pending())
	h.sched.fire()
	require.Empty(t, h.out.take())

	s := h.m.Snapshot()
	require.False(t, s.Connected)
	require.Equal(t, "Connection lost. Reconnecting…", s.Notice)
}

func TestNewGameStartedRestartsDebounce(t *testing.T) {
	h := newHarness(t)
	h.m.HandleOpen()
	h.m.StartGame(rules.White, ModeVsEngine)
	h.m.HandleMessage(wire.NewGameStarted())
	h.m.HandleMessage(wire.NewGameStarted())
	require.Equal(t, 1, h.sched.pending())
	h.sched.fire()
	require.Equal(t, []string{"newgame", "search 6"}, h.out.take())
}

func TestEngineClosed(t *testing.T) {
	h := newHarness(t)
	h.start(t, rules.White, ModeVsEngine)
	h.out.take()

	h.m.HandleMessage(wire.EngineClosed(-1))
	s := h.m.Snapshot()
	require.Equal(t, StateGameOver, s.State)
	require.False(t, s.Connected)
	require.Equal(t, "Engine closed (code -1).", s.Notice)

	require.ErrorIs(t, h.m.HumanMove("e2e4"), ErrGameOver)
	require.Empty(t, h.out.take())
}

func TestReturnToMenu(t *testing.T) {
	h := newHarness(t)
	h.m.HandleOpen()
	h.m.StartGame(rules.White, ModeVsEngine)
	h.m.HandleMessage(wire.NewGameStarted())
	h.m.ReturnToMenu()

	require.Zero(t, h.sched.pending())
	s := h.m.Snapshot()
	require.Equal(t, ScreenMenu, s.Screen)
	require.Equal(t, StateIdle, s.State)
	require.ErrorIs(t, h.m.HumanMove("e2e4"), ErrNoGame)
}

func TestSendFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.out.err = errors.New("down")
	h.m.StartGame(rules.White, ModeVsEngine)
	require.Equal(t, StateAwaitingOpponent, h.m.Snapshot().State)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("PvP")
	require.NoError(t, err)
	require.Equal(t, ModePvP, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeVsEngine, m)
	_, err = ParseMode("chess960")
	require.Error(t, err)
}

type fakeClient struct {
	recordingSender
	mu     sync.Mutex
	msgCbs map[int]connmgr.MessageCallback
	stCbs  map[int]connmgr.StateCallback
	nextID int
}

func newFakeClient() *fakeClient {
	return &fakeClient{msgCbs: map[int]connmgr.MessageCallback{}, stCbs: map[int]connmgr.StateCallback{}}
}

func (c *fakeClient) Connect(context.Context) error { return nil }
func (c *fakeClient) State() connmgr.State          { return connmgr.StateOpen }
func (c *fakeClient) Close(context.Context) error   { return nil }

func (c *fakeClient) OnMessage(cb connmgr.MessageCallback) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.msgCbs[c.nextID] = cb
	return c.nextID
}

func (c *fakeClient) RemoveMessageCallback(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.msgCbs, id)
}

func (c *fakeClient) OnStateChange(cb connmgr.StateCallback) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.stCbs[c.nextID] = cb
	return c.nextID
}

func (c *fakeClient) RemoveStateCallback(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stCbs, id)
}

func (c *fakeClient) emit(msg wire.Message) {
	c.mu.Lock()
	cbs := make([]connmgr.MessageCallback, 0, len(c.msgCbs))
	for _, cb := range c.msgCbs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(msg)
	}
}

func (c *fakeClient) setState(st connmgr.State) {
	c.mu.Lock()
	cbs := make([]connmgr.StateCallback, 0, len(c.stCbs))
	for _, cb := range c.stCbs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

func TestRunnerEndToEnd(t *testing.T) {
	client := newFakeClient()
	r := NewRunner(Config{Depth: 6, OpeningDebounce: 10 * time.Millisecond}, client, msgcat.Default(), nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	updates := make(chan Snapshot, 64)
	r.OnUpdate(func(s Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	detach := r.Attach(client)
	defer detach()

	client.setState(connmgr.StateOpen)
	require.NoError(t, r.Do(ctx, func(m *Machine) error {
		m.StartGame(rules.Black, ModeVsEngine)
		return nil
	}))
	client.emit(wire.NewGameStarted())

	require.Eventually(t, func() bool {
		s, err := r.Snapshot(ctx)
		return err == nil && s.State == StateEngineSearching
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"newgame", "search 6"}, client.take())

	client.emit(wire.SearchResult(15, "d2d4", nil))
	require.Eventually(t, func() bool {
		s, err := r.Snapshot(ctx)
		return err == nil && len(s.History) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"move d2d4"}, client.take())
	require.NotEmpty(t, updates)

	err := r.Do(ctx, func(m *Machine) error { return m.HumanMove("e2e4") })
	require.ErrorIs(t, err, rules.ErrIllegalMove)

	cancel()
	require.Eventually(t, func() bool { return !r.Post(func(*Machine) {}) }, time.Second, 5*time.Millisecond)
}
