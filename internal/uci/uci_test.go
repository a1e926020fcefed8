package uci

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/park285/chess-engine-bridge/pkg/wire"
)

func TestScoreValue(t *testing.T) {
	cases := []struct {
		s    Score
		want int
	}{
		{Score{CP: 35}, 35},
		{Score{CP: -12}, -12},
		{Score{Mate: 1, IsMate: true}, MateScore - 1},
		{Score{Mate: 3, IsMate: true}, MateScore - 5},
		{Score{Mate: -2, IsMate: true}, -(MateScore - 4)},
		{Score{IsMate: true}, -MateScore},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.s.Value(), "%+v", c.s)
	}
}

func TestParseInfo(t *testing.T) {
	mpv, cand, ok := parseInfo("info depth 12 seldepth 18 multipv 2 score cp -41 nodes 1000 pv g1f3 d7d5 d2d4")
	require.True(t, ok)
	require.Equal(t, 2, mpv)
	require.Equal(t, "g1f3", cand.Move)
	require.Equal(t, -41, cand.Score.Value())
	require.Equal(t, []string{"g1f3", "d7d5", "d2d4"}, cand.Principal)

	_, cand, ok = parseInfo("info depth 5 score mate -1 pv h2h3")
	require.True(t, ok)
	require.True(t, cand.Score.IsMate)
	require.Equal(t, -1, cand.Score.Mate)

	_, _, ok = parseInfo("info string NNUE evaluation enabled")
	require.False(t, ok)
}

func TestBuildCommands(t *testing.T) {
	require.Equal(t, "position startpos", positionCommand(nil))
	require.Equal(t, "position startpos moves e2e4 e7e5", positionCommand([]string{"e2e4", "e7e5"}))

	cmd, err := goCommand(6)
	require.NoError(t, err)
	require.Equal(t, "go depth 6", cmd)
	_, err = goCommand(0)
	require.Error(t, err)

	require.Equal(t, []string{
		"setoption name Threads value 1",
		"setoption name Hash value 16",
		"setoption name MultiPV value 3",
	}, Options{HashMB: 16, MultiPV: 3}.setoptions())
}

func TestParseBestMove(t *testing.T) {
	best, ok := parseBestMove("bestmove e2e4 ponder e7e5")
	require.True(t, ok)
	require.Equal(t, "e2e4", best)

	for _, line := range []string{"bestmove (none)", "bestmove 0000", "bestmove"} {
		best, ok = parseBestMove(line)
		require.True(t, ok, line)
		require.Empty(t, best, line)
	}
	_, ok = parseBestMove("info depth 1 pv e2e4")
	require.False(t, ok)
}

func TestPVTableRanksByMultiPV(t *testing.T) {
	got := pvTable{3: {Move: "c"}, 1: {Move: "a"}, 2: {Move: "b"}}.ranked()
	require.Equal(t, "a", got[0].Move)
	require.Equal(t, "c", got[2].Move)
	require.Nil(t, pvTable{}.ranked())
}

func TestSessionAgainstFakeEngine(t *testing.T) {
	t.Setenv("UCI_FAKE_ENGINE", "1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewSession(ctx, os.Args[0], Options{HashMB: 16, MultiPV: 2, MoveTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.NewGame(ctx))
	resp, err := s.Search(ctx, nil, 2)
	require.NoError(t, err)
	require.Equal(t, "e2e4", resp.BestMove)
	require.Len(t, resp.Candidates, 2)
	require.Equal(t, 31, resp.Candidates[0].Score.Value())
	require.True(t, resp.Candidates[1].Score.IsMate)
}

func TestNewSessionValidatesOptions(t *testing.T) {
	_, err := NewSession(context.Background(), "unused", Options{HashMB: 0, MultiPV: 1}, nil)
	require.Error(t, err)
	_, err = NewSession(context.Background(), "unused", Options{HashMB: 1, MultiPV: 0}, nil)
	require.Error(t, err)
}

type scriptedEngine struct {
	resp     SearchResponse
	err      error
	newGames int
	searched [][]string
}

func (e *scriptedEngine) NewGame(context.Context) error {
	e.newGames++
	return e.err
}

func (e *scriptedEngine) Search(_ context.Context, moves []string, _ int) (SearchResponse, error) {
	e.searched = append(e.searched, moves)
	return e.resp, e.err
}

func serve(t *testing.T, a *Adapter, input string) []wire.Message {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, a.Serve(context.Background(), strings.NewReader(input), &out))
	return wire.DecodeFrame(out.Bytes())
}

func TestAdapterProtocol(t *testing.T) {
	eng := &scriptedEngine{resp: SearchResponse{
		BestMove: "e7e5",
		Candidates: []Candidate{
			{Move: "e7e5", Score: Score{CP: 15}, Principal: []string{"e7e5", "g1f3"}},
			{Move: "c7c5", Score: Score{CP: 5}, Principal: []string{"c7c5"}},
		},
	}}
	a := NewAdapter(eng, nil)

	msgs := serve(t, a, "newgame\n\nmove e2e4\nmove e2e4\nsearch 6\nfoo\nsearch x\nmove zz\n")
	require.Len(t, msgs, 7)
	require.Equal(t, wire.KindNewGameStarted, msgs[0].Kind)
	require.Equal(t, wire.KindMoveAccepted, msgs[1].Kind)
	require.Equal(t, wire.KindIllegalMove, msgs[2].Kind)

	res := msgs[3]
	require.Equal(t, wire.KindSearchResult, res.Kind)
	// Black to move: engine scores flip to White's view.
	require.Equal(t, -15, res.Eval)
	require.Equal(t, "e7e5", res.Best())
	require.Equal(t, -5, res.TopMoves[1].Score)
	require.Equal(t, [][]string{{"e2e4"}}, eng.searched)

	require.Equal(t, wire.KindEngineError, msgs[4].Kind)
	require.Equal(t, "unknown command", msgs[4].Text)
	require.Equal(t, "invalid depth", msgs[5].Text)
	require.Equal(t, wire.KindIllegalMove, msgs[6].Kind)
}

func TestAdapterNewGameResets(t *testing.T) {
	eng := &scriptedEngine{}
	a := NewAdapter(eng, nil)
	msgs := serve(t, a, "move e2e4\nnewgame\nmove e2e4\n")
	require.Equal(t, wire.KindMoveAccepted, msgs[2].Kind)
	require.Equal(t, 1, eng.newGames)
}

func TestAdapterFinishedPositions(t *testing.T) {
	eng := &scriptedEngine{}
	a := NewAdapter(eng, nil)
	msgs := serve(t, a, "move f2f3\nmove e7e5\nmove g2g4\nmove d8h4\nsearch 4\n")

	res := msgs[4]
	require.Equal(t, wire.KindSearchResult, res.Kind)
	require.Nil(t, res.BestMove)
	require.Equal(t, -MateScore, res.Eval)
	require.Empty(t, eng.searched)
}

func TestAdapterEngineFailure(t *testing.T) {
	eng := &scriptedEngine{err: errors.New("boom")}
	a := NewAdapter(eng, nil)
	msgs := serve(t, a, "newgame\nsearch 3\n")
	require.Equal(t, "engine not ready", msgs[0].Text)
	require.Equal(t, "search failed", msgs[1].Text)
}
