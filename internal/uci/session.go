// Package uci drives a UCI chess engine and exposes it through the bridge's
// line protocol.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 4 * time.Second
	defaultMoveTimeout  = 30 * time.Second

	// MateScore is the magnitude reported for a forced mate found at ply 0.
	MateScore = 100000
)

var ErrEngineExited = errors.New("uci: engine exited")

type Options struct {
	Threads     int
	HashMB      int
	MultiPV     int
	MoveTimeout time.Duration
}

// Score is from the point of view of the side to move, as UCI reports it.
type Score struct {
	CP   int
	Mate int
	// IsMate is set when Mate is meaningful.
	IsMate bool
}

// Value collapses s to centipawns. A mate in n moves is worth
// MateScore minus the plies needed to deliver it.
func (s Score) Value() int {
	if !s.IsMate {
		return s.CP
	}
	switch {
	case s.Mate > 0:
		return MateScore - (2*s.Mate - 1)
	case s.Mate < 0:
		return -(MateScore + 2*s.Mate)
	default:
		// mated in the current position
		return -MateScore
	}
}

// Candidate is one MultiPV line.
type Candidate struct {
	Move      string
	Score     Score
	Principal []string
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
}

// Session owns one UCI engine process. Searches are serialized.
type Session struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	log   *zap.Logger

	moveTimeout time.Duration

	writeMu  sync.Mutex
	searchMu sync.Mutex
}

func NewSession(ctx context.Context, binaryPath string, opt Options, log *zap.Logger) (*Session, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("uci stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("uci stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("launch %s: %w", binaryPath, err)
	}

	s := &Session{
		cmd:         cmd,
		stdin:       stdin,
		lines:       make(chan string, 256),
		log:         log,
		moveTimeout: opt.MoveTimeout,
	}
	if s.moveTimeout <= 0 {
		s.moveTimeout = defaultMoveTimeout
	}
	go s.pump(stdout)

	if err := s.handshake(ctx, opt); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Info("uci_engine_ready", zap.String("path", binaryPath), zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

// pump is the only reader of the engine's stdout.
func (s *Session) pump(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines <- strings.TrimSpace(sc.Text())
	}
}

func (o Options) validate() error {
	switch {
	case o.HashMB <= 0:
		return fmt.Errorf("uci: hash must be positive, got %d", o.HashMB)
	case o.MultiPV <= 0:
		return fmt.Errorf("uci: multipv must be positive, got %d", o.MultiPV)
	}
	return nil
}

func (o Options) setoptions() []string {
	threads := o.Threads
	if threads <= 0 {
		threads = 1
	}
	opts := []struct {
		name  string
		value int
	}{
		{"Threads", threads},
		{"Hash", o.HashMB},
		{"MultiPV", o.MultiPV},
	}
	out := make([]string, 0, len(opts))
	for _, kv := range opts {
		out = append(out, "setoption name "+kv.name+" value "+strconv.Itoa(kv.value))
	}
	return out
}

func (s *Session) handshake(ctx context.Context, opt Options) error {
	hctx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.exchange(hctx, "uci", "uciok"); err != nil {
		return err
	}
	for _, line := range opt.setoptions() {
		if err := s.writeLine(line); err != nil {
			return fmt.Errorf("uci setoption: %w", err)
		}
	}
	return s.exchange(hctx, "isready", "readyok")
}

// exchange writes cmd and skips output until a line containing want.
func (s *Session) exchange(ctx context.Context, cmd, want string) error {
	if err := s.writeLine(cmd); err != nil {
		return fmt.Errorf("uci %s: %w", cmd, err)
	}
	for {
		line, err := s.next(ctx)
		if err != nil {
			return fmt.Errorf("uci %s: waiting for %s: %w", cmd, want, err)
		}
		if strings.Contains(line, want) {
			return nil
		}
	}
}

// EnsureReady pings the engine with isready.
func (s *Session) EnsureReady(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()
	return s.exchange(rctx, "isready", "readyok")
}

func (s *Session) NewGame(ctx context.Context) error {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	if err := s.writeLine("ucinewgame"); err != nil {
		return fmt.Errorf("uci ucinewgame: %w", err)
	}
	return s.EnsureReady(ctx)
}

// Search runs a fixed-depth search from the start position after moves.
// On timeout the engine is told to stop and the search fails.
func (s *Session) Search(ctx context.Context, moves []string, depth int) (SearchResponse, error) {
	goCmd, err := goCommand(depth)
	if err != nil {
		return SearchResponse{}, err
	}

	s.searchMu.Lock()
	defer s.searchMu.Unlock()

	if err := s.writeLine(positionCommand(moves)); err != nil {
		return SearchResponse{}, fmt.Errorf("uci position: %w", err)
	}
	if err := s.writeLine(goCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("uci go: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.moveTimeout)
	defer cancel()

	lines := pvTable{}
	for {
		line, err := s.next(sctx)
		if err != nil {
			s.log.Warn("uci_search_aborted", zap.Int("depth", depth), zap.Int("ply", len(moves)), zap.Error(err))
			if errors.Is(err, context.DeadlineExceeded) {
				_ = s.writeLine("stop")
			}
			return SearchResponse{}, fmt.Errorf("uci search: %w", err)
		}
		if rank, cand, ok := parseInfo(line); ok {
			lines[rank] = cand
			continue
		}
		if best, ok := parseBestMove(line); ok {
			return SearchResponse{Candidates: lines.ranked(), BestMove: best}, nil
		}
	}
}

func positionCommand(moves []string) string {
	if len(moves) == 0 {
		return "position startpos"
	}
	return "position startpos moves " + strings.Join(moves, " ")
}

func goCommand(depth int) (string, error) {
	if depth <= 0 {
		return "", fmt.Errorf("uci: depth must be positive, got %d", depth)
	}
	return "go depth " + strconv.Itoa(depth), nil
}

// parseBestMove returns "" for "(none)" and "0000", which engines send
// when the side to move has no legal move.
func parseBestMove(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "bestmove" {
		return "", false
	}
	if len(fields) < 2 || fields[1] == "(none)" || fields[1] == "0000" {
		return "", true
	}
	return fields[1], true
}

// parseInfo extracts the multipv rank and line from an "info ... pv ..."
// line. Lines without a pv are ignored.
func parseInfo(line string) (int, Candidate, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "info" {
		return 0, Candidate{}, false
	}
	rank := 1
	var score Score
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "multipv":
			if n, ok := intAt(fields, i+1); ok {
				rank = n
			}
			i++
		case "score":
			if n, ok := intAt(fields, i+2); ok {
				switch fields[i+1] {
				case "cp":
					score = Score{CP: n}
				case "mate":
					score = Score{Mate: n, IsMate: true}
				}
			}
			i += 2
		case "pv":
			pv := fields[i+1:]
			if len(pv) == 0 {
				return 0, Candidate{}, false
			}
			return rank, Candidate{Move: pv[0], Score: score, Principal: append([]string(nil), pv...)}, true
		}
	}
	return 0, Candidate{}, false
}

func intAt(fields []string, i int) (int, bool) {
	if i >= len(fields) {
		return 0, false
	}
	n, err := strconv.Atoi(fields[i])
	return n, err == nil
}

// pvTable keeps the deepest line seen per multipv rank.
type pvTable map[int]Candidate

func (t pvTable) ranked() []Candidate {
	if len(t) == 0 {
		return nil
	}
	ranks := make([]int, 0, len(t))
	for r := range t {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	out := make([]Candidate, len(ranks))
	for i, r := range ranks {
		out[i] = t[r]
	}
	return out
}

// Close asks the engine to quit, then kills it and reaps the process.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_, _ = io.WriteString(s.stdin, "quit\n")
	_ = s.stdin.Close()
	s.writeMu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func (s *Session) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

func (s *Session) next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", ErrEngineExited
		}
		return line, nil
	}
}
