package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/park285/chess-engine-bridge/internal/msgcat"
	"github.com/park285/chess-engine-bridge/internal/rules"
	"github.com/park285/chess-engine-bridge/internal/session"
	"github.com/park285/chess-engine-bridge/internal/uci"
)

// view prints what changed between successive snapshots.
type view struct {
	out io.Writer
	cat *msgcat.Catalog

	mu        sync.Mutex
	moves     int
	notice    string
	thinking  bool
	analyzing bool
}

func newView(out io.Writer, cat *msgcat.Catalog) *view {
	return &view{out: out, cat: cat}
}

func (v *view) printf(format string, args ...any) {
	fmt.Fprintf(v.out, format, args...)
}

func (v *view) line(key string, data map[string]any, fallback string) {
	v.printf("%s\n", v.cat.Text(key, data, fallback))
}

func (v *view) Update(s session.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(s.History) < v.moves {
		v.moves = len(s.History)
	}
	for ; v.moves < len(s.History); v.moves++ {
		h := s.History[v.moves]
		v.line("cli.played", map[string]any{
			"Number": v.moves/2 + 1,
			"Side":   h.Color.Name(),
			"SAN":    h.Notation,
		}, fmt.Sprintf("%d. %s played %s", v.moves/2+1, h.Color.Name(), h.Notation))
	}

	if s.Thinking && !v.thinking {
		v.line("cli.thinking", nil, "Engine is thinking…")
	}
	if s.Analyzing && !v.analyzing {
		v.line("cli.analyzing", nil, "Analyzing…")
	}
	if !s.Analyzing && v.analyzing && s.BestMove != "" {
		v.line("cli.eval", map[string]any{"Eval": formatEval(s.PlayerEval)}, "Eval: "+formatEval(s.PlayerEval))
		v.line("cli.best", map[string]any{"Move": s.BestMove}, "Best: "+s.BestMove)
	}
	v.thinking, v.analyzing = s.Thinking, s.Analyzing

	if s.Notice != "" && s.Notice != v.notice {
		v.printf("%s\n", s.Notice)
	}
	v.notice = s.Notice
}

// Reset forgets printed history, e.g. when a new game starts.
func (v *view) Reset() {
	v.mu.Lock()
	v.moves = 0
	v.notice = ""
	v.mu.Unlock()
}

func (v *view) Hints(s session.Snapshot) {
	if len(s.TopLines) == 0 {
		v.line("cli.no_hints", nil, "No hints yet.")
		return
	}
	sign := 1
	if s.PlayerColor == rules.Black {
		sign = -1
	}
	for i, l := range s.TopLines {
		score := formatEval(sign * l.Score)
		v.line("cli.hint_line", map[string]any{
			"Rank":  i + 1,
			"Line":  strings.Join(l.Line, " "),
			"Score": score,
		}, fmt.Sprintf("%d. %s (%s)", i+1, strings.Join(l.Line, " "), score))
	}
}

func (v *view) History(s session.Snapshot) {
	var b strings.Builder
	for i, h := range s.History {
		if i%2 == 0 {
			fmt.Fprintf(&b, "%d. ", i/2+1)
		}
		b.WriteString(h.Notation)
		b.WriteString(" ")
	}
	v.printf("%s\n", strings.TrimSpace(b.String()))
}

func (v *view) Board(s session.Snapshot) {
	v.printf("%s\n", s.FEN)
	v.line("cli.turn", map[string]any{"Side": s.Turn.Name()}, s.Turn.Name()+" to move.")
}

// formatEval renders centipawns as pawns, and mate scores as #n.
func formatEval(cp int) string {
	const mate = uci.MateScore
	switch {
	case cp >= mate-500:
		return fmt.Sprintf("#%d", (mate-cp+1)/2)
	case cp <= -mate+500:
		return fmt.Sprintf("#-%d", (mate+cp+1)/2)
	}
	return fmt.Sprintf("%+.2f", float64(cp)/100)
}
