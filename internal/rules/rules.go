// Package rules wraps corentings/chess as the local move oracle: legality,
// application, undo and game status.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-engine-bridge/pkg/wire"
)

var (
	ErrIllegalMove   = errors.New("rules: illegal move")
	ErrNothingToUndo = errors.New("rules: nothing to undo")
)

type Color byte

const (
	White Color = 'w'
	Black Color = 'b'
)

// ParseColor accepts "w"/"b" and "white"/"black".
func ParseColor(s string) (Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "w", "white":
		return White, nil
	case "b", "black":
		return Black, nil
	}
	return 0, fmt.Errorf("rules: unknown color %q", s)
}

func (c Color) String() string { return string(c) }

func (c Color) MarshalText() ([]byte, error) { return []byte{byte(c)}, nil }

func (c *Color) UnmarshalText(b []byte) error {
	parsed, err := ParseColor(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Color) Name() string {
	if c == Black {
		return "Black"
	}
	return "White"
}

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

type Status int

const (
	StatusPlaying Status = iota
	StatusCheck
	StatusCheckmate
	StatusStalemate
	StatusDraw
)

func (s Status) String() string {
	switch s {
	case StatusCheck:
		return "check"
	case StatusCheckmate:
		return "checkmate"
	case StatusStalemate:
		return "stalemate"
	case StatusDraw:
		return "draw"
	default:
		return "playing"
	}
}

// Over reports whether no further moves may be made.
func (s Status) Over() bool {
	return s == StatusCheckmate || s == StatusStalemate || s == StatusDraw
}

// Applied describes a move that was committed to the game.
type Applied struct {
	UCI   string
	SAN   string
	Color Color
	Check bool
}

// Game is an authoritative position built from the standard start.
type Game struct {
	g   *nchess.Game
	uci []string
}

func NewGame() *Game {
	return &Game{g: nchess.NewGame()}
}

// Replay rebuilds a game by applying UCI moves from the start position.
func Replay(moves []string) (*Game, error) {
	g := NewGame()
	for i, mv := range moves {
		if _, err := g.Apply(mv); err != nil {
			return nil, fmt.Errorf("replay ply %d (%s): %w", i+1, mv, err)
		}
	}
	return g, nil
}

func fromColor(c nchess.Color) Color {
	if c == nchess.Black {
		return Black
	}
	return White
}

// Turn is the side to move.
func (g *Game) Turn() Color { return fromColor(g.g.Position().Turn()) }

// FEN serializes the current position.
func (g *Game) FEN() string { return g.g.FEN() }

// Moves returns the UCI moves played so far.
func (g *Game) Moves() []string { return append([]string(nil), g.uci...) }

func (g *Game) Ply() int { return len(g.uci) }

// NormalizeMove lowercases uci and adds a queen promotion when a pawn
// reaches the last rank without one.
func (g *Game) NormalizeMove(uci string) string {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if len(uci) != 4 || !wire.ValidUCI(uci) {
		return uci
	}
	from := squareOf(uci[0:2])
	piece := g.g.Position().Board().Piece(from)
	if piece.Type() != nchess.Pawn {
		return uci
	}
	if (piece.Color() == nchess.White && uci[3] == '8') || (piece.Color() == nchess.Black && uci[3] == '1') {
		return uci + "q"
	}
	return uci
}

func squareOf(s string) nchess.Square {
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1'))
}

func decode(pos *nchess.Position, uci string) (*nchess.Move, error) {
	if !wire.ValidUCI(uci) {
		return nil, fmt.Errorf("%w: %q is not a coordinate move", ErrIllegalMove, uci)
	}
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIllegalMove, uci, err)
	}
	return mv, nil
}

// IsLegal checks uci against the current position without changing it.
func (g *Game) IsLegal(uci string) bool {
	if g.Status().Over() {
		return false
	}
	clone := g.g.Clone()
	mv, err := decode(clone.Position(), uci)
	if err != nil {
		return false
	}
	return clone.Move(mv, nil) == nil
}

// Apply commits uci to the game or returns ErrIllegalMove.
func (g *Game) Apply(uci string) (Applied, error) {
	uci = strings.ToLower(strings.TrimSpace(uci))
	if g.Status().Over() {
		return Applied{}, fmt.Errorf("%w: game is over", ErrIllegalMove)
	}
	before := g.g.Position()
	mover := fromColor(before.Turn())
	mv, err := decode(before, uci)
	if err != nil {
		return Applied{}, err
	}
	if err := g.g.Move(mv, nil); err != nil {
		return Applied{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, uci, err)
	}

	g.claimDraw()

	played := mv
	if moves := g.g.Moves(); len(moves) > 0 {
		played = moves[len(moves)-1]
	}
	g.uci = append(g.uci, uci)
	return Applied{
		UCI:   uci,
		SAN:   nchess.AlgebraicNotation{}.Encode(before, played),
		Color: mover,
		Check: played.HasTag(nchess.Check),
	}, nil
}

// claimDraw ends the game on threefold repetition or the fifty-move rule.
// The library only lists those as claimable; here they end the game.
func (g *Game) claimDraw() {
	if g.g.Outcome() != nchess.NoOutcome {
		return
	}
	for _, m := range g.g.EligibleDraws() {
		if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
			_ = g.g.Draw(m)
			return
		}
	}
}

// Undo takes back the last move by replaying the rest.
func (g *Game) Undo() error {
	if len(g.uci) == 0 {
		return ErrNothingToUndo
	}
	prev, err := Replay(g.uci[:len(g.uci)-1])
	if err != nil {
		return err
	}
	*g = *prev
	return nil
}

func (g *Game) IsCheckmate() bool { return g.g.Method() == nchess.Checkmate }

func (g *Game) IsStalemate() bool { return g.g.Method() == nchess.Stalemate }

// IsDraw covers every draw other than stalemate, including threefold
// repetition and the fifty-move rule.
func (g *Game) IsDraw() bool {
	return g.g.Outcome() == nchess.Draw && !g.IsStalemate()
}

// InCheck reports whether the side to move is in check.
func (g *Game) InCheck() bool {
	moves := g.g.Moves()
	if len(moves) == 0 {
		return false
	}
	return moves[len(moves)-1].HasTag(nchess.Check)
}

func (g *Game) Status() Status {
	switch {
	case g.IsCheckmate():
		return StatusCheckmate
	case g.IsStalemate():
		return StatusStalemate
	case g.IsDraw():
		return StatusDraw
	case g.InCheck():
		return StatusCheck
	default:
		return StatusPlaying
	}
}

// Result is the PGN result token and the lowercased end method.
func (g *Game) Result() (result, method string) {
	switch g.g.Outcome() {
	case nchess.WhiteWon:
		result = "1-0"
	case nchess.BlackWon:
		result = "0-1"
	case nchess.Draw:
		result = "1/2-1/2"
	default:
		return "*", ""
	}
	return result, strings.ToLower(g.g.Method().String())
}

// Winner is meaningful only after checkmate.
func (g *Game) Winner() Color {
	return g.Turn().Opponent()
}
