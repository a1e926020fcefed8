package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type CommandKind int

const (
	CmdNewGame CommandKind = iota + 1
	CmdMove
	CmdSearch
)

var (
	ErrUnknownCommand = errors.New("wire: unknown command")
	ErrBadMove        = errors.New("wire: malformed move")
	ErrBadDepth       = errors.New("wire: depth must be a positive integer")
)

// Command is a client-to-engine instruction. It travels as one text line.
type Command struct {
	Kind  CommandKind
	UCI   string
	Depth int
}

func NewGame() Command { return Command{Kind: CmdNewGame} }

func Move(uci string) Command { return Command{Kind: CmdMove, UCI: uci} }

func Search(depth int) Command { return Command{Kind: CmdSearch, Depth: depth} }

// String renders the command line without a newline.
func (c Command) String() string {
	switch c.Kind {
	case CmdNewGame:
		return "newgame"
	case CmdMove:
		return "move " + c.UCI
	case CmdSearch:
		return "search " + strconv.Itoa(c.Depth)
	default:
		return ""
	}
}

// ParseCommand parses one trimmed command line.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}
	switch fields[0] {
	case "newgame":
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: newgame takes no arguments", ErrUnknownCommand)
		}
		return NewGame(), nil
	case "move":
		if len(fields) != 2 || !ValidUCI(fields[1]) {
			return Command{}, ErrBadMove
		}
		return Move(fields[1]), nil
	case "search":
		if len(fields) != 2 {
			return Command{}, ErrBadDepth
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return Command{}, ErrBadDepth
		}
		return Search(n), nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
}

// ValidUCI reports whether s is a coordinate move: two squares and an
// optional promotion letter.
func ValidUCI(s string) bool {
	if len(s) != 4 && len(s) != 5 {
		return false
	}
	if !isSquare(s[0:2]) || !isSquare(s[2:4]) {
		return false
	}
	if len(s) == 5 {
		switch s[4] {
		case 'q', 'r', 'b', 'n':
		default:
			return false
		}
	}
	return true
}

func isSquare(s string) bool {
	return s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}
