// Package wire holds the line protocol spoken between the browser client, the
// bridge server and the engine subprocess.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind discriminates Message variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindNewGameStarted
	KindMoveAccepted
	KindIllegalMove
	KindEngineError
	KindSearchResult
	KindEngineClosed
)

// Status values carried in the "status" field.
const (
	StatusNewGameStarted = "new_game_started"
	StatusMoveOK         = "move_ok"
	StatusIllegalMove    = "illegal_move"
	StatusError          = "error"
	StatusEngineClosed   = "engine_closed"
)

// ErrInvalidJSON is returned for lines that are not JSON at all.
var ErrInvalidJSON = errors.New("wire: invalid json")

func (k Kind) String() string {
	switch k {
	case KindNewGameStarted:
		return "new_game_started"
	case KindMoveAccepted:
		return "move_accepted"
	case KindIllegalMove:
		return "illegal_move"
	case KindEngineError:
		return "engine_error"
	case KindSearchResult:
		return "search_result"
	case KindEngineClosed:
		return "engine_closed"
	default:
		return "unknown"
	}
}

// Line is one principal variation reported with a search result.
// Score is White-relative centipawns.
type Line struct {
	Score int      `json:"score"`
	Line  []string `json:"line"`
}

// Message is a decoded engine-to-client message.
type Message struct {
	Kind Kind

	// EngineError
	Text string
	// EngineClosed
	Code int

	// SearchResult
	Eval     int
	BestMove *string
	TopMoves []Line

	// Status is kept for unknown status values so they can be logged.
	Status string

	// Raw is the trimmed source line when the message came off the wire.
	Raw []byte
}

func NewGameStarted() Message { return Message{Kind: KindNewGameStarted} }
func MoveAccepted() Message   { return Message{Kind: KindMoveAccepted} }
func IllegalMove() Message    { return Message{Kind: KindIllegalMove} }

func EngineError(text string) Message { return Message{Kind: KindEngineError, Text: text} }

func EngineClosed(code int) Message { return Message{Kind: KindEngineClosed, Code: code} }

// SearchResult builds a search result; an empty bestmove encodes as null.
func SearchResult(eval int, bestmove string, top []Line) Message {
	m := Message{Kind: KindSearchResult, Eval: eval, TopMoves: top}
	if bestmove != "" {
		bm := bestmove
		m.BestMove = &bm
	}
	return m
}

// Best returns the best move or "" when the engine reported null.
func (m Message) Best() string {
	if m.BestMove == nil {
		return ""
	}
	return *m.BestMove
}

type envelope struct {
	Status   *string   `json:"status"`
	Message  string    `json:"message,omitempty"`
	Code     *float64  `json:"code,omitempty"`
	Eval     *float64  `json:"eval,omitempty"`
	BestMove *string   `json:"bestmove,omitempty"`
	TopMoves []rawLine `json:"topMoves,omitempty"`
}

type rawLine struct {
	Score float64  `json:"score"`
	Line  []string `json:"line"`
}

// Decode parses one trimmed line into a Message. Only lines that are not
// JSON fail. Valid JSON that matches no known shape, including non-objects
// and fields of the wrong type, decodes as KindUnknown with Raw kept.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if !json.Valid(line) {
		return Message{}, ErrInvalidJSON
	}
	msg := Message{Raw: append([]byte(nil), line...)}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(line, &keys); err != nil {
		return msg, nil
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return msg, nil
	}
	if env.Status != nil {
		msg.Status = *env.Status
		switch *env.Status {
		case StatusNewGameStarted:
			msg.Kind = KindNewGameStarted
		case StatusMoveOK:
			msg.Kind = KindMoveAccepted
		case StatusIllegalMove:
			msg.Kind = KindIllegalMove
		case StatusError:
			msg.Kind = KindEngineError
			msg.Text = env.Message
		case StatusEngineClosed:
			msg.Kind = KindEngineClosed
			if env.Code != nil {
				msg.Code = int(*env.Code)
			}
		default:
			msg.Kind = KindUnknown
		}
		return msg, nil
	}

	_, hasEval := keys["eval"]
	_, hasBest := keys["bestmove"]
	if !hasEval && !hasBest {
		return msg, nil
	}
	msg.Kind = KindSearchResult
	if env.Eval != nil {
		msg.Eval = int(math.Round(*env.Eval))
	}
	if env.BestMove != nil && *env.BestMove != "" {
		msg.BestMove = env.BestMove
	}
	for _, l := range env.TopMoves {
		msg.TopMoves = append(msg.TopMoves, Line{Score: int(math.Round(l.Score)), Line: l.Line})
	}
	return msg, nil
}

// DecodeFrame splits a socket frame on newlines and decodes every line that
// parses. Blank and malformed lines are skipped.
func DecodeFrame(frame []byte) []Message {
	var out []Message
	for _, part := range bytes.Split(frame, []byte{'\n'}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		msg, err := Decode(part)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Encode renders the message as a single JSON line without the trailing newline.
// Messages that came off the wire are re-emitted byte for byte.
func Encode(m Message) ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(m)
}

// MarshalJSON renders the variant shape.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindNewGameStarted:
		return json.Marshal(map[string]any{"status": StatusNewGameStarted})
	case KindMoveAccepted:
		return json.Marshal(map[string]any{"status": StatusMoveOK})
	case KindIllegalMove:
		return json.Marshal(map[string]any{"status": StatusIllegalMove})
	case KindEngineError:
		return json.Marshal(map[string]any{"status": StatusError, "message": m.Text})
	case KindEngineClosed:
		return json.Marshal(map[string]any{"status": StatusEngineClosed, "code": m.Code})
	case KindSearchResult:
		top := m.TopMoves
		if top == nil {
			top = []Line{}
		}
		return json.Marshal(struct {
			Eval     int     `json:"eval"`
			BestMove *string `json:"bestmove"`
			TopMoves []Line  `json:"topMoves"`
		}{m.Eval, m.BestMove, top})
	default:
		if len(m.Raw) > 0 {
			return m.Raw, nil
		}
		return nil, fmt.Errorf("wire: cannot encode %s message", m.Kind)
	}
}

// UnmarshalJSON decodes through Decode.
func (m *Message) UnmarshalJSON(b []byte) error {
	msg, err := Decode(b)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}
