package connmgr

import (
	"context"
	"errors"

	"github.com/park285/chess-engine-bridge/pkg/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

var (
	ErrNotOpen = errors.New("connmgr: socket is not open")
	ErrClosed  = errors.New("connmgr: manager closed")
)

type MessageCallback func(msg wire.Message)

type StateCallback func(state State)

// HeaderProvider supplies extra handshake headers.
type HeaderProvider func() map[string]string

// Client is what the session layer needs from a connection.
type Client interface {
	Connect(ctx context.Context) error
	Send(cmd wire.Command) error
	State() State
	OnMessage(cb MessageCallback) int
	RemoveMessageCallback(id int)
	OnStateChange(cb StateCallback) int
	RemoveStateCallback(id int)
	Close(ctx context.Context) error
}
