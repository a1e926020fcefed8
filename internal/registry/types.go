// Package registry tracks live bridge sessions for operators. It holds no
// game state.
package registry

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("registry: session not found")

type Record struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	Commands   int64     `json:"commands"`
	Messages   int64     `json:"messages"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Store interface {
	// Register inserts or refreshes a record.
	Register(ctx context.Context, rec Record) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}
