package domain

import "time"

// FinishedGame is a completed client-side game as archived.
type FinishedGame struct {
	ID          string
	Mode        string
	PlayerColor string
	Result      string // PGN token: 1-0, 0-1, 1/2-1/2, *
	Method      string
	MovesUCI    []string
	MovesSAN    []string
	PGN         string
	StartedAt   time.Time
	EndedAt     time.Time
}

func (g *FinishedGame) Duration() time.Duration {
	if g == nil || g.EndedAt.Before(g.StartedAt) {
		return 0
	}
	return g.EndedAt.Sub(g.StartedAt)
}
