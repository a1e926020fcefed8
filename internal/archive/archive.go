// Package archive stores finished client games.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/chess-engine-bridge/internal/domain"
)

var ErrNotFound = errors.New("archive: game not found")

// Store persists finished games. Save is an upsert keyed by game ID.
type Store interface {
	Save(ctx context.Context, g *domain.FinishedGame) error
	Get(ctx context.Context, id string) (*domain.FinishedGame, error)
	Recent(ctx context.Context, limit int) ([]*domain.FinishedGame, error)
	Close() error
}

// BuildPGN renders g as a PGN document with numbered SAN moves.
func BuildPGN(g *domain.FinishedGame) string {
	if g == nil {
		return ""
	}
	result := strings.TrimSpace(g.Result)
	if result == "" {
		result = "*"
	}
	date := g.EndedAt
	if date.IsZero() {
		date = time.Now()
	}

	white, black := "Player", "Engine"
	switch {
	case g.Mode == "pvp":
		white, black = "Player 1", "Player 2"
	case g.PlayerColor == "b":
		white, black = "Engine", "Player"
	}

	var b strings.Builder
	b.WriteString("[Event \"Engine Bridge\"]\n")
	b.WriteString("[Site \"local\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(white)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(black)))
	if m := strings.TrimSpace(g.Method); m != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(m))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(g.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(g.MovesSAN[i])))
		if i+1 < len(g.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(g.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

// prepare fills derived fields before a save.
func prepare(g *domain.FinishedGame) {
	if g.PGN == "" {
		g.PGN = BuildPGN(g)
	}
}
