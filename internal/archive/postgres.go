package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/chess-engine-bridge/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS bridge_games (
	game_id       TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	player_color  TEXT NOT NULL,
	result        TEXT NOT NULL,
	result_method TEXT NOT NULL DEFAULT '',
	moves_uci     JSONB NOT NULL,
	moves_san     JSONB NOT NULL,
	pgn           TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL DEFAULT 0
)`

type Repository struct {
	db *sql.DB
}

// Open connects to Postgres and makes sure the games table exists.
func Open(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := NewRepository(db)
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create bridge_games: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) Save(ctx context.Context, g *domain.FinishedGame) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}
	prepare(g)

	movesUCI, err := json.Marshal(nonNil(g.MovesUCI))
	if err != nil {
		return fmt.Errorf("marshal moves_uci: %w", err)
	}
	movesSAN, err := json.Marshal(nonNil(g.MovesSAN))
	if err != nil {
		return fmt.Errorf("marshal moves_san: %w", err)
	}

	const q = `INSERT INTO bridge_games (
		game_id, mode, player_color, result, result_method,
		moves_uci, moves_san, pgn, started_at, ended_at, duration_ms
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (game_id) DO UPDATE SET
		mode=EXCLUDED.mode,
		player_color=EXCLUDED.player_color,
		result=EXCLUDED.result,
		result_method=EXCLUDED.result_method,
		moves_uci=EXCLUDED.moves_uci,
		moves_san=EXCLUDED.moves_san,
		pgn=EXCLUDED.pgn,
		started_at=EXCLUDED.started_at,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		g.ID, g.Mode, g.PlayerColor, g.Result, strings.TrimSpace(g.Method),
		string(movesUCI), string(movesSAN), g.PGN,
		g.StartedAt, g.EndedAt, g.Duration().Milliseconds(),
	)
	return err
}

const selectCols = `game_id, mode, player_color, result, result_method,
	moves_uci, moves_san, pgn, started_at, ended_at`

func (r *Repository) Get(ctx context.Context, id string) (*domain.FinishedGame, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM bridge_games WHERE game_id = $1`, id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]*domain.FinishedGame, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectCols+` FROM bridge_games ORDER BY ended_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FinishedGame
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGame(s scanner) (*domain.FinishedGame, error) {
	var (
		g      domain.FinishedGame
		uciRaw []byte
		sanRaw []byte
	)
	if err := s.Scan(&g.ID, &g.Mode, &g.PlayerColor, &g.Result, &g.Method,
		&uciRaw, &sanRaw, &g.PGN, &g.StartedAt, &g.EndedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(uciRaw, &g.MovesUCI); err != nil {
		return nil, fmt.Errorf("decode moves_uci: %w", err)
	}
	if err := json.Unmarshal(sanRaw, &g.MovesSAN); err != nil {
		return nil, fmt.Errorf("decode moves_san: %w", err)
	}
	return &g, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*Repository)(nil)
