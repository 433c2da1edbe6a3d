package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS match_results (
    room_id      TEXT PRIMARY KEY,
    player1_id   TEXT NOT NULL,
    player2_id   TEXT NOT NULL,
    rating1      DOUBLE PRECISION NOT NULL,
    rating2      DOUBLE PRECISION NOT NULL,
    result       TEXT NOT NULL,
    result_method TEXT NOT NULL,
    moves_uci    JSONB NOT NULL,
    moves_san    JSONB NOT NULL,
    pgn          TEXT NOT NULL,
    inventories  JSONB NOT NULL,
    accumulators JSONB NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    ended_at     TIMESTAMPTZ NOT NULL,
    duration_ms  BIGINT NOT NULL
)`

const upsertResult = `INSERT INTO match_results (
    room_id, player1_id, player2_id, rating1, rating2,
    result, result_method, moves_uci, moves_san, pgn,
    inventories, accumulators, started_at, ended_at, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
  ) ON CONFLICT (room_id) DO UPDATE SET
    player1_id=EXCLUDED.player1_id,
    player2_id=EXCLUDED.player2_id,
    rating1=EXCLUDED.rating1,
    rating2=EXCLUDED.rating2,
    result=EXCLUDED.result,
    result_method=EXCLUDED.result_method,
    moves_uci=EXCLUDED.moves_uci,
    moves_san=EXCLUDED.moves_san,
    pgn=EXCLUDED.pgn,
    inventories=EXCLUDED.inventories,
    accumulators=EXCLUDED.accumulators,
    started_at=EXCLUDED.started_at,
    ended_at=EXCLUDED.ended_at,
    duration_ms=EXCLUDED.duration_ms`

// Postgres stores finished matches via lib/pq.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pingCtx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure match_results schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// SaveResult upserts a finished match.
func (p *Postgres) SaveResult(ctx context.Context, r *Result) error {
	if p == nil || p.db == nil || r == nil {
		return nil
	}
	args, err := resultArgs(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, upsertResult, args...)
	return err
}

func resultArgs(r *Result) ([]any, error) {
	movesUCI, err := json.Marshal(nonNil(r.MovesUCI))
	if err != nil {
		return nil, err
	}
	movesSAN, err := json.Marshal(nonNil(r.MovesSAN))
	if err != nil {
		return nil, err
	}
	inventories, err := json.Marshal(r.Pieces)
	if err != nil {
		return nil, err
	}
	accumulators, err := json.Marshal(map[string]any{"white": r.AccWhite, "black": r.AccBlack})
	if err != nil {
		return nil, err
	}
	duration := r.EndedAt.Sub(r.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	return []any{
		r.RoomID, r.Player1, r.Player2, r.Rating1, r.Rating2,
		r.Result, strings.TrimSpace(r.Method), string(movesUCI), string(movesSAN), BuildPGN(r),
		string(inventories), string(accumulators), r.StartedAt, r.EndedAt, duration,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
