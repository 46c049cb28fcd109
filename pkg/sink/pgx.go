package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

const pgxSchema = `CREATE TABLE IF NOT EXISTS orchestration_results_jsonb (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	participants TEXT[] NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	result       JSONB NOT NULL
)`

// PgxSink stores results natively in PostgreSQL through pgxpool, keeping the
// full result as JSONB.
type PgxSink struct {
	pool *pgxpool.Pool
}

// NewPgxPool parses dsn, applies maxConns when positive and pings the server.
func NewPgxPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewPgxSink creates the table if needed.
func NewPgxSink(ctx context.Context, pool *pgxpool.Pool) (*PgxSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx sink requires a pool")
	}
	if _, err := pool.Exec(ctx, pgxSchema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PgxSink{pool: pool}, nil
}

func (s *PgxSink) Name() string { return "pgx" }

func (s *PgxSink) Save(ctx context.Context, r agent.OrchestrationResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	participants := r.ParticipatingWorkerIDs
	if participants == nil {
		participants = []string{}
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO orchestration_results_jsonb
		(id, request_id, success, confidence, participants, completed_at, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RequestID, r.Success, r.Confidence.Value, participants, r.CompletedAt, payload)
	return err
}

// Get loads a stored result by id.
func (s *PgxSink) Get(ctx context.Context, id string) (agent.OrchestrationResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM orchestration_results_jsonb WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.OrchestrationResult{}, ErrNotFound
	}
	if err != nil {
		return agent.OrchestrationResult{}, err
	}
	var r agent.OrchestrationResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return agent.OrchestrationResult{}, fmt.Errorf("decode result %s: %w", id, err)
	}
	return r, nil
}
