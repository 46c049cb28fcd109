package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/db"
)

// Schema shared by the sqlite and postgres dialects.
var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS orchestration_results (
		id                TEXT PRIMARY KEY,
		request_id        TEXT NOT NULL,
		mode              TEXT NOT NULL,
		success           BOOLEAN NOT NULL,
		confidence        DOUBLE PRECISION NOT NULL,
		consensus_reached BOOLEAN NOT NULL,
		processing_ms     BIGINT NOT NULL,
		completed_at      TIMESTAMP NOT NULL,
		payload           TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orchestration_participants (
		result_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		position  INTEGER NOT NULL,
		PRIMARY KEY (result_id, worker_id)
	)`,
	`CREATE INDEX IF NOT EXISTS orchestration_results_request_idx
		ON orchestration_results (request_id)`,
}

// ErrNotFound is returned when a stored result does not exist.
var ErrNotFound = errors.New("result not found")

// SQLSink stores results through a database/sql pool. Saving the same result
// id twice is a no-op.
type SQLSink struct {
	pool *db.Pool
}

// NewSQLSink creates the schema if needed and returns the sink.
func NewSQLSink(ctx context.Context, pool *db.Pool) (*SQLSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("sql sink requires a pool")
	}
	for _, stmt := range sqlSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &SQLSink{pool: pool}, nil
}

func (s *SQLSink) Name() string { return "sql" }

func (s *SQLSink) Save(ctx context.Context, r agent.OrchestrationResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.pool.InTx(ctx, func(tx *db.Tx) error {
		res, err := tx.Exec(ctx, `INSERT INTO orchestration_results
			(id, request_id, mode, success, confidence, consensus_reached, processing_ms, completed_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, r.RequestID, string(r.Mode), r.Success, r.Confidence.Value, r.ConsensusReached,
			r.TotalProcessingTime.Milliseconds(), r.CompletedAt.UTC(), string(payload))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil
		}
		for i, id := range r.ParticipatingWorkerIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO orchestration_participants (result_id, worker_id, position) VALUES (?, ?, ?)`,
				r.ID, id, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get loads a stored result by id.
func (s *SQLSink) Get(ctx context.Context, id string) (agent.OrchestrationResult, error) {
	var payload string
	err := s.pool.QueryRow(ctx, `SELECT payload FROM orchestration_results WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.OrchestrationResult{}, ErrNotFound
	}
	if err != nil {
		return agent.OrchestrationResult{}, err
	}
	var r agent.OrchestrationResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return agent.OrchestrationResult{}, fmt.Errorf("decode result %s: %w", id, err)
	}
	return r, nil
}

// ResultsForWorker returns the ids of results a worker participated in,
// newest first.
func (s *SQLSink) ResultsForWorker(ctx context.Context, workerID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT r.id FROM orchestration_results r
		JOIN orchestration_participants p ON p.result_id = r.id
		WHERE p.worker_id = ?
		ORDER BY r.completed_at DESC, r.id
		LIMIT ?`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
