package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/kya/internal/chain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the relay tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS relay_agents (
			agent          VARCHAR(42) PRIMARY KEY,
			registry_chain VARCHAR(42) NOT NULL DEFAULT '',
			task_count     BIGINT NOT NULL DEFAULT 0,
			success_count  BIGINT NOT NULL DEFAULT 0,
			failure_count  BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS relay_tasks (
			agent       VARCHAR(42) NOT NULL,
			sequence    BIGINT NOT NULL,
			task_hash   VARCHAR(66) NOT NULL,
			success     BOOLEAN NOT NULL,
			logged_at   TIMESTAMPTZ NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY (agent, sequence)
		);

		ALTER TABLE relay_tasks ADD COLUMN IF NOT EXISTS reported BOOLEAN NOT NULL DEFAULT FALSE;
		CREATE INDEX IF NOT EXISTS idx_relay_tasks_unreported
			ON relay_tasks (agent, sequence) WHERE NOT reported;
	`)
	return err
}

func (p *PostgresStore) SetTarget(ctx context.Context, agent, registryChain string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO relay_agents (agent, registry_chain) VALUES ($1, $2)
		ON CONFLICT (agent) DO UPDATE SET registry_chain = EXCLUDED.registry_chain`,
		strings.ToLower(agent), registryChain)
	if err != nil {
		return chain.Storage(fmt.Errorf("set relay target: %w", err))
	}
	return nil
}

func (p *PostgresStore) Target(ctx context.Context, agent string) (string, error) {
	var target string
	err := p.db.QueryRowContext(ctx,
		`SELECT registry_chain FROM relay_agents WHERE agent = $1`, strings.ToLower(agent)).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", chain.Storage(err)
	}
	return target, nil
}

func (p *PostgresStore) Append(ctx context.Context, agent string, e *TaskEntry) (*TaskEntry, error) {
	agent = strings.ToLower(agent)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = tx.Rollback() }()

	success, failure := 0, 1
	if e.Success {
		success, failure = 1, 0
	}
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO relay_agents (agent, task_count, success_count, failure_count)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (agent) DO UPDATE SET
			task_count    = relay_agents.task_count + 1,
			success_count = relay_agents.success_count + EXCLUDED.success_count,
			failure_count = relay_agents.failure_count + EXCLUDED.failure_count
		RETURNING task_count`,
		agent, success, failure).Scan(&seq)
	if err != nil {
		return nil, chain.Storage(fmt.Errorf("bump relay counters: %w", err))
	}

	entry := *e
	entry.Sequence = uint64(seq)
	entry.Reported = false
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relay_tasks (agent, sequence, task_hash, success, logged_at, description, reported)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		agent, seq, entry.TaskHash.Hex(), entry.Success, entry.Timestamp, entry.Description)
	if err != nil {
		return nil, chain.Storage(fmt.Errorf("append task: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, chain.Storage(err)
	}
	return &entry, nil
}

func (p *PostgresStore) Tasks(ctx context.Context, agent string, limit int) ([]*TaskEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryTasks(ctx, `
		SELECT sequence, task_hash, success, logged_at, description, reported
		FROM relay_tasks WHERE agent = $1
		ORDER BY sequence DESC LIMIT $2`, strings.ToLower(agent), limit)
}

func (p *PostgresStore) Unreported(ctx context.Context, agent string, limit int) ([]*TaskEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryTasks(ctx, `
		SELECT sequence, task_hash, success, logged_at, description, reported
		FROM relay_tasks WHERE agent = $1 AND NOT reported
		ORDER BY sequence ASC LIMIT $2`, strings.ToLower(agent), limit)
}

func (p *PostgresStore) UnreportedAgents(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT agent FROM relay_tasks WHERE NOT reported
		ORDER BY agent LIMIT $1`, limit)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = rows.Close() }()

	agents := []string{}
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, chain.Storage(err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, chain.Storage(err)
	}
	return agents, nil
}

func (p *PostgresStore) MarkReported(ctx context.Context, agent string, sequence uint64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE relay_tasks SET reported = TRUE WHERE agent = $1 AND sequence = $2`,
		strings.ToLower(agent), int64(sequence))
	if err != nil {
		return chain.Storage(fmt.Errorf("mark task reported: %w", err))
	}
	return nil
}

func (p *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*TaskEntry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*TaskEntry{}
	for rows.Next() {
		var (
			e        TaskEntry
			seq      int64
			taskHash string
			at       time.Time
		)
		if err := rows.Scan(&seq, &taskHash, &e.Success, &at, &e.Description, &e.Reported); err != nil {
			return nil, chain.Storage(err)
		}
		e.Sequence = uint64(seq)
		e.TaskHash = common.HexToHash(taskHash)
		e.Timestamp = at.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, chain.Storage(err)
	}
	return entries, nil
}

func (p *PostgresStore) Stats(ctx context.Context, agent string) (*Stats, error) {
	agent = strings.ToLower(agent)
	var total, success, failure int64
	err := p.db.QueryRowContext(ctx, `
		SELECT task_count, success_count, failure_count
		FROM relay_agents WHERE agent = $1`, agent).Scan(&total, &success, &failure)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, chain.Storage(err)
	}
	s := &Stats{
		Agent:        agent,
		TaskCount:    uint64(total),
		SuccessCount: uint64(success),
		FailureCount: uint64(failure),
	}
	return s.withRate(), nil
}
