package oracle

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

// Migrate creates the bridge tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bridge_settings (
			id                SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			registry_chain    VARCHAR(42) NOT NULL DEFAULT '',
			total_commitments BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS bridge_commitments (
			agent           VARCHAR(42) PRIMARY KEY,
			score           SMALLINT NOT NULL,
			tier            VARCHAR(16) NOT NULL,
			snapshot_at     TIMESTAMPTZ NOT NULL,
			registry_chain  VARCHAR(42) NOT NULL,
			correlation_id  VARCHAR(64) NOT NULL DEFAULT '',
			commitment_hash VARCHAR(66) NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bridge_pending_requests (
			correlation_id VARCHAR(64) PRIMARY KEY,
			agent          VARCHAR(42) NOT NULL,
			requested_at   TIMESTAMPTZ NOT NULL,
			deadline       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bridge_pending_deadline ON bridge_pending_requests (deadline);
	`)
	return err
}

func (p *PostgresStore) SetTarget(ctx context.Context, registryChain string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_settings (id, registry_chain) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET registry_chain = EXCLUDED.registry_chain`, registryChain)
	if err != nil {
		return chain.Storage(fmt.Errorf("set bridge target: %w", err))
	}
	return nil
}

func (p *PostgresStore) Target(ctx context.Context) (string, error) {
	var target string
	err := p.db.QueryRowContext(ctx, `SELECT registry_chain FROM bridge_settings WHERE id = 1`).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", chain.Storage(err)
	}
	return target, nil
}

func (p *PostgresStore) AddPending(ctx context.Context, req *PendingRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_pending_requests (correlation_id, agent, requested_at, deadline)
		VALUES ($1, $2, $3, $4)`,
		req.CorrelationID, strings.ToLower(req.Agent), req.RequestedAt, req.Deadline)
	if err != nil {
		return chain.Storage(fmt.Errorf("add pending request: %w", err))
	}
	return nil
}

func (p *PostgresStore) RemovePending(ctx context.Context, correlationID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM bridge_pending_requests WHERE correlation_id = $1`, correlationID)
	if err != nil {
		return chain.Storage(fmt.Errorf("remove pending request: %w", err))
	}
	return nil
}

func (p *PostgresStore) Fulfil(ctx context.Context, c *ScoreCommitment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return chain.Storage(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM bridge_pending_requests WHERE correlation_id = $1 AND agent = $2`,
		c.CorrelationID, strings.ToLower(c.Agent))
	if err != nil {
		return chain.Storage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	if err := putCommitment(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return chain.Storage(err)
	}
	return nil
}

func (p *PostgresStore) ExpirePending(ctx context.Context, now time.Time, limit int) ([]*PendingRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		DELETE FROM bridge_pending_requests
		WHERE correlation_id IN (
			SELECT correlation_id FROM bridge_pending_requests
			WHERE deadline < $1 ORDER BY deadline LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING correlation_id, agent, requested_at, deadline`, now, limit)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = rows.Close() }()

	var expired []*PendingRequest
	for rows.Next() {
		var req PendingRequest
		if err := rows.Scan(&req.CorrelationID, &req.Agent, &req.RequestedAt, &req.Deadline); err != nil {
			return nil, chain.Storage(err)
		}
		req.RequestedAt = req.RequestedAt.UTC()
		req.Deadline = req.Deadline.UTC()
		expired = append(expired, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, chain.Storage(err)
	}
	return expired, nil
}

func (p *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bridge_pending_requests`).Scan(&n); err != nil {
		return 0, chain.Storage(err)
	}
	return n, nil
}

func (p *PostgresStore) PutCommitment(ctx context.Context, c *ScoreCommitment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return chain.Storage(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := putCommitment(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return chain.Storage(err)
	}
	return nil
}

func putCommitment(ctx context.Context, tx *sql.Tx, c *ScoreCommitment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bridge_commitments (agent, score, tier, snapshot_at, registry_chain, correlation_id, commitment_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent) DO UPDATE SET
			score = EXCLUDED.score, tier = EXCLUDED.tier, snapshot_at = EXCLUDED.snapshot_at,
			registry_chain = EXCLUDED.registry_chain, correlation_id = EXCLUDED.correlation_id,
			commitment_hash = EXCLUDED.commitment_hash`,
		strings.ToLower(c.Agent), int(c.Score), c.Tier, c.Timestamp, c.RegistryChain, c.CorrelationID, c.CommitmentHash.Hex())
	if err != nil {
		return chain.Storage(fmt.Errorf("store commitment: %w", err))
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bridge_settings (id, total_commitments) VALUES (1, 1)
		ON CONFLICT (id) DO UPDATE SET total_commitments = bridge_settings.total_commitments + 1`)
	if err != nil {
		return chain.Storage(fmt.Errorf("bump total_commitments: %w", err))
	}
	return nil
}

func (p *PostgresStore) Commitment(ctx context.Context, agent string) (*ScoreCommitment, error) {
	var (
		c        ScoreCommitment
		score    int
		snapshot time.Time
		hash     string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT agent, score, tier, snapshot_at, registry_chain, correlation_id, commitment_hash
		FROM bridge_commitments WHERE agent = $1`, strings.ToLower(agent)).
		Scan(&c.Agent, &score, &c.Tier, &snapshot, &c.RegistryChain, &c.CorrelationID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, chain.Storage(err)
	}
	c.Score = uint16(score)
	c.Timestamp = snapshot.UTC()
	c.CommitmentHash = common.HexToHash(hash)
	return &c, nil
}

func (p *PostgresStore) TotalCommitments(ctx context.Context) (uint64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT total_commitments FROM bridge_settings WHERE id = 1`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, chain.Storage(err)
	}
	return uint64(n), nil
}
