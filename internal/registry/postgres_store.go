package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

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

// Migrate creates the badge, processed-message and counter tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS registry_badges (
			owner             VARCHAR(42) PRIMARY KEY,
			code_hash         VARCHAR(66) NOT NULL,
			storage_provider  VARCHAR(16) NOT NULL,
			storage_cid       TEXT NOT NULL DEFAULT '',
			manifest          JSONB NOT NULL,
			reputation_score  SMALLINT NOT NULL CHECK (reputation_score BETWEEN 0 AND 1000),
			spam_flags        SMALLINT NOT NULL DEFAULT 0 CHECK (spam_flags BETWEEN 0 AND 255),
			stake_balance     NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (stake_balance >= 0),
			subscription_cost NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (subscription_cost >= 0),
			tasks_completed   BIGINT NOT NULL DEFAULT 0,
			tasks_failed      BIGINT NOT NULL DEFAULT 0,
			update_count      BIGINT NOT NULL DEFAULT 0,
			registered_at     TIMESTAMPTZ NOT NULL,
			last_updated_at   TIMESTAMPTZ NOT NULL,
			last_audit_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_registry_badges_registered ON registry_badges (registered_at, owner);

		CREATE TABLE IF NOT EXISTS registry_processed_messages (
			dedupe_key   VARCHAR(66) PRIMARY KEY,
			agent        VARCHAR(42) NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS registry_counters (
			name  VARCHAR(32) PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

const badgeColumns = `owner, code_hash, storage_provider, storage_cid, manifest,
	reputation_score, spam_flags, stake_balance, subscription_cost,
	tasks_completed, tasks_failed, update_count,
	registered_at, last_updated_at, last_audit_at`

func (p *PostgresStore) Insert(ctx context.Context, b *Badge) error {
	manifest, err := json.Marshal(b.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return chain.Storage(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry_badges (`+badgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		strings.ToLower(b.Owner), b.CodeHash.Hex(), string(b.StorageProvider), b.StorageCID, manifest,
		int(b.ReputationScore), int(b.SpamFlags), b.StakeBalance, b.SubscriptionCost,
		int64(b.TasksCompleted), int64(b.TasksFailed), int64(b.UpdateCount),
		b.RegisteredAt, b.LastUpdatedAt, nullTime(b.LastAuditTimestamp),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return chain.Storage(fmt.Errorf("insert badge: %w", err))
	}
	if err := bumpCounters(ctx, tx, []Counter{CounterRegistered}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return chain.Storage(err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, agent string) (*Badge, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+badgeColumns+` FROM registry_badges WHERE owner = $1`, strings.ToLower(agent))
	b, err := scanBadge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, chain.Storage(err)
	}
	return b, nil
}

func (p *PostgresStore) Update(ctx context.Context, agent string, m Mutation) (*Badge, error) {
	agent = strings.ToLower(agent)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+badgeColumns+` FROM registry_badges WHERE owner = $1 FOR UPDATE`, agent)
	b, err := scanBadge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, chain.Storage(err)
	}

	if m.DedupeKey != (common.Hash{}) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO registry_processed_messages (dedupe_key, agent)
			VALUES ($1, $2) ON CONFLICT (dedupe_key) DO NOTHING`,
			m.DedupeKey.Hex(), agent)
		if err != nil {
			return nil, chain.Storage(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrDuplicateMessage
		}
	}

	if m.Apply != nil {
		if err := m.Apply(b); err != nil {
			return nil, err
		}
	}

	manifest, err := json.Marshal(b.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE registry_badges SET
			code_hash = $2, storage_provider = $3, storage_cid = $4, manifest = $5,
			reputation_score = $6, spam_flags = $7, stake_balance = $8, subscription_cost = $9,
			tasks_completed = $10, tasks_failed = $11, update_count = $12,
			last_updated_at = $13, last_audit_at = $14
		WHERE owner = $1`,
		agent, b.CodeHash.Hex(), string(b.StorageProvider), b.StorageCID, manifest,
		int(b.ReputationScore), int(b.SpamFlags), b.StakeBalance, b.SubscriptionCost,
		int64(b.TasksCompleted), int64(b.TasksFailed), int64(b.UpdateCount),
		b.LastUpdatedAt, nullTime(b.LastAuditTimestamp),
	)
	if err != nil {
		return nil, chain.Storage(fmt.Errorf("update badge: %w", err))
	}
	if err := bumpCounters(ctx, tx, m.Bump); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, chain.Storage(err)
	}
	return b, nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Badge, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+badgeColumns+` FROM registry_badges
		ORDER BY registered_at, owner
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = rows.Close() }()

	badges := []*Badge{}
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, chain.Storage(err)
		}
		badges = append(badges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, chain.Storage(err)
	}
	return badges, nil
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name, value FROM registry_counters`)
	if err != nil {
		return nil, chain.Storage(err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{}
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, chain.Storage(err)
		}
		switch Counter(name) {
		case CounterRegistered:
			stats.TotalRegistered = uint64(value)
		case CounterLogsProcessed:
			stats.TotalLogsProcessed = uint64(value)
		case CounterCodeUpdates:
			stats.TotalCodeUpdates = uint64(value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, chain.Storage(err)
	}
	return stats, nil
}

func bumpCounters(ctx context.Context, tx *sql.Tx, counters []Counter) error {
	for _, c := range counters {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO registry_counters (name, value) VALUES ($1, 1)
			ON CONFLICT (name) DO UPDATE SET value = registry_counters.value + 1`, string(c))
		if err != nil {
			return chain.Storage(fmt.Errorf("bump %s: %w", c, err))
		}
	}
	return nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBadge(sc scanner) (*Badge, error) {
	var (
		b                   Badge
		codeHash, provider  string
		manifest            []byte
		score, flags        int
		completed, failed   int64
		updates             int64
		registered, updated time.Time
		lastAudit           sql.NullTime
	)
	err := sc.Scan(
		&b.Owner, &codeHash, &provider, &b.StorageCID, &manifest,
		&score, &flags, &b.StakeBalance, &b.SubscriptionCost,
		&completed, &failed, &updates,
		&registered, &updated, &lastAudit,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(manifest, &b.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	b.CodeHash = common.HexToHash(codeHash)
	b.StorageProvider = StorageProvider(provider)
	b.ReputationScore = uint16(score)
	b.SpamFlags = uint8(flags)
	b.TasksCompleted = uint64(completed)
	b.TasksFailed = uint64(failed)
	b.UpdateCount = uint64(updates)
	b.RegisteredAt = registered.UTC()
	b.LastUpdatedAt = updated.UTC()
	if lastAudit.Valid {
		t := lastAudit.Time.UTC()
		b.LastAuditTimestamp = &t
	}
	return &b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
