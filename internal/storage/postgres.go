package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/config"
)

// PostgresClient wraps the bridge's blocks-found audit ledger. It is
// not a share or payout store; those belong to a downstream accounting
// system, not the bridge.
type PostgresClient struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
}

// BlockRecord is one audited block-submission attempt.
type BlockRecord struct {
	ID       int64
	Height   uint64
	Hash     string
	Accepted bool
	Reason   string
	FoundAt  time.Time
}

// NewPostgresClient creates a new PostgreSQL client and ensures the
// audit ledger schema exists.
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("database", cfg.Database))

	client := &PostgresClient{pool: pool, cfg: cfg, logger: logger.Named("postgres")}

	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return client, nil
}

// Close closes the database connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS stratum_blocks (
			id BIGSERIAL PRIMARY KEY,
			height BIGINT NOT NULL,
			hash VARCHAR(64) NOT NULL,
			accepted BOOLEAN NOT NULL,
			reason VARCHAR(255),
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_height ON stratum_blocks(height);
		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_accepted ON stratum_blocks(accepted);
	`

	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordBlock implements submission.Ledger: it writes one audit row per
// block-submission attempt, accepted or not.
func (p *PostgresClient) RecordBlock(ctx context.Context, height uint64, hash []byte, accepted bool, reason string) error {
	query := `
		INSERT INTO stratum_blocks (height, hash, accepted, reason)
		VALUES ($1, $2, $3, $4)
	`
	_, err := p.pool.Exec(ctx, query, height, hex.EncodeToString(hash), accepted, reason)
	if err != nil {
		return fmt.Errorf("failed to insert block record: %w", err)
	}
	return nil
}

// GetRecentBlocks retrieves the most recently found blocks, newest first.
func (p *PostgresClient) GetRecentBlocks(ctx context.Context, limit int) ([]*BlockRecord, error) {
	query := `
		SELECT id, height, hash, accepted, reason, found_at
		FROM stratum_blocks
		ORDER BY found_at DESC
		LIMIT $1
	`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*BlockRecord
	for rows.Next() {
		var b BlockRecord
		var reasonStr *string
		if err := rows.Scan(&b.ID, &b.Height, &b.Hash, &b.Accepted, &reasonStr, &b.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		if reasonStr != nil {
			b.Reason = *reasonStr
		}
		blocks = append(blocks, &b)
	}

	return blocks, nil
}
