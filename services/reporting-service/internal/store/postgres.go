package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stoik/smsledger/internal/models"
)

// Schema creates the canonical message table and its reporting indexes.
const Schema = `
	CREATE TABLE IF NOT EXISTS message_records (
	    provider_id   VARCHAR(64) PRIMARY KEY,
	    direction     VARCHAR(16) NOT NULL,
	    from_address  VARCHAR(32) NOT NULL DEFAULT '',
	    to_address    VARCHAR(32) NOT NULL DEFAULT '',
	    status        VARCHAR(16) NOT NULL,
	    error_code    INTEGER,
	    error_message TEXT,
	    body          TEXT,
	    price         DOUBLE PRECISION,
	    num_media     INTEGER,
	    num_segments  INTEGER,
	    created_at    TIMESTAMP WITH TIME ZONE NOT NULL,
	    sent_at       TIMESTAMP WITH TIME ZONE,
	    updated_at    TIMESTAMP WITH TIME ZONE NOT NULL,
	    status_at     TIMESTAMP WITH TIME ZONE NOT NULL,
	    source        VARCHAR(16) NOT NULL,
	    lineage       JSONB NOT NULL DEFAULT '{}'
	);

	ALTER TABLE message_records ADD COLUMN IF NOT EXISTS lineage JSONB NOT NULL DEFAULT '{}';

	CREATE INDEX IF NOT EXISTS idx_message_records_created_status ON message_records(created_at, status);
	CREATE INDEX IF NOT EXISTS idx_message_records_updated_at ON message_records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_message_records_error_code ON message_records(error_code);
	CREATE INDEX IF NOT EXISTS idx_message_records_to_address ON message_records(to_address);
`

const recordColumns = `provider_id, direction, from_address, to_address, status, error_code, error_message,
	body, price, num_media, num_segments, created_at, sent_at, updated_at, status_at, source, lineage`

const (
	lockKeySQL   = `SELECT pg_advisory_xact_lock($1)`
	selectOneSQL = `SELECT ` + recordColumns + ` FROM message_records WHERE provider_id = $1`
	scanSQL      = `SELECT ` + recordColumns + ` FROM message_records
		WHERE (created_at >= $1 AND created_at < $2) OR (updated_at >= $1 AND updated_at < $2)
		ORDER BY created_at, provider_id`
	upsertSQL = `INSERT INTO message_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (provider_id) DO UPDATE SET
			direction = EXCLUDED.direction,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			body = EXCLUDED.body,
			price = EXCLUDED.price,
			num_media = EXCLUDED.num_media,
			num_segments = EXCLUDED.num_segments,
			created_at = EXCLUDED.created_at,
			sent_at = EXCLUDED.sent_at,
			updated_at = EXCLUDED.updated_at,
			status_at = EXCLUDED.status_at,
			source = EXCLUDED.source,
			lineage = EXCLUDED.lineage`
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists records in the message_records table. Each merge runs
// in its own transaction holding an advisory lock on the key, so replicas of
// the service keep per-key atomicity.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Merge(ctx context.Context, providerID string, fn MergeFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, lockKeySQL, advisoryKey(providerID)); err != nil {
		return fmt.Errorf("failed to lock %s: %w", providerID, err)
	}

	var existing *models.MessageRecord
	rows, err := tx.Query(ctx, selectOneSQL, providerID)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", providerID, err)
	}
	if rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s: %w", providerID, err)
		}
		existing = &rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load %s: %w", providerID, err)
	}

	next, err := fn(existing)
	if err != nil {
		return err
	}
	if next == nil {
		return tx.Commit(ctx)
	}

	lineage, err := json.Marshal(next.Lineage)
	if err != nil {
		return fmt.Errorf("failed to encode lineage for %s: %w", providerID, err)
	}

	_, err = tx.Exec(ctx, upsertSQL,
		next.ProviderID,
		string(next.Direction),
		next.FromAddress,
		next.ToAddress,
		string(next.Status),
		next.ErrorCode,
		next.ErrorMessage,
		next.Body,
		next.Price,
		next.NumMedia,
		next.NumSegments,
		next.CreatedAt,
		next.SentAt,
		next.UpdatedAt,
		next.StatusAt,
		string(next.Source),
		lineage,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", providerID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", providerID, err)
	}
	return nil
}

func (s *PostgresStore) Scan(ctx context.Context, window models.Window, fn func(models.MessageRecord) error) error {
	rows, err := s.db.Query(ctx, scanSQL, window.Since, window.Until)
	if err != nil {
		return fmt.Errorf("failed to scan window: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanRecord(row pgx.Row) (models.MessageRecord, error) {
	var (
		rec       models.MessageRecord
		direction string
		status    string
		source    string
		lineage   []byte
	)
	err := row.Scan(
		&rec.ProviderID,
		&direction,
		&rec.FromAddress,
		&rec.ToAddress,
		&status,
		&rec.ErrorCode,
		&rec.ErrorMessage,
		&rec.Body,
		&rec.Price,
		&rec.NumMedia,
		&rec.NumSegments,
		&rec.CreatedAt,
		&rec.SentAt,
		&rec.UpdatedAt,
		&rec.StatusAt,
		&source,
		&lineage,
	)
	if err != nil {
		return models.MessageRecord{}, err
	}
	if len(lineage) > 0 {
		if err := json.Unmarshal(lineage, &rec.Lineage); err != nil {
			return models.MessageRecord{}, fmt.Errorf("failed to decode lineage: %w", err)
		}
	}
	rec.Direction = models.Direction(direction)
	rec.Status = models.Status(status)
	rec.Source = models.Source(source)
	return rec, nil
}

func advisoryKey(providerID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("message_records"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(providerID))
	return int64(hasher.Sum64())
}

// Ping checks connectivity for /health.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}
