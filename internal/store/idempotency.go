package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"clip-publisher/internal/models"
)

// GetRecord returns the unexpired idempotency record for key, if any.
func (s *Store) GetRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error) {
	var rec models.IdempotencyRecord
	var response []byte
	err := s.pool.QueryRow(ctx, `
		SELECT key, request_hash, status, response, expires_at, created_at, updated_at
		FROM idempotency_records
		WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&rec.Key, &rec.RequestHash, &rec.Status, &response, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("query idempotency record: %w", err)
	}
	if response != nil {
		rec.Response = json.RawMessage(response)
	}
	return rec, true, nil
}

// InsertPending claims the key with a pending record. Failed and expired
// rows are taken over in the same statement; a live row means the caller
// lost the race and gets false.
func (s *Store) InsertPending(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, request_hash, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    response = NULL,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
		WHERE idempotency_records.status = $5 OR idempotency_records.expires_at <= NOW()
	`, rec.Key, rec.RequestHash, models.IdemStatusPending, rec.ExpiresAt, models.IdemStatusFailed)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRecord caches the response and flips the record to completed.
func (s *Store) CompleteRecord(ctx context.Context, key string, response json.RawMessage) error {
	var res any
	if len(response) > 0 {
		res = []byte(response)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2, response = $3, updated_at = NOW()
		WHERE key = $1
	`, key, models.IdemStatusCompleted, res)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// FailRecord flips the record to failed so the next attempt re-executes.
func (s *Store) FailRecord(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records SET status = $2, updated_at = NOW() WHERE key = $1
	`, key, models.IdemStatusFailed)
	if err != nil {
		return fmt.Errorf("fail idempotency record: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past their retention window.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
