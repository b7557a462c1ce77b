// Package idempotency deduplicates retried enqueue requests. A caller that
// repeats a request with the same tenant, endpoint, and token observes
// exactly one execution of the wrapped operation; the repeat is answered
// from the cached response.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clip-publisher/internal/models"
)

var (
	// ErrConflict is returned when a token is reused for a logically
	// different request. This is a caller error and is never resolved by
	// the server.
	ErrConflict = errors.New("idempotency token reused with a different request body")

	// ErrInProgress is returned while the original request is still
	// executing. Callers retry later.
	ErrInProgress = errors.New("request with this idempotency token is still processing")
)

// RecordStore persists idempotency records. Rows are only ever mutated
// through the insert/race-recheck/update sequence in Run, never
// blind-overwritten.
type RecordStore interface {
	// GetRecord returns the unexpired record for key, if any.
	GetRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error)

	// InsertPending inserts a pending record, also taking over rows that
	// are failed or expired. Returns false when a live record already
	// holds the key.
	InsertPending(ctx context.Context, rec models.IdempotencyRecord) (bool, error)

	// CompleteRecord stores the response and flips the record to completed.
	CompleteRecord(ctx context.Context, key string, response json.RawMessage) error

	// FailRecord flips the record to failed so the next attempt re-executes.
	FailRecord(ctx context.Context, key string) error

	// PurgeExpired deletes records past their retention window.
	PurgeExpired(ctx context.Context) (int, error)
}

// Operation is the side-effecting work guarded by the ledger.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Result reports whether the response came from the cache.
type Result struct {
	Reused   bool
	Response json.RawMessage
}

// Ledger wraps operations in idempotency bookkeeping.
type Ledger struct {
	records   RecordStore
	retention time.Duration
}

// NewLedger creates a ledger with the given record retention window.
func NewLedger(records RecordStore, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Ledger{records: records, retention: retention}
}

// Run executes op at most once per (tenant, endpoint, token, body).
//
// Identical retries replay the cached response with Reused set. A token
// reused for a different body fails with ErrConflict. A concurrent identical
// request either wins the pending insert or gets ErrInProgress. A failed
// record is treated as absent, so the next attempt after a genuine failure
// re-executes the operation.
func (l *Ledger) Run(ctx context.Context, tenant, endpoint, token string, body []byte, op Operation) (Result, error) {
	key := CompositeKey(tenant, endpoint, token)
	reqHash := requestHash(body)

	// Losing the pending insert race means someone else holds the key;
	// re-read their record and decide from its state. The loop bounds the
	// pathological case of the winner failing between our read and insert.
	for attempt := 0; attempt < 3; attempt++ {
		rec, found, err := l.records.GetRecord(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("read idempotency record: %w", err)
		}
		if found {
			switch rec.Status {
			case models.IdemStatusCompleted:
				if rec.RequestHash != reqHash {
					return Result{}, ErrConflict
				}
				return Result{Reused: true, Response: rec.Response}, nil
			case models.IdemStatusPending:
				return Result{}, ErrInProgress
			}
			// failed: fall through and try to take over the row.
		}

		inserted, err := l.records.InsertPending(ctx, models.IdempotencyRecord{
			Key:         key,
			RequestHash: reqHash,
			Status:      models.IdemStatusPending,
			ExpiresAt:   time.Now().UTC().Add(l.retention),
		})
		if err != nil {
			return Result{}, fmt.Errorf("insert idempotency record: %w", err)
		}
		if !inserted {
			continue
		}

		response, opErr := op(ctx)
		if opErr != nil {
			if err := l.records.FailRecord(ctx, key); err != nil {
				return Result{}, errors.Join(opErr, fmt.Errorf("mark idempotency record failed: %w", err))
			}
			return Result{}, opErr
		}
		if err := l.records.CompleteRecord(ctx, key, response); err != nil {
			return Result{}, fmt.Errorf("complete idempotency record: %w", err)
		}
		return Result{Response: response}, nil
	}

	return Result{}, ErrInProgress
}

// CompositeKey derives the record key from tenant, endpoint, and the
// caller-supplied token.
func CompositeKey(tenant, endpoint, token string) string {
	sum := sha256.Sum256([]byte(tenant + "\x00" + endpoint + "\x00" + token))
	return hex.EncodeToString(sum[:])
}

// requestHash fingerprints the normalized request body. JSON bodies are
// compacted first so formatting differences do not defeat the match.
func requestHash(body []byte) string {
	normalized := body
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			normalized = buf.Bytes()
		}
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}
