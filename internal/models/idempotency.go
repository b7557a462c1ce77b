package models

import (
	"encoding/json"
	"time"
)

// Idempotency record states. A failed record is treated as absent on the
// next attempt; a completed record replays its cached response.
const (
	IdemStatusPending   = "pending"
	IdemStatusCompleted = "completed"
	IdemStatusFailed    = "failed"
)

// IdempotencyRecord deduplicates externally-triggered requests. Key is the
// hash of (tenant, endpoint, token); RequestHash fingerprints the normalized
// body so reusing a token for a different request is detectable. Response is
// the cached payload, kept as its own field rather than overloading the
// hash column.
type IdempotencyRecord struct {
	Key         string          `json:"key"`
	RequestHash string          `json:"request_hash"`
	Status      string          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
