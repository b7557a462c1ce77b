package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesOnceAndReplays(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemoryRecords(), time.Hour)

	var calls int32
	op := func(context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"job_id":"j1"}`), nil
	}
	body := []byte(`{"clip":"c1"}`)

	first, err := ledger.Run(ctx, "ws", "enqueue", "tok-1", body, op)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(first.Response))

	second, err := ledger.Run(ctx, "ws", "enqueue", "tok-1", body, op)
	require.NoError(t, err)
	assert.True(t, second.Reused, "retry must be answered from the cache")
	assert.JSONEq(t, `{"job_id":"j1"}`, string(second.Response))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "operation ran more than once")

	// Formatting differences in the body do not defeat the match.
	third, err := ledger.Run(ctx, "ws", "enqueue", "tok-1", []byte("{ \"clip\": \"c1\" }"), op)
	require.NoError(t, err)
	assert.True(t, third.Reused)
}

func TestRunRejectsConflictingReuse(t *testing.T) {
	ctx := context.Background()
	records := NewMemoryRecords()
	ledger := NewLedger(records, time.Hour)

	op := func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"job_id":"j1"}`), nil
	}

	_, err := ledger.Run(ctx, "ws", "enqueue", "tok-1", []byte(`{"clip":"c1"}`), op)
	require.NoError(t, err)

	_, err = ledger.Run(ctx, "ws", "enqueue", "tok-1", []byte(`{"clip":"other"}`), op)
	assert.ErrorIs(t, err, ErrConflict)

	// The original record is untouched by the rejected call.
	rec, found, err := records.GetRecord(ctx, CompositeKey("ws", "enqueue", "tok-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(rec.Response))
}

func TestRunScopesKeysByTenantAndEndpoint(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemoryRecords(), time.Hour)

	var calls int32
	op := func(context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{}`), nil
	}
	body := []byte(`{"clip":"c1"}`)

	_, err := ledger.Run(ctx, "ws-a", "enqueue", "tok", body, op)
	require.NoError(t, err)
	_, err = ledger.Run(ctx, "ws-b", "enqueue", "tok", body, op)
	require.NoError(t, err)
	_, err = ledger.Run(ctx, "ws-a", "schedule", "tok", body, op)
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "same token under a different tenant or endpoint is a distinct request")
}

func TestRunReportsInProgress(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemoryRecords(), time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ledger.Run(ctx, "ws", "enqueue", "tok", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{}`), nil
		})
		assert.NoError(t, err)
	}()

	<-started
	_, err := ledger.Run(ctx, "ws", "enqueue", "tok", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
		t.Error("second caller must not execute while the first is pending")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrInProgress)

	close(release)
	wg.Wait()
}

func TestRunRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemoryRecords(), time.Hour)
	body := []byte(`{}`)

	boom := errors.New("enqueue blew up")
	_, err := ledger.Run(ctx, "ws", "enqueue", "tok", body, func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom, "operation error must propagate to the caller")

	// The failed record is treated as absent: the next attempt executes.
	res, err := ledger.Run(ctx, "ws", "enqueue", "tok", body, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.JSONEq(t, `{"ok":true}`, string(res.Response))
}

func TestRunConcurrentIdenticalRequestsConvergeOnOneWinner(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(NewMemoryRecords(), time.Hour)
	body := []byte(`{"clip":"c1"}`)

	var calls int32
	const racers = 8
	var executed, inProgress int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Run(ctx, "ws", "enqueue", "tok", body, func(context.Context) (json.RawMessage, error) {
				atomic.AddInt32(&calls, 1)
				return json.RawMessage(`{}`), nil
			})
			switch {
			case err == nil && !res.Reused:
				atomic.AddInt32(&executed, 1)
			case err == nil && res.Reused:
				// Replayed from the winner's cached response.
			case errors.Is(err, ErrInProgress):
				atomic.AddInt32(&inProgress, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one racer executes the operation")
	assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	records := NewMemoryRecords()
	ledger := NewLedger(records, time.Hour)

	_, err := ledger.Run(ctx, "ws", "enqueue", "tok", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)

	records.SetClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	purged, err := records.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// Past retention the token behaves like a fresh one.
	var calls int32
	res, err := ledger.Run(ctx, "ws", "enqueue", "tok", []byte(`{}`), func(context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
