package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip-publisher/internal/config"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
	"clip-publisher/internal/queue"
)

func testConfig() config.Config {
	return config.Config{
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		ReclaimInterval:   10 * time.Millisecond,
		StaleThreshold:    120 * time.Second,
		BackoffBase:       10 * time.Second,
		BackoffCap:        1800 * time.Second,
		MaxAttempts:       5,
	}
}

func newDispatcher(t *testing.T, mem *queue.Memory, registry *Registry) *Dispatcher {
	t.Helper()
	return NewDispatcher(testConfig(), mem, registry, logging.New("error", "console"))
}

func TestBackoffMonotonicity(t *testing.T) {
	base := 10 * time.Second
	cap := 1800 * time.Second

	assert.Equal(t, 10*time.Second, Backoff(1, base, cap))
	assert.Equal(t, 20*time.Second, Backoff(2, base, cap))
	assert.Equal(t, 40*time.Second, Backoff(3, base, cap))
	assert.Equal(t, 80*time.Second, Backoff(4, base, cap))

	// Never exceeds the cap, even deep into the attempt count.
	assert.Equal(t, cap, Backoff(9, base, cap))
	assert.Equal(t, cap, Backoff(64, base, cap))
}

func TestRunOnceCompletesJob(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	registry := NewRegistry()
	registry.MustRegister(models.KindTranscription, func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"transcript_ref":"tr-1"}`), nil
	})
	d := newDispatcher(t, mem, registry)

	job := models.Job{Kind: models.KindTranscription, WorkspaceID: "ws", Payload: json.RawMessage(`{"clip_id":"c1"}`)}
	require.NoError(t, mem.Enqueue(ctx, &job))

	worked, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, stored.Status)
	assert.JSONEq(t, `{"transcript_ref":"tr-1"}`, string(stored.Result))
	assert.Nil(t, stored.LockedBy)

	worked, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "terminal job must not be claimed again")
}

func TestRunOnceRequeuesFailureWithBackoff(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	registry := NewRegistry()
	registry.MustRegister(models.KindRender, func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return nil, errors.New("encoder unavailable")
	})
	d := newDispatcher(t, mem, registry)

	job := models.Job{Kind: models.KindRender, WorkspaceID: "ws", MaxAttempts: 3}
	require.NoError(t, mem.Enqueue(ctx, &job))

	before := time.Now()
	worked, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "encoder unavailable")
	assert.WithinDuration(t, before.Add(10*time.Second), stored.NextRunAt, 2*time.Second, "first retry waits one backoff base")
}

func TestRunOnceDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	registry := NewRegistry()
	registry.MustRegister(models.KindRender, func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		return nil, errors.New("always fails")
	})
	d := newDispatcher(t, mem, registry)

	job := models.Job{Kind: models.KindRender, WorkspaceID: "ws", MaxAttempts: 2}
	require.NoError(t, mem.Enqueue(ctx, &job))

	// Each round: make the backoff elapse, then process.
	offset := time.Duration(0)
	for i := 0; i < 2; i++ {
		shift := offset
		mem.SetClock(func() time.Time { return time.Now().Add(shift) })
		worked, err := d.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked, "round %d should claim the job", i)
		offset += time.Hour
	}

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestRunOnceFailsUnregisteredKind(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	d := newDispatcher(t, mem, NewRegistry())

	job := models.Job{Kind: models.JobKind("mystery"), WorkspaceID: "ws", MaxAttempts: 3}
	require.NoError(t, mem.Enqueue(ctx, &job))

	worked, err := d.RunOnce(ctx)
	require.NoError(t, err, "unregistered kind must not crash the loop")
	assert.True(t, worked)

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status, "unregistered kind still routes through Fail")
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "no handler registered")
}

func TestRunOnceRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	registry := NewRegistry()
	registry.MustRegister(models.KindRender, func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		panic("boom")
	})
	d := newDispatcher(t, mem, registry)

	job := models.Job{Kind: models.KindRender, WorkspaceID: "ws", MaxAttempts: 3}
	require.NoError(t, mem.Enqueue(ctx, &job))

	worked, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "panic in handler")
}

// heartbeatCounter wraps the store to observe lease renewals.
type heartbeatCounter struct {
	queue.Store
	beats atomic.Int32
}

func (h *heartbeatCounter) Heartbeat(ctx context.Context, jobID, workerID string) error {
	h.beats.Add(1)
	return h.Store.Heartbeat(ctx, jobID, workerID)
}

func TestHeartbeatRenewsLeaseDuringExecution(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	counting := &heartbeatCounter{Store: mem}

	registry := NewRegistry()
	registry.MustRegister(models.KindTranscription, func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		time.Sleep(60 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	})
	d := NewDispatcher(testConfig(), counting, registry, logging.New("error", "console"))

	job := models.Job{Kind: models.KindTranscription, WorkspaceID: "ws"}
	require.NoError(t, mem.Enqueue(ctx, &job))

	worked, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.GreaterOrEqual(t, counting.beats.Load(), int32(2), "heartbeat must tick repeatedly while the handler runs")

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, stored.Status)
}

func TestFinishAfterLeaseLossIsDiscarded(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()

	unlocked := make(chan struct{})
	registry := NewRegistry()
	var jobID string
	registry.MustRegister(models.KindRender, func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		// An operator force-unlocks the job mid-execution.
		require.NoError(t, mem.Unlock(ctx, job.ID))
		close(unlocked)
		return json.RawMessage(`{"stale":"result"}`), nil
	})
	d := newDispatcher(t, mem, registry)

	job := models.Job{Kind: models.KindRender, WorkspaceID: "ws"}
	require.NoError(t, mem.Enqueue(ctx, &job))
	jobID = job.ID

	worked, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	<-unlocked

	stored, err := mem.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status, "stale finish must not overwrite the reclaimed job")
	assert.Nil(t, stored.Result)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mem := queue.NewMemory()
	d := newDispatcher(t, mem, NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	h := func(ctx context.Context, job models.Job) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, registry.Register(models.KindRender, h))
	assert.ErrorIs(t, registry.Register(models.KindRender, h), ErrDuplicateHandler)

	_, err := registry.Resolve(models.KindRender)
	assert.NoError(t, err)

	_, err = registry.Resolve(models.KindAnalyticsIngest)
	assert.ErrorIs(t, err, ErrNoHandler)
}
