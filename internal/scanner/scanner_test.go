package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip-publisher/internal/config"
	"clip-publisher/internal/idempotency"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
	"clip-publisher/internal/queue"
)

func newScanner(t *testing.T, mem *queue.Memory, jobs Enqueuer) *Scanner {
	t.Helper()
	if jobs == nil {
		jobs = mem
	}
	ledger := idempotency.NewLedger(idempotency.NewMemoryRecords(), time.Hour)
	return New(config.Config{MaxAttempts: 4}, mem, jobs, mem, ledger, logging.New("error", "console"))
}

func dueSchedule(t *testing.T, mem *queue.Memory, platform string) models.ScheduledPublication {
	t.Helper()
	sched := models.ScheduledPublication{
		WorkspaceID: "ws",
		ClipID:      "clip-1",
		Platform:    platform,
		RunAt:       time.Now().Add(-60 * time.Second),
	}
	require.NoError(t, mem.CreateSchedule(context.Background(), &sched))
	return sched
}

func TestScanEnqueuesPublishJob(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	mem.AddAccount(models.Account{ID: "acc-1", WorkspaceID: "ws", Platform: models.PlatformYouTube, Enabled: true})
	sched := dueSchedule(t, mem, models.PlatformYouTube)
	s := newScanner(t, mem, nil)

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.EnqueuedByPlatform[models.PlatformYouTube])
	assert.Zero(t, res.Skipped)
	assert.Zero(t, res.Failed)

	got, err := mem.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusSent, got.Status)

	jobs := mem.AllJobs()
	require.Len(t, jobs, 1, "exactly one publish job for the clip")
	assert.Equal(t, models.KindPublishYouTube, jobs[0].Kind)
	assert.Equal(t, "ws", jobs[0].WorkspaceID)
	assert.Equal(t, 4, jobs[0].MaxAttempts, "configured retry budget flows onto scanner-created jobs")
}

func TestScanSkipsWithoutActiveAccount(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	sched := dueSchedule(t, mem, models.PlatformYouTube)
	s := newScanner(t, mem, nil)

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Zero(t, res.EnqueuedByPlatform[models.PlatformYouTube])
	assert.Equal(t, 1, res.Skipped)

	got, err := mem.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusSkipped, got.Status)
	assert.Empty(t, mem.AllJobs(), "no job may be created for a skipped schedule")
}

func TestScanSkipsUnrecognizedPlatform(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	sched := dueSchedule(t, mem, "myspace")
	s := newScanner(t, mem, nil)

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Skipped)

	got, err := mem.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusSkipped, got.Status)
}

func TestScanIgnoresFutureSchedules(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	sched := models.ScheduledPublication{
		WorkspaceID: "ws",
		ClipID:      "clip-1",
		Platform:    models.PlatformYouTube,
		RunAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, mem.CreateSchedule(ctx, &sched))
	s := newScanner(t, mem, nil)

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	got, err := mem.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusScheduled, got.Status)
}

func TestRescanDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	mem.AddAccount(models.Account{ID: "acc-1", WorkspaceID: "ws", Platform: models.PlatformTikTok, Enabled: true})
	dueSchedule(t, mem, models.PlatformTikTok)
	s := newScanner(t, mem, nil)

	_, err := s.Scan(ctx)
	require.NoError(t, err)

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "a sent schedule is never re-claimed")
	require.Len(t, mem.AllJobs(), 1)
}

func TestConcurrentScansClaimOnce(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	mem.AddAccount(models.Account{ID: "acc-1", WorkspaceID: "ws", Platform: models.PlatformYouTube, Enabled: true})
	dueSchedule(t, mem, models.PlatformYouTube)
	s := newScanner(t, mem, nil)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Scan(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, results[0].Claimed+results[1].Claimed, "exactly one scan transitions the schedule out of scheduled")
	require.Len(t, mem.AllJobs(), 1)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, *models.Job) error {
	return errors.New("backlog unavailable")
}

func TestScanEnqueueFailureLeavesScheduleClaimed(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	mem.AddAccount(models.Account{ID: "acc-1", WorkspaceID: "ws", Platform: models.PlatformYouTube, Enabled: true})
	sched := dueSchedule(t, mem, models.PlatformYouTube)
	s := newScanner(t, mem, failingEnqueuer{})

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Failed, "enqueue failures are surfaced, not dropped")
	assert.Zero(t, res.Skipped)

	got, err := mem.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusClaimed, got.Status, "failed enqueue keeps the row claimed for operator visibility")
}
