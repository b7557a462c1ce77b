package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clip-publisher/internal/models"
)

// Memory implements the queue, schedule, account, and publication contracts
// in process memory. It backs tests and local development; a single mutex
// stands in for the row-level locking the Postgres store uses.
type Memory struct {
	mu           sync.Mutex
	jobs         map[string]*models.Job
	schedules    map[string]*models.ScheduledPublication
	accounts     map[string][]models.Account
	publications map[string]models.Publication
	seq          int64
	order        map[string]int64

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:         make(map[string]*models.Job),
		schedules:    make(map[string]*models.ScheduledPublication),
		accounts:     make(map[string][]models.Account),
		publications: make(map[string]models.Publication),
		order:        make(map[string]int64),
		now:          time.Now,
	}
}

// SetClock overrides the time source. Tests use this to move heartbeats into
// the past without sleeping.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Enqueue(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := m.now().UTC()
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	job.Status = models.StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	cp := *job
	m.jobs[job.ID] = &cp
	m.seq++
	m.order[job.ID] = m.seq
	return nil
}

func (m *Memory) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var best *models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusQueued || j.NextRunAt.After(now) {
			continue
		}
		if best == nil || claimBefore(j, best, m.order) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	best.Status = models.StatusRunning
	best.LockedBy = &workerID
	hb := now
	best.HeartbeatAt = &hb
	best.Attempts++
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

// claimBefore orders candidates: priority desc, next_run_at asc, insertion
// order asc.
func claimBefore(a, b *models.Job, order map[string]int64) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	return order[a.ID] < order[b.ID]
}

func (m *Memory) leased(jobID, workerID string) (*models.Job, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != models.StatusRunning || j.LockedBy == nil || *j.LockedBy != workerID {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (m *Memory) Heartbeat(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(jobID, workerID)
	if err != nil {
		return err
	}
	hb := m.now().UTC()
	j.HeartbeatAt = &hb
	return nil
}

func (m *Memory) Finish(_ context.Context, jobID, workerID string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = models.StatusDone
	j.Result = result
	j.LockedBy = nil
	j.HeartbeatAt = nil
	j.LastError = nil
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Fail(_ context.Context, jobID, workerID, errMsg string, backoff time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(jobID, workerID)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	j.LockedBy = nil
	j.HeartbeatAt = nil
	j.LastError = &errMsg
	j.UpdatedAt = now

	if j.Attempts >= j.MaxAttempts {
		j.Status = models.StatusDeadLetter
		return nil
	}
	j.Status = models.StatusQueued
	j.NextRunAt = now.Add(backoff)
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-olderThan)
	reclaimed := 0
	for _, j := range m.jobs {
		if j.Status != models.StatusRunning || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		j.Status = models.StatusQueued
		j.LockedBy = nil
		j.HeartbeatAt = nil
		j.UpdatedAt = m.now().UTC()
		reclaimed++
	}
	return reclaimed, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return *j, nil
}

// AllJobs returns a snapshot of every job. Test helper.
func (m *Memory) AllJobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

func (m *Memory) ListDeadLetters(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusDeadLetter {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RetryDeadLetter(_ context.Context, jobID string, extraAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != models.StatusDeadLetter {
		return ErrTerminalState
	}
	if extraAttempts < 1 {
		extraAttempts = 1
	}
	j.Status = models.StatusQueued
	j.MaxAttempts = j.Attempts + extraAttempts
	j.NextRunAt = m.now().UTC()
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) CancelJob(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Terminal() {
		return ErrTerminalState
	}
	j.Status = models.StatusDeadLetter
	j.LockedBy = nil
	j.HeartbeatAt = nil
	j.LastError = &reason
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Unlock(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != models.StatusRunning {
		return ErrTerminalState
	}
	j.Status = models.StatusQueued
	j.LockedBy = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) BacklogDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusQueued && !j.NextRunAt.After(now) {
			n++
		}
	}
	return n, nil
}

// CreateSchedule inserts a scheduled publication.
func (m *Memory) CreateSchedule(_ context.Context, s *models.ScheduledPublication) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := m.now().UTC()
	s.Status = models.ScheduleStatusScheduled
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

// ClaimDueSchedules atomically flips every due scheduled row to claimed and
// returns the claimed rows. Two concurrent scans cannot both receive the
// same row.
func (m *Memory) ClaimDueSchedules(_ context.Context) ([]models.ScheduledPublication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var claimed []models.ScheduledPublication
	for _, s := range m.schedules {
		if s.Status != models.ScheduleStatusScheduled || s.RunAt.After(now) {
			continue
		}
		s.Status = models.ScheduleStatusClaimed
		s.UpdatedAt = now
		claimed = append(claimed, *s)
	}
	sort.Slice(claimed, func(i, k int) bool { return claimed[i].RunAt.Before(claimed[k].RunAt) })
	return claimed, nil
}

// MarkScheduleSent flips a claimed schedule to sent.
func (m *Memory) MarkScheduleSent(_ context.Context, id string) error {
	return m.setScheduleStatus(id, models.ScheduleStatusSent)
}

// MarkScheduleSkipped flips a claimed schedule to skipped.
func (m *Memory) MarkScheduleSkipped(_ context.Context, id string) error {
	return m.setScheduleStatus(id, models.ScheduleStatusSkipped)
}

func (m *Memory) setScheduleStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}
	s.Status = status
	s.UpdatedAt = m.now().UTC()
	return nil
}

// GetSchedule fetches a schedule by id.
func (m *Memory) GetSchedule(_ context.Context, id string) (models.ScheduledPublication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return models.ScheduledPublication{}, fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}
	return *s, nil
}

// AddAccount registers a platform account for a workspace.
func (m *Memory) AddAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.WorkspaceID+"/"+a.Platform] = append(m.accounts[a.WorkspaceID+"/"+a.Platform], a)
}

// ActiveAccounts returns the enabled accounts a workspace holds for a
// platform.
func (m *Memory) ActiveAccounts(_ context.Context, workspaceID, platform string) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Account
	for _, a := range m.accounts[workspaceID+"/"+platform] {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

// HasPublication reports whether a clip was already published on a platform.
func (m *Memory) HasPublication(_ context.Context, clipID, platform string) (models.Publication, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.publications[clipID+"/"+platform]
	return p, ok, nil
}

// RecordPublication stores the publish marker for a clip and platform.
func (m *Memory) RecordPublication(_ context.Context, p models.Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.PublishedAt.IsZero() {
		p.PublishedAt = m.now().UTC()
	}
	m.publications[p.ClipID+"/"+p.Platform] = p
	return nil
}
