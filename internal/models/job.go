package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres. done and dead_letter are
// terminal and never transition again.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusDone       = "done"
	StatusDeadLetter = "dead_letter"
)

// JobKind identifies which handler executes a job. Kinds are resolved
// against the worker registry at dispatch time; an unregistered kind is a
// hard failure.
type JobKind string

const (
	KindTranscription      JobKind = "transcription"
	KindHighlightDetection JobKind = "highlight_detection"
	KindRender             JobKind = "render"
	KindPublishYouTube     JobKind = "publish_youtube"
	KindPublishTikTok      JobKind = "publish_tiktok"
	KindAnalyticsIngest    JobKind = "analytics_ingest"
)

// Known publishing platforms.
const (
	PlatformYouTube = "youtube"
	PlatformTikTok  = "tiktok"
)

// PublishKindForPlatform maps a platform identifier to its publish job kind.
// The second return is false for platforms the pipeline cannot publish to.
func PublishKindForPlatform(platform string) (JobKind, bool) {
	switch platform {
	case PlatformYouTube:
		return KindPublishYouTube, true
	case PlatformTikTok:
		return KindPublishTikTok, true
	default:
		return "", false
	}
}

// Job is one unit of asynchronous work persisted in Postgres.
//
// LockedBy and HeartbeatAt together form the lease: both are non-null while
// exactly one worker executes the job, and both are cleared on every
// transition out of running. Attempts counts execution starts and only ever
// increases, including across reclaims.
type Job struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Kind        JobKind         `json:"kind"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job can no longer transition.
func (j Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusDeadLetter
}

// ScheduledPublication lifecycle states. A row leaves scheduled exactly
// once; claimed only means a scan took ownership, not that a job exists.
const (
	ScheduleStatusScheduled = "scheduled"
	ScheduleStatusClaimed   = "claimed"
	ScheduleStatusSent      = "sent"
	ScheduleStatusSkipped   = "skipped"
)

// ScheduledPublication records that a clip should be published on a platform
// at or after RunAt.
type ScheduledPublication struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ClipID      string    `json:"clip_id"`
	Platform    string    `json:"platform"`
	RunAt       time.Time `json:"run_at"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Account is a tenant's connected platform account. Credentials stay opaque
// to this core; handlers hand CredentialRef to the secret layer and never
// see plaintext.
type Account struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Platform      string    `json:"platform"`
	DisplayName   string    `json:"display_name"`
	Enabled       bool      `json:"enabled"`
	CredentialRef string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Publication is the prior-state marker a publish handler checks before
// uploading, so re-execution after a crash cannot produce a second upload.
type Publication struct {
	ClipID      string    `json:"clip_id"`
	Platform    string    `json:"platform"`
	AccountID   string    `json:"account_id"`
	ExternalRef string    `json:"external_ref"`
	PublishedAt time.Time `json:"published_at"`
}

// AuditLog is a simple audit event row attached to a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
