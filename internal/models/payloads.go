package models

// PublishJobPayload is the payload of publish_* jobs, produced by the
// schedule scanner and direct API enqueues.
type PublishJobPayload struct {
	ScheduleID string `json:"schedule_id,omitempty"`
	ClipID     string `json:"clip_id"`
	Platform   string `json:"platform"`
	AccountID  string `json:"account_id"`
	Title      string `json:"title,omitempty"`
}

// RenderJobPayload is the payload of render jobs: one platform thumbnail
// variant derived from the clip's poster frame.
type RenderJobPayload struct {
	ClipID    string `json:"clip_id"`
	SourceURL string `json:"source_url"`
	OutputKey string `json:"output_key,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// MediaJobPayload is shared by transcription, highlight detection, and
// analytics ingest jobs.
type MediaJobPayload struct {
	ClipID   string `json:"clip_id"`
	MediaURL string `json:"media_url,omitempty"`
	Language string `json:"language,omitempty"`
}
