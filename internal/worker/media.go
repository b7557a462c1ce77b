package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"clip-publisher/internal/models"
)

// Transcriber produces a transcript for a clip. The actual speech-to-text
// service is an external collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, clipID, mediaURL, language string) (transcriptRef string, err error)
}

// HighlightDetector scores a transcript/clip pair and returns candidate
// highlight segment references.
type HighlightDetector interface {
	DetectHighlights(ctx context.Context, clipID string) (segmentRefs []string, err error)
}

// AnalyticsSink ingests post-publish engagement metrics for a clip.
type AnalyticsSink interface {
	Ingest(ctx context.Context, clipID string) (rows int, err error)
}

// TranscriptionHandler runs transcription jobs.
func TranscriptionHandler(svc Transcriber) Handler {
	return func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		payload, err := decodeMediaPayload(job)
		if err != nil {
			return nil, err
		}
		ref, err := svc.Transcribe(ctx, payload.ClipID, payload.MediaURL, payload.Language)
		if err != nil {
			return nil, fmt.Errorf("transcribe clip %s: %w", payload.ClipID, err)
		}
		return json.Marshal(map[string]string{"transcript_ref": ref})
	}
}

// HighlightHandler runs highlight detection jobs.
func HighlightHandler(svc HighlightDetector) Handler {
	return func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		payload, err := decodeMediaPayload(job)
		if err != nil {
			return nil, err
		}
		refs, err := svc.DetectHighlights(ctx, payload.ClipID)
		if err != nil {
			return nil, fmt.Errorf("detect highlights for clip %s: %w", payload.ClipID, err)
		}
		return json.Marshal(map[string]any{"segments": refs})
	}
}

// AnalyticsHandler runs analytics ingest jobs.
func AnalyticsHandler(sink AnalyticsSink) Handler {
	return func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		payload, err := decodeMediaPayload(job)
		if err != nil {
			return nil, err
		}
		rows, err := sink.Ingest(ctx, payload.ClipID)
		if err != nil {
			return nil, fmt.Errorf("ingest analytics for clip %s: %w", payload.ClipID, err)
		}
		return json.Marshal(map[string]int{"rows": rows})
	}
}

func decodeMediaPayload(job models.Job) (models.MediaJobPayload, error) {
	var payload models.MediaJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode media payload: %w", err)
	}
	if payload.ClipID == "" {
		return payload, errors.New("clip_id is required")
	}
	return payload, nil
}
