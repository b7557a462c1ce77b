package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"clip-publisher/internal/models"
)

// serviceClient delegates media processing and platform uploads to the
// sidecar service configured via MEDIA_SERVICE_URL. The orchestration core
// never talks to platform APIs directly; credentials and codec work live in
// the sidecar.
type serviceClient struct {
	baseURL string
	http    *http.Client
}

func newServiceClient(baseURL string, timeout time.Duration) *serviceClient {
	return &serviceClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *serviceClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *serviceClient) Transcribe(ctx context.Context, clipID, mediaURL, language string) (string, error) {
	var out struct {
		TranscriptRef string `json:"transcript_ref"`
	}
	err := c.post(ctx, "/v1/transcribe", map[string]string{
		"clip_id": clipID, "media_url": mediaURL, "language": language,
	}, &out)
	return out.TranscriptRef, err
}

func (c *serviceClient) DetectHighlights(ctx context.Context, clipID string) ([]string, error) {
	var out struct {
		SegmentRefs []string `json:"segment_refs"`
	}
	err := c.post(ctx, "/v1/highlights", map[string]string{"clip_id": clipID}, &out)
	return out.SegmentRefs, err
}

func (c *serviceClient) Ingest(ctx context.Context, clipID string) (int, error) {
	var out struct {
		Rows int `json:"rows"`
	}
	err := c.post(ctx, "/v1/analytics/ingest", map[string]string{"clip_id": clipID}, &out)
	return out.Rows, err
}

func (c *serviceClient) Publish(ctx context.Context, account models.Account, payload models.PublishJobPayload) (string, error) {
	var out struct {
		ExternalRef string `json:"external_ref"`
	}
	err := c.post(ctx, "/v1/publish/"+payload.Platform, map[string]string{
		"clip_id":        payload.ClipID,
		"account_id":     account.ID,
		"credential_ref": account.CredentialRef,
		"title":          payload.Title,
	}, &out)
	return out.ExternalRef, err
}
