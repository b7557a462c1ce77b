package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
)

// PlatformPublisher uploads a clip to an external platform. Implementations
// live outside this core (real encode/upload calls, OAuth token use); the
// dispatcher only sees this narrow surface.
type PlatformPublisher interface {
	Publish(ctx context.Context, account models.Account, payload models.PublishJobPayload) (externalRef string, err error)
}

// PublicationLog stores the prior-state markers publish handlers consult
// before acting.
type PublicationLog interface {
	HasPublication(ctx context.Context, clipID, platform string) (models.Publication, bool, error)
	RecordPublication(ctx context.Context, p models.Publication) error
}

// AccountResolver looks up a tenant's active platform accounts.
type AccountResolver interface {
	ActiveAccounts(ctx context.Context, workspaceID, platform string) ([]models.Account, error)
}

// PublishHandler executes publish_* jobs for one platform.
//
// Re-execution safety comes from the publication marker: the orchestration
// core guarantees at-most-one concurrent execution, so checking the marker
// before uploading is enough to keep a crash-retry from publishing twice.
type PublishHandler struct {
	platform  string
	accounts  AccountResolver
	markers   PublicationLog
	publisher PlatformPublisher
	log       *zerolog.Logger
}

// NewPublishHandler constructs the handler for a platform.
func NewPublishHandler(platform string, accounts AccountResolver, markers PublicationLog, publisher PlatformPublisher, logger *zerolog.Logger) *PublishHandler {
	l := logging.Component(logger, "publish_handler").With().Str("platform", platform).Logger()
	return &PublishHandler{
		platform:  platform,
		accounts:  accounts,
		markers:   markers,
		publisher: publisher,
		log:       &l,
	}
}

type publishResult struct {
	ExternalRef      string `json:"external_ref"`
	AccountID        string `json:"account_id"`
	AlreadyPublished bool   `json:"already_published,omitempty"`
}

// Handle publishes the clip unless a marker shows it already happened.
func (h *PublishHandler) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload models.PublishJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode publish payload: %w", err)
	}
	if payload.ClipID == "" {
		return nil, errors.New("clip_id is required")
	}

	if existing, found, err := h.markers.HasPublication(ctx, payload.ClipID, h.platform); err != nil {
		return nil, fmt.Errorf("check publication marker: %w", err)
	} else if found {
		h.log.Info().Str("clip_id", payload.ClipID).Str("external_ref", existing.ExternalRef).Msg("already published, skipping")
		return json.Marshal(publishResult{
			ExternalRef:      existing.ExternalRef,
			AccountID:        existing.AccountID,
			AlreadyPublished: true,
		})
	}

	account, err := h.resolveAccount(ctx, job.WorkspaceID, payload.AccountID)
	if err != nil {
		return nil, err
	}

	ref, err := h.publisher.Publish(ctx, account, payload)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", h.platform, err)
	}

	if err := h.markers.RecordPublication(ctx, models.Publication{
		ClipID:      payload.ClipID,
		Platform:    h.platform,
		AccountID:   account.ID,
		ExternalRef: ref,
	}); err != nil {
		// The upload happened; without the marker a retry would publish
		// again, so this is a hard error.
		return nil, fmt.Errorf("record publication marker: %w", err)
	}

	h.log.Info().Str("clip_id", payload.ClipID).Str("external_ref", ref).Msg("clip published")
	return json.Marshal(publishResult{ExternalRef: ref, AccountID: account.ID})
}

func (h *PublishHandler) resolveAccount(ctx context.Context, workspaceID, accountID string) (models.Account, error) {
	accounts, err := h.accounts.ActiveAccounts(ctx, workspaceID, h.platform)
	if err != nil {
		return models.Account{}, fmt.Errorf("resolve accounts: %w", err)
	}
	if len(accounts) == 0 {
		return models.Account{}, fmt.Errorf("no active %s account for workspace %s", h.platform, workspaceID)
	}
	if accountID == "" {
		return accounts[0], nil
	}
	for _, a := range accounts {
		if a.ID == accountID {
			return a, nil
		}
	}
	// The account named in the payload was disabled or removed between
	// scheduling and execution.
	return models.Account{}, fmt.Errorf("account %s is no longer active", accountID)
}
