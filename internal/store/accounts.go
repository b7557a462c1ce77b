package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"clip-publisher/internal/models"
)

// ActiveAccounts returns the enabled accounts a workspace holds for a
// platform. Disabled accounts (revoked tokens, paused by the owner) are
// filtered in the query.
func (s *Store) ActiveAccounts(ctx context.Context, workspaceID, platform string) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, platform, display_name, enabled, credential_ref, created_at
		FROM platform_accounts
		WHERE workspace_id = $1 AND platform = $2 AND enabled
		ORDER BY created_at
	`, workspaceID, platform)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Platform, &a.DisplayName, &a.Enabled, &a.CredentialRef, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasPublication reports whether a clip already has a publish marker for a
// platform. Publish handlers check this before uploading so a re-executed
// attempt cannot produce a second upload.
func (s *Store) HasPublication(ctx context.Context, clipID, platform string) (models.Publication, bool, error) {
	var p models.Publication
	err := s.pool.QueryRow(ctx, `
		SELECT clip_id, platform, account_id, external_ref, published_at
		FROM publications
		WHERE clip_id = $1 AND platform = $2
	`, clipID, platform).Scan(&p.ClipID, &p.Platform, &p.AccountID, &p.ExternalRef, &p.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Publication{}, false, nil
	}
	if err != nil {
		return models.Publication{}, false, fmt.Errorf("query publication: %w", err)
	}
	return p, true, nil
}

// RecordPublication stores the publish marker. ON CONFLICT keeps the first
// marker if two attempts ever race.
func (s *Store) RecordPublication(ctx context.Context, p models.Publication) error {
	if p.PublishedAt.IsZero() {
		p.PublishedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publications (clip_id, platform, account_id, external_ref, published_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (clip_id, platform) DO NOTHING
	`, p.ClipID, p.Platform, p.AccountID, p.ExternalRef, p.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert publication: %w", err)
	}
	return nil
}
