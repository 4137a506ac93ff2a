package storage

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// Repository is an onboarded repository together with its workspace settings.
type Repository struct {
	ID             string
	WorkspaceID    string
	WorkspaceSlug  string
	Provider       coreprocessor.Provider
	Slug           string
	AuthorUsername string
	Ignore         []string
	MinSeverity    coreprocessor.Severity
	APIKey         string
	ModelName      string
}

// FindActiveRepository looks up an active repository by provider, owner
// (the repository author username) and slug.
func (s *Store) FindActiveRepository(ctx context.Context, provider coreprocessor.Provider, owner, slug string) (*Repository, error) {
	query := `
		SELECT r.id, r.workspace_id, w.slug, r.provider, r.slug, r.author_username,
			r.ignore_patterns, r.min_severity, w.api_key, w.model_name
		FROM repositories r
		JOIN workspaces w ON w.id = r.workspace_id
		WHERE r.provider = $1 AND r.author_username = $2 AND r.slug = $3 AND r.is_active
	`
	var repo Repository
	err := s.db.QueryRowContext(ctx, query, provider, owner, slug).Scan(
		&repo.ID, &repo.WorkspaceID, &repo.WorkspaceSlug, &repo.Provider, &repo.Slug, &repo.AuthorUsername,
		pq.Array(&repo.Ignore), &repo.MinSeverity, &repo.APIKey, &repo.ModelName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find repository %s/%s on %s: %w", owner, slug, provider, notFound(err))
	}
	return &repo, nil
}

// IsActiveMember reports whether providerID is an active member of the workspace.
func (s *Store) IsActiveMember(ctx context.Context, workspaceID string, provider coreprocessor.Provider, providerID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM workspace_members
			WHERE workspace_id = $1 AND provider = $2 AND provider_id = $3 AND is_active
		)
	`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, workspaceID, provider, providerID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check workspace member %s: %w", providerID, err)
	}
	return ok, nil
}

// ClearInstallation detaches an uninstalled app from every workspace that
// referenced it and drops its cached credentials.
func (s *Store) ClearInstallation(ctx context.Context, provider coreprocessor.Provider, installationID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE workspaces SET installation_id = NULL WHERE provider = $1 AND installation_id = $2`, provider, installationID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear installation %s: %w", installationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_credentials WHERE provider = $1 AND installation_id = $2`, provider, installationID); err != nil {
		return 0, fmt.Errorf("failed to drop credentials of installation %s: %w", installationID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit installation removal: %w", err)
	}
	return res.RowsAffected()
}
