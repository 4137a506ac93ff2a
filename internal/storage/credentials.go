package storage

import (
	"context"
	"database/sql"
	"fmt"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// LoadCredential returns the cached credential of a provider account.
func (s *Store) LoadCredential(ctx context.Context, provider coreprocessor.Provider, account string) (coreprocessor.Credential, error) {
	query := `
		SELECT access_token, refresh_token, expires_at, installation_id
		FROM provider_credentials
		WHERE provider = $1 AND account = $2
	`
	var cred coreprocessor.Credential
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, query, provider, account).Scan(&cred.AccessToken, &cred.RefreshToken, &expires, &cred.InstallationID)
	if err != nil {
		return coreprocessor.Credential{}, fmt.Errorf("failed to load credential for %s/%s: %w", provider, account, notFound(err))
	}
	if expires.Valid {
		cred.ExpiresAt = expires.Time
	}
	return cred, nil
}

// SaveCredential upserts the credential of a provider account.
func (s *Store) SaveCredential(ctx context.Context, provider coreprocessor.Provider, account string, cred coreprocessor.Credential) error {
	var expires sql.NullTime
	if !cred.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: cred.ExpiresAt, Valid: true}
	}
	query := `
		INSERT INTO provider_credentials (provider, account, access_token, refresh_token, expires_at, installation_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (provider, account) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			installation_id = EXCLUDED.installation_id,
			updated_at = now()
	`
	_, err := s.db.ExecContext(ctx, query, provider, account, cred.AccessToken, cred.RefreshToken, expires, cred.InstallationID)
	if err != nil {
		return fmt.Errorf("failed to save credential for %s/%s: %w", provider, account, err)
	}
	return nil
}
