package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
	"github.com/pullsight/internal/providers"
	"github.com/pullsight/internal/storage"
)

// CredentialStore caches provider credentials per account.
type CredentialStore interface {
	LoadCredential(ctx context.Context, provider coreprocessor.Provider, account string) (coreprocessor.Credential, error)
	SaveCredential(ctx context.Context, provider coreprocessor.Provider, account string, cred coreprocessor.Credential) error
}

// Credentials resolves a usable credential for a provider account,
// refreshing and persisting it when it is about to expire.
type Credentials struct {
	store CredentialStore
}

func NewCredentials(store CredentialStore) *Credentials {
	return &Credentials{store: store}
}

// Resolve returns a fresh credential for account. A non-empty installationID
// from the triggering event wins over the cached one; when they differ the
// app was reinstalled and the cached token is discarded.
func (c *Credentials) Resolve(ctx context.Context, adapter providers.Adapter, account, installationID string) (coreprocessor.Credential, error) {
	provider := adapter.Provider()
	cred, err := c.store.LoadCredential(ctx, provider, account)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return coreprocessor.Credential{}, err
	}
	switch {
	case installationID == "" || installationID == cred.InstallationID:
	case cred.InstallationID == "":
		cred.InstallationID = installationID
	default:
		log.Info().
			Str("provider", string(provider)).
			Str("account", account).
			Str("cached_installation_id", cred.InstallationID).
			Str("installation_id", installationID).
			Msg("installation changed, discarding cached token")
		cred = coreprocessor.Credential{InstallationID: installationID, RefreshToken: cred.RefreshToken}
	}

	fresh, refreshed, err := adapter.EnsureFreshToken(ctx, cred)
	if err != nil {
		return coreprocessor.Credential{}, fmt.Errorf("failed to obtain %s token for %s: %w", provider, account, err)
	}
	if refreshed {
		if err := c.store.SaveCredential(ctx, provider, account, fresh); err != nil {
			return coreprocessor.Credential{}, err
		}
		log.Info().Str("provider", string(provider)).Str("account", account).Time("expires_at", fresh.ExpiresAt).Msg("access token refreshed")
	}
	return fresh, nil
}
