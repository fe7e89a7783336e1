package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/tenant"
)

// CredentialStore reads per-marketplace API credentials from the tenant's
// partition for direct-channel steps.
type CredentialStore struct {
	handle *tenant.Handle
}

// NewCredentialStore creates a CredentialStore over the tenant handle.
func NewCredentialStore(handle *tenant.Handle) *CredentialStore {
	return &CredentialStore{handle: handle}
}

// Get retrieves the stored credential for a marketplace.
func (s *CredentialStore) Get(ctx context.Context, m domain.Marketplace) (*domain.Credential, error) {
	var cred domain.Credential
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &cred, `
			SELECT marketplace, access_token, expires_at, updated_at
			FROM marketplace_credentials
			WHERE marketplace = $1
		`, string(m))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrCredentialsNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get credentials: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Token returns a usable access token, surfacing missing or expired
// credentials as authorization failures so the tenant can re-authorize.
func (s *CredentialStore) Token(ctx context.Context, m domain.Marketplace) (string, error) {
	cred, err := s.Get(ctx, m)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialsNotFound) {
			return "", domain.NewAuthError(err)
		}
		return "", err
	}
	if cred.Expired(time.Now()) {
		return "", domain.NewAuthError(fmt.Errorf("credentials for %s expired at %s", m, cred.ExpiresAt.Format(time.RFC3339)))
	}
	return cred.AccessToken, nil
}
