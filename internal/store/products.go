package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/tenant"
)

// ProductStore reads the listing attributes action handlers need. The
// resource layer that writes products is outside this subsystem.
type ProductStore struct {
	handle *tenant.Handle
}

// NewProductStore creates a ProductStore over the tenant handle.
func NewProductStore(handle *tenant.Handle) *ProductStore {
	return &ProductStore{handle: handle}
}

// Get retrieves a product with its photos decoded.
func (s *ProductStore) Get(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &product, `
			SELECT product_id, title, description, price_cents, currency,
			       photos, remote_listings, created_at, updated_at
			FROM products
			WHERE product_id = $1
		`, productID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProductNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(product.PhotosJSON) > 0 {
		if err := json.Unmarshal(product.PhotosJSON, &product.PhotoURLs); err != nil {
			return nil, fmt.Errorf("failed to decode product photos: %w", err)
		}
	}
	return &product, nil
}

// SetRemoteListing records the marketplace's listing id after a publish, so
// later update/delete/sync jobs can address the remote listing.
func (s *ProductStore) SetRemoteListing(ctx context.Context, productID string, m domain.Marketplace, remoteID string) error {
	return s.handle.RunInTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET remote_listings = COALESCE(remote_listings, '{}'::jsonb) || jsonb_build_object($1::text, $2::text),
			    updated_at = NOW()
			WHERE product_id = $3
		`, string(m), remoteID, productID)
		if err != nil {
			return fmt.Errorf("failed to record remote listing: %w", err)
		}
		return requireRow(res, domain.ErrProductNotFound)
	})
}
