// Package shoplane implements action handlers for the shoplane
// marketplace. Shoplane has no public write API, so every step goes through
// a relay session to a browser agent acting inside the seller's
// authenticated shoplane session.
package shoplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/marketplace"
)

// Relay is the slice of the relay hub a handler step needs.
type Relay interface {
	Send(ctx context.Context, tenantID string, m domain.Marketplace, command string, payload interface{}) (json.RawMessage, error)
}

// Handler executes one shoplane action.
type Handler struct {
	action domain.Action
	relay  Relay
	logger *slog.Logger
}

// New creates the handler for action.
func New(action domain.Action, relay Relay, logger *slog.Logger) (*Handler, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return &Handler{
		action: action,
		relay:  relay,
		logger: logger.With(slog.String("marketplace", string(domain.MarketplaceShoplane))),
	}, nil
}

// TaskNames declares the ordered step list for a job. Publish uploads each
// photo as its own task so a retry never re-sends photos that already made
// it to shoplane.
func (h *Handler) TaskNames(job *domain.Job, product *domain.Product) ([]string, error) {
	switch h.action {
	case domain.ActionPublish:
		names := make([]string, 0, len(product.PhotoURLs)+1)
		for i := range product.PhotoURLs {
			names = append(names, marketplace.UploadPhotoTaskName(i+1))
		}
		return append(names, marketplace.TaskCreateListing), nil
	case domain.ActionUpdate:
		return []string{marketplace.TaskUpdateListing}, nil
	case domain.ActionDelete:
		return []string{marketplace.TaskDeleteListing}, nil
	case domain.ActionSync:
		return []string{marketplace.TaskFetchListing, marketplace.TaskApplyChanges}, nil
	}
	return nil, fmt.Errorf("unknown action %q", h.action)
}

// listingFields is the payload shape the browser agent fills into the
// shoplane listing form.
type listingFields struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	PriceCents  int64    `json:"price_cents"`
	Currency    string   `json:"currency"`
	PhotoIDs    []string `json:"photo_ids,omitempty"`
}

func fields(product *domain.Product) listingFields {
	return listingFields{
		Title:       product.Title,
		Description: product.Description,
		PriceCents:  product.PriceCents,
		Currency:    product.Currency,
	}
}

// RunTask performs one step over the relay channel.
func (h *Handler) RunTask(ctx context.Context, name string, inv *marketplace.Invocation) (json.RawMessage, error) {
	job, product := inv.Job, inv.Product

	if n, ok := marketplace.UploadPhotoOrdinal(name); ok {
		if n > len(product.PhotoURLs) {
			return nil, fmt.Errorf("task %q: product has only %d photos", name, len(product.PhotoURLs))
		}
		return h.relay.Send(ctx, job.TenantID, domain.MarketplaceShoplane, "upload_photo", map[string]string{
			"photo_url": product.PhotoURLs[n-1],
		})
	}

	switch name {
	case marketplace.TaskCreateListing:
		photoIDs, err := inv.Prior.PhotoIDs()
		if err != nil {
			return nil, err
		}
		payload := fields(product)
		payload.PhotoIDs = photoIDs

		result, err := h.relay.Send(ctx, job.TenantID, domain.MarketplaceShoplane, "create_listing", payload)
		if err != nil {
			return nil, err
		}

		var created struct {
			RemoteListingID string `json:"remote_listing_id"`
		}
		if err := json.Unmarshal(result, &created); err != nil {
			return nil, fmt.Errorf("failed to decode create_listing reply: %w", err)
		}
		if created.RemoteListingID == "" {
			return nil, fmt.Errorf("create_listing reply missing remote_listing_id")
		}
		if err := inv.Listings.SetRemoteListing(ctx, product.ProductID, domain.MarketplaceShoplane, created.RemoteListingID); err != nil {
			return nil, err
		}
		return result, nil

	case marketplace.TaskUpdateListing:
		remoteID, err := requireRemoteListing(product)
		if err != nil {
			return nil, err
		}
		return h.relay.Send(ctx, job.TenantID, domain.MarketplaceShoplane, "update_listing", map[string]interface{}{
			"listing_id": remoteID,
			"fields":     fields(product),
		})

	case marketplace.TaskDeleteListing:
		remoteID, err := requireRemoteListing(product)
		if err != nil {
			return nil, err
		}
		return h.relay.Send(ctx, job.TenantID, domain.MarketplaceShoplane, "delete_listing", map[string]string{
			"listing_id": remoteID,
		})

	case marketplace.TaskFetchListing:
		remoteID, err := requireRemoteListing(product)
		if err != nil {
			return nil, err
		}
		return h.relay.Send(ctx, job.TenantID, domain.MarketplaceShoplane, "fetch_listing", map[string]string{
			"listing_id": remoteID,
		})

	case marketplace.TaskApplyChanges:
		return h.applyChanges(ctx, inv)
	}

	return nil, fmt.Errorf("unknown task %q for action %q", name, h.action)
}

// applyChanges diffs the fetched remote listing against the local product
// and pushes the drifted fields. Local data is the source of truth.
func (h *Handler) applyChanges(ctx context.Context, inv *marketplace.Invocation) (json.RawMessage, error) {
	job, product := inv.Job, inv.Product

	fetched, ok := inv.Prior[marketplace.TaskFetchListing]
	if !ok {
		return nil, fmt.Errorf("missing result of %q", marketplace.TaskFetchListing)
	}
	var remote listingFields
	if err := json.Unmarshal(fetched, &remote); err != nil {
		return nil, fmt.Errorf("failed to decode fetched listing: %w", err)
	}

	local := fields(product)
	drifted := driftedFields(local, remote)
	if len(drifted) == 0 {
		h.logger.Info("Listing already in sync",
			slog.String("job_id", job.JobID),
			slog.String("product_id", product.ProductID),
		)
		return json.Marshal(syncSummary{InSync: true})
	}

	remoteID, err := requireRemoteListing(product)
	if err != nil {
		return nil, err
	}
	if _, err := h.relay.Send(ctx, job.TenantID, domain.MarketplaceShoplane, "update_listing", map[string]interface{}{
		"listing_id": remoteID,
		"fields":     local,
	}); err != nil {
		return nil, err
	}
	return json.Marshal(syncSummary{InSync: false, UpdatedFields: drifted})
}

type syncSummary struct {
	InSync        bool     `json:"in_sync"`
	UpdatedFields []string `json:"updated_fields,omitempty"`
}

func driftedFields(local, remote listingFields) []string {
	var drifted []string
	if local.Title != remote.Title {
		drifted = append(drifted, "title")
	}
	if local.Description != remote.Description {
		drifted = append(drifted, "description")
	}
	if local.PriceCents != remote.PriceCents || local.Currency != remote.Currency {
		drifted = append(drifted, "price")
	}
	return drifted
}

func requireRemoteListing(product *domain.Product) (string, error) {
	remoteID := product.RemoteListingID(domain.MarketplaceShoplane)
	if remoteID == "" {
		return "", domain.NewPermanentError(
			fmt.Errorf("product %s has no shoplane listing to address", product.ProductID))
	}
	return remoteID, nil
}
