// Package vendora implements action handlers for the vendora marketplace,
// which exposes a REST write API. Steps call it directly with the tenant's
// stored credentials.
package vendora

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/minhvtn/listsync-be/internal/channel"
	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/marketplace"
)

// Handler executes one vendora action.
type Handler struct {
	action domain.Action
	client *channel.DirectClient
	logger *slog.Logger
}

// New creates the handler for action.
func New(action domain.Action, client *channel.DirectClient, logger *slog.Logger) (*Handler, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return &Handler{
		action: action,
		client: client,
		logger: logger.With(slog.String("marketplace", string(domain.MarketplaceVendora))),
	}, nil
}

// TaskNames declares the ordered step list for a job. The scheme matches
// shoplane's so orchestration and retry skip logic see identical shapes.
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

// listingBody is the vendora listing resource payload.
type listingBody struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	PriceCents  int64    `json:"price_cents"`
	Currency    string   `json:"currency"`
	PhotoIDs    []string `json:"photo_ids,omitempty"`
}

func body(product *domain.Product) listingBody {
	return listingBody{
		Title:       product.Title,
		Description: product.Description,
		PriceCents:  product.PriceCents,
		Currency:    product.Currency,
	}
}

// RunTask performs one step against the vendora API.
func (h *Handler) RunTask(ctx context.Context, name string, inv *marketplace.Invocation) (json.RawMessage, error) {
	product := inv.Product

	token, err := inv.Tokens.Token(ctx, domain.MarketplaceVendora)
	if err != nil {
		return nil, err
	}

	if n, ok := marketplace.UploadPhotoOrdinal(name); ok {
		if n > len(product.PhotoURLs) {
			return nil, fmt.Errorf("task %q: product has only %d photos", name, len(product.PhotoURLs))
		}
		var uploaded struct {
			PhotoID string `json:"photo_id"`
		}
		err := h.client.Do(ctx, token, http.MethodPost, "/v1/photos", map[string]string{
			"source_url": product.PhotoURLs[n-1],
		}, &uploaded)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"remote_photo_id": uploaded.PhotoID})
	}

	switch name {
	case marketplace.TaskCreateListing:
		photoIDs, err := inv.Prior.PhotoIDs()
		if err != nil {
			return nil, err
		}
		payload := body(product)
		payload.PhotoIDs = photoIDs

		var created struct {
			ListingID string `json:"listing_id"`
		}
		if err := h.client.Do(ctx, token, http.MethodPost, "/v1/listings", payload, &created); err != nil {
			return nil, err
		}
		if created.ListingID == "" {
			return nil, fmt.Errorf("vendora create listing returned no listing_id")
		}
		if err := inv.Listings.SetRemoteListing(ctx, product.ProductID, domain.MarketplaceVendora, created.ListingID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"remote_listing_id": created.ListingID})

	case marketplace.TaskUpdateListing:
		remoteID, err := requireRemoteListing(product)
		if err != nil {
			return nil, err
		}
		if err := h.client.Do(ctx, token, http.MethodPut, "/v1/listings/"+remoteID, body(product), nil); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"remote_listing_id": remoteID})

	case marketplace.TaskDeleteListing:
		remoteID, err := requireRemoteListing(product)
		if err != nil {
			return nil, err
		}
		if err := h.client.Do(ctx, token, http.MethodDelete, "/v1/listings/"+remoteID, nil, nil); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"deleted_listing_id": remoteID})

	case marketplace.TaskFetchListing:
		remoteID, err := requireRemoteListing(product)
		if err != nil {
			return nil, err
		}
		var remote json.RawMessage
		if err := h.client.Do(ctx, token, http.MethodGet, "/v1/listings/"+remoteID, nil, &remote); err != nil {
			return nil, err
		}
		return remote, nil

	case marketplace.TaskApplyChanges:
		return h.applyChanges(ctx, token, inv)
	}

	return nil, fmt.Errorf("unknown task %q for action %q", name, h.action)
}

func (h *Handler) applyChanges(ctx context.Context, token string, inv *marketplace.Invocation) (json.RawMessage, error) {
	product := inv.Product

	fetched, ok := inv.Prior[marketplace.TaskFetchListing]
	if !ok {
		return nil, fmt.Errorf("missing result of %q", marketplace.TaskFetchListing)
	}
	var remote listingBody
	if err := json.Unmarshal(fetched, &remote); err != nil {
		return nil, fmt.Errorf("failed to decode fetched listing: %w", err)
	}

	local := body(product)
	drifted := driftedFields(local, remote)
	if len(drifted) == 0 {
		h.logger.Info("Listing already in sync",
			slog.String("job_id", inv.Job.JobID),
			slog.String("product_id", product.ProductID),
		)
		return json.Marshal(syncSummary{InSync: true})
	}

	remoteID, err := requireRemoteListing(product)
	if err != nil {
		return nil, err
	}
	if err := h.client.Do(ctx, token, http.MethodPut, "/v1/listings/"+remoteID, local, nil); err != nil {
		return nil, err
	}
	return json.Marshal(syncSummary{InSync: false, UpdatedFields: drifted})
}

type syncSummary struct {
	InSync        bool     `json:"in_sync"`
	UpdatedFields []string `json:"updated_fields,omitempty"`
}

func driftedFields(local, remote listingBody) []string {
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
	remoteID := product.RemoteListingID(domain.MarketplaceVendora)
	if remoteID == "" {
		return "", domain.NewPermanentError(
			fmt.Errorf("product %s has no vendora listing to address", product.ProductID))
	}
	return remoteID, nil
}
