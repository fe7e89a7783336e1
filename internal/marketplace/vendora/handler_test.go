package vendora

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhvtn/listsync-be/internal/channel"
	"github.com/minhvtn/listsync-be/internal/domain"
	"github.com/minhvtn/listsync-be/internal/marketplace"
)

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) Token(ctx context.Context, m domain.Marketplace) (string, error) {
	return f.token, f.err
}

type fakeRecorder struct {
	productID string
	remoteID  string
}

func (f *fakeRecorder) SetRemoteListing(ctx context.Context, productID string, m domain.Marketplace, remoteID string) error {
	f.productID = productID
	f.remoteID = remoteID
	return nil
}

func testProduct() *domain.Product {
	return &domain.Product{
		ProductID:   "prod-1",
		Title:       "Walnut desk",
		Description: "Solid wood",
		PriceCents:  24900,
		Currency:    "USD",
		PhotoURLs:   []string{"https://img/1.jpg"},
	}
}

func testClient(t *testing.T, handler http.HandlerFunc) *channel.DirectClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return channel.NewDirectClient(srv.URL, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testInvocation(product *domain.Product) (*marketplace.Invocation, *fakeRecorder) {
	recorder := &fakeRecorder{}
	return &marketplace.Invocation{
		Job: &domain.Job{
			JobID:       "job-1",
			TenantID:    "acme",
			Marketplace: domain.MarketplaceVendora,
		},
		Product:  product,
		Prior:    make(marketplace.Results),
		Tokens:   fakeTokens{token: "vendora-token"},
		Listings: recorder,
	}, recorder
}

func newHandler(t *testing.T, action domain.Action, client *channel.DirectClient) *Handler {
	t.Helper()
	h, err := New(action, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return h
}

func TestRunTask_UploadPhoto(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/photos", r.URL.Path)
		assert.Equal(t, "Bearer vendora-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://img/1.jpg", body["source_url"])

		_, _ = w.Write([]byte(`{"photo_id":"vp-1"}`))
	})
	h := newHandler(t, domain.ActionPublish, client)
	inv, _ := testInvocation(testProduct())

	result, err := h.RunTask(context.Background(), "upload photo 1", inv)

	require.NoError(t, err)
	assert.JSONEq(t, `{"remote_photo_id":"vp-1"}`, string(result))
}

func TestRunTask_CreateListingRecordsRemoteID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/listings", r.URL.Path)

		var body struct {
			Title    string   `json:"title"`
			PhotoIDs []string `json:"photo_ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Walnut desk", body.Title)
		assert.Equal(t, []string{"vp-1"}, body.PhotoIDs)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"listing_id":"VN-7"}`))
	})
	h := newHandler(t, domain.ActionPublish, client)
	inv, recorder := testInvocation(testProduct())
	inv.Prior["upload photo 1"] = json.RawMessage(`{"remote_photo_id":"vp-1"}`)

	result, err := h.RunTask(context.Background(), "create listing", inv)

	require.NoError(t, err)
	assert.JSONEq(t, `{"remote_listing_id":"VN-7"}`, string(result))
	assert.Equal(t, "prod-1", recorder.productID)
	assert.Equal(t, "VN-7", recorder.remoteID)
}

func TestRunTask_UpdateListing(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/listings/VN-7", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	h := newHandler(t, domain.ActionUpdate, client)
	product := testProduct()
	product.RemoteListings = json.RawMessage(`{"vendora":"VN-7"}`)
	inv, _ := testInvocation(product)

	result, err := h.RunTask(context.Background(), "update listing", inv)

	require.NoError(t, err)
	assert.JSONEq(t, `{"remote_listing_id":"VN-7"}`, string(result))
}

func TestRunTask_DeleteListing(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/listings/VN-7", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	h := newHandler(t, domain.ActionDelete, client)
	product := testProduct()
	product.RemoteListings = json.RawMessage(`{"vendora":"VN-7"}`)
	inv, _ := testInvocation(product)

	result, err := h.RunTask(context.Background(), "delete listing", inv)

	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted_listing_id":"VN-7"}`, string(result))
}

func TestRunTask_SyncFetchAndApply(t *testing.T) {
	updated := false
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"title":"Oak desk","description":"Solid wood","price_cents":24900,"currency":"USD"}`))
		case http.MethodPut:
			updated = true
			w.WriteHeader(http.StatusOK)
		}
	})
	h := newHandler(t, domain.ActionSync, client)
	product := testProduct()
	product.RemoteListings = json.RawMessage(`{"vendora":"VN-7"}`)
	inv, _ := testInvocation(product)

	fetched, err := h.RunTask(context.Background(), "fetch remote listing", inv)
	require.NoError(t, err)
	inv.Prior["fetch remote listing"] = fetched

	result, err := h.RunTask(context.Background(), "apply remote changes", inv)
	require.NoError(t, err)

	var summary struct {
		InSync        bool     `json:"in_sync"`
		UpdatedFields []string `json:"updated_fields"`
	}
	require.NoError(t, json.Unmarshal(result, &summary))
	assert.False(t, summary.InSync)
	assert.Equal(t, []string{"title"}, summary.UpdatedFields)
	assert.True(t, updated)
}

func TestRunTask_MissingCredentials(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made without a token")
	})
	h := newHandler(t, domain.ActionPublish, client)
	inv, _ := testInvocation(testProduct())
	inv.Tokens = fakeTokens{err: domain.NewAuthError(errors.New("credentials not found"))}

	_, err := h.RunTask(context.Background(), "upload photo 1", inv)

	require.Error(t, err)
	assert.Equal(t, domain.FailureAuth, domain.ClassifyFailure(err))
}

func TestRunTask_UpdateWithoutPublishedListing(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made without a remote listing")
	})
	h := newHandler(t, domain.ActionUpdate, client)
	inv, _ := testInvocation(testProduct())

	_, err := h.RunTask(context.Background(), "update listing", inv)

	require.Error(t, err)
	assert.Equal(t, domain.FailurePermanent, domain.ClassifyFailure(err))
}
