package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhvtn/listsync-be/internal/domain"
)

func newDirectTestServer(t *testing.T, handler http.HandlerFunc) *DirectClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDirectClient(srv.URL, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDirectClient_Do(t *testing.T) {
	client := newDirectTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/listings", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Walnut desk", body["title"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"listing_id":"VN-42"}`))
	})

	var out struct {
		ListingID string `json:"listing_id"`
	}
	err := client.Do(context.Background(), "test-token", http.MethodPost, "/v1/listings",
		map[string]string{"title": "Walnut desk"}, &out)

	require.NoError(t, err)
	assert.Equal(t, "VN-42", out.ListingID)
}

func TestDirectClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		headers    map[string]string
		body       string
		wantKind   domain.FailureKind
		wantErrStr string
	}{
		{
			name:       "401 is an auth failure",
			status:     http.StatusUnauthorized,
			body:       `{"message":"token expired","code":"expired_token"}`,
			wantKind:   domain.FailureAuth,
			wantErrStr: "token expired",
		},
		{
			name:     "403 is an auth failure",
			status:   http.StatusForbidden,
			body:     `{"message":"listing belongs to another seller"}`,
			wantKind: domain.FailureAuth,
		},
		{
			name:       "429 is a rate limit",
			status:     http.StatusTooManyRequests,
			headers:    map[string]string{"Retry-After": "30"},
			body:       `{"message":"slow down"}`,
			wantKind:   domain.FailureRateLimit,
			wantErrStr: "slow down",
		},
		{
			name:     "500 is transient",
			status:   http.StatusInternalServerError,
			body:     `{"message":"upstream exploded"}`,
			wantKind: domain.FailureTransient,
		},
		{
			name:     "503 is transient",
			status:   http.StatusServiceUnavailable,
			body:     "",
			wantKind: domain.FailureTransient,
		},
		{
			name:       "422 is permanent",
			status:     http.StatusUnprocessableEntity,
			body:       `{"message":"price must be positive"}`,
			wantKind:   domain.FailurePermanent,
			wantErrStr: "price must be positive",
		},
		{
			name:     "404 is permanent",
			status:   http.StatusNotFound,
			body:     `{"message":"no such listing"}`,
			wantKind: domain.FailurePermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newDirectTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := client.Do(context.Background(), "test-token", http.MethodGet, "/v1/listings/x", nil, nil)

			require.Error(t, err)
			assert.Equal(t, tt.wantKind, domain.ClassifyFailure(err))
			if tt.wantErrStr != "" {
				assert.Contains(t, err.Error(), tt.wantErrStr)
			}
		})
	}
}

func TestDirectClient_RateLimitCarriesRetryAfter(t *testing.T) {
	client := newDirectTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := client.Do(context.Background(), "test-token", http.MethodGet, "/v1/listings", nil, nil)

	var rateErr *domain.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "120", rateErr.RetryAfter)
}

func TestDirectClient_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	client := NewDirectClient(srv.URL, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := client.Do(context.Background(), "test-token", http.MethodGet, "/v1/listings", nil, nil)

	require.Error(t, err)
	assert.Equal(t, domain.FailureTransient, domain.ClassifyFailure(err))
}
