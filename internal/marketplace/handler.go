package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minhvtn/listsync-be/internal/domain"
)

// Results holds completed-task results keyed by task name. Only results of
// tasks that have already succeeded are present, so handlers must tolerate
// partial maps.
type Results map[string]json.RawMessage

// TokenSource supplies the executing tenant's credential for a marketplace.
type TokenSource interface {
	Token(ctx context.Context, m domain.Marketplace) (string, error)
}

// ListingRecorder records the remote listing id a publish produced, so
// later update/delete/sync jobs can address it.
type ListingRecorder interface {
	SetRemoteListing(ctx context.Context, productID string, m domain.Marketplace, remoteID string) error
}

// Invocation is the per-execution context an action handler runs with. The
// orchestrator assembles it from tenant-bound stores; handlers never choose
// their own data scope.
type Invocation struct {
	Job      *domain.Job
	Product  *domain.Product
	Prior    Results
	Tokens   TokenSource
	Listings ListingRecorder
}

// ActionHandler declares and executes the steps of one (marketplace,
// action) combination. TaskNames must be deterministic for a given job and
// product; RunTask performs a single named step and must not assume it owns
// any transaction boundary.
type ActionHandler interface {
	TaskNames(job *domain.Job, product *domain.Product) ([]string, error)
	RunTask(ctx context.Context, name string, inv *Invocation) (json.RawMessage, error)
}

// Shared task names. Both marketplaces use the same scheme so skip-on-retry
// logic keys on names uniformly.
const (
	TaskCreateListing = "create listing"
	TaskUpdateListing = "update listing"
	TaskDeleteListing = "delete listing"
	TaskFetchListing  = "fetch remote listing"
	TaskApplyChanges  = "apply remote changes"

	uploadPhotoPrefix = "upload photo "
)

// UploadPhotoTaskName returns the task name for the n-th photo (1-based).
func UploadPhotoTaskName(n int) string {
	return fmt.Sprintf("%s%d", uploadPhotoPrefix, n)
}

// UploadPhotoOrdinal parses an upload-photo task name back to its 1-based
// photo number, or (0, false) for other names.
func UploadPhotoOrdinal(name string) (int, bool) {
	if !strings.HasPrefix(name, uploadPhotoPrefix) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name[len(uploadPhotoPrefix):], "%d", &n); err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// PhotoIDs collects remote photo ids from completed upload tasks, in photo
// order, for the listing-creation step.
func (r Results) PhotoIDs() ([]string, error) {
	byOrdinal := make(map[int]string)
	maxN := 0
	for name, raw := range r {
		n, ok := UploadPhotoOrdinal(name)
		if !ok {
			continue
		}
		var result struct {
			RemotePhotoID string `json:"remote_photo_id"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode result of %q: %w", name, err)
		}
		byOrdinal[n] = result.RemotePhotoID
		if n > maxN {
			maxN = n
		}
	}

	ids := make([]string, 0, len(byOrdinal))
	for n := 1; n <= maxN; n++ {
		id, ok := byOrdinal[n]
		if !ok {
			return nil, fmt.Errorf("missing upload result for photo %d", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
