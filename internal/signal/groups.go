package signal

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/signalbus/internal/httpkit"
	"github.com/nugget/signalbus/internal/metrics"
)

// groupDescriptor is one entry of the gateway's group listing.
type groupDescriptor struct {
	InternalID string `json:"internal_id"`
	ID         string `json:"id"`
	Name       string `json:"name"`
}

// cacheEntry pairs an internal group id with its public id inside the
// recency list.
type cacheEntry struct {
	internalID string
	publicID   string
}

// GroupResolver translates the gateway's opaque internal group id into
// the externally addressable public id, caching translations in a
// bounded LRU. Cache access is serialized by one mutex with pointer-ops
// critical sections; the on-miss gateway fetch happens outside the
// lock, so concurrent misses on one id may duplicate the fetch — the
// fetch is idempotent and misses are rare, so that is acceptable.
type GroupResolver struct {
	endpoint string
	account  string
	httpc    *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element // internal id → recency element
	recency *list.List               // front = most recently used
}

// NewGroupResolver creates a resolver with the given cache capacity.
func NewGroupResolver(endpoint, account string, maxSize int, logger *slog.Logger) *GroupResolver {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupResolver{
		endpoint: endpoint,
		account:  account,
		httpc:    httpkit.NewClient(),
		logger:   logger,
		maxSize:  maxSize,
		entries:  make(map[string]*list.Element, maxSize),
		recency:  list.New(),
	}
}

// Resolve returns the public id for an internal group id, fetching the
// account's group listing from the gateway on a cache miss.
func (r *GroupResolver) Resolve(ctx context.Context, internalID string) (string, error) {
	r.mu.Lock()
	if el, ok := r.entries[internalID]; ok {
		r.recency.MoveToFront(el)
		publicID := el.Value.(*cacheEntry).publicID
		r.mu.Unlock()
		metrics.GroupCacheHits.Inc()
		return publicID, nil
	}
	r.mu.Unlock()
	metrics.GroupCacheMisses.Inc()

	publicID, err := r.fetch(ctx, internalID)
	if err != nil {
		return "", err
	}

	r.insert(internalID, publicID)
	return publicID, nil
}

// Len returns the current cache occupancy.
func (r *GroupResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// insert adds a translation, evicting the least recently used entry
// when at capacity. Eviction and insert happen under one lock hold.
func (r *GroupResolver) insert(internalID, publicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[internalID]; ok {
		// A concurrent miss already populated it; refresh and promote.
		el.Value.(*cacheEntry).publicID = publicID
		r.recency.MoveToFront(el)
		return
	}

	if len(r.entries) >= r.maxSize {
		oldest := r.recency.Back()
		if oldest != nil {
			r.recency.Remove(oldest)
			delete(r.entries, oldest.Value.(*cacheEntry).internalID)
		}
	}

	r.entries[internalID] = r.recency.PushFront(&cacheEntry{
		internalID: internalID,
		publicID:   publicID,
	})
}

// fetch lists the account's groups and picks the first descriptor
// matching the internal id with a non-empty public id.
func (r *GroupResolver) fetch(ctx context.Context, internalID string) (string, error) {
	url := "http://" + r.endpoint + "/v1/groups/" + r.account
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build group listing request: %w", err)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("list groups: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return "", fmt.Errorf("group listing returned %d: %s", resp.StatusCode, detail)
	}

	var groups []groupDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return "", fmt.Errorf("decode group listing: %w", err)
	}

	for _, g := range groups {
		if g.InternalID == internalID && g.ID != "" {
			return g.ID, nil
		}
	}
	return "", fmt.Errorf("group %q not found for account %s", internalID, r.account)
}
