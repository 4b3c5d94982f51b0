package resultstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryProvider is the map-backed provider for tests and ephemeral runs.
// It advertises every capability.
type MemoryProvider struct {
	mu      sync.RWMutex
	records map[string]StoredResult
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]StoredResult)}
}

var _ Provider = (*MemoryProvider)(nil)

func (m *MemoryProvider) Capabilities() []string {
	return []string{CapGet, CapStore, CapList, CapDelete, CapFilter}
}

// Store upserts: an existing key increments the stored version, a new key
// starts at 1.
func (m *MemoryProvider) Store(ctx context.Context, r StoredResult) (StoredResult, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[r.Key]; ok {
		r.Version = existing.Version + 1
	} else {
		r.Version = 1
	}
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now().UTC()
	}
	m.records[r.Key] = r
	return r, nil
}

func (m *MemoryProvider) Get(ctx context.Context, key string) (*StoredResult, bool, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	cp := r
	return &cp, true, nil
}

func (m *MemoryProvider) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	_ = ctx
	m.mu.RLock()
	summaries := make([]Summary, 0, len(m.records))
	for _, r := range m.records {
		summaries = append(summaries, Summary{Key: r.Key, PackID: r.PackID, Version: r.Version, StoredAt: r.StoredAt})
	}
	m.mu.RUnlock()

	desc := !strings.EqualFold(opts.SortDir, "asc")
	sort.SliceStable(summaries, func(i, j int) bool {
		var less bool
		switch opts.SortBy {
		case "packId":
			less = summaries[i].PackID < summaries[j].PackID
		case "key":
			less = summaries[i].Key < summaries[j].Key
		default:
			less = summaries[i].StoredAt.Before(summaries[j].StoredAt)
		}
		if desc {
			return !less && !equalSummary(summaries[i], summaries[j], opts.SortBy)
		}
		return less
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(summaries) {
			return []Summary{}, nil
		}
		summaries = summaries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(summaries) {
		summaries = summaries[:opts.Limit]
	}
	return summaries, nil
}

func equalSummary(a, b Summary, sortBy string) bool {
	switch sortBy {
	case "packId":
		return a.PackID == b.PackID
	case "key":
		return a.Key == b.Key
	default:
		return a.StoredAt.Equal(b.StoredAt)
	}
}

func (m *MemoryProvider) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryProvider) Filter(ctx context.Context, opts FilterOptions) (*FilterResult, error) {
	r, ok, err := m.Get(ctx, opts.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ApplyFilter(r.Collectibles, opts)
}

func (m *MemoryProvider) Close() error { return nil }
