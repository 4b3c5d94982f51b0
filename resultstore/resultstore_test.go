package resultstore

import (
	"context"
	"testing"
	"time"
)

func TestGenerateResultKey(t *testing.T) {
	inputs := map[string]any{"query": "golang", "count": float64(10)}

	a, err := GenerateResultKey("hn-top", inputs)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 16 {
		t.Fatalf("key len = %d: %q", len(a), a)
	}
	for _, c := range a {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("non-hex key: %q", a)
		}
	}

	// Same pack and inputs, different map construction order: same key.
	b, _ := GenerateResultKey("hn-top", map[string]any{"count": float64(10), "query": "golang"})
	if a != b {
		t.Error("key is not order-independent")
	}

	// Different pack or inputs: different key.
	if c, _ := GenerateResultKey("other", inputs); c == a {
		t.Error("pack id not part of the key")
	}
	if c, _ := GenerateResultKey("hn-top", map[string]any{"query": "rust", "count": float64(10)}); c == a {
		t.Error("inputs not part of the key")
	}
}

func TestMemoryStoreUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r1, err := m.Store(ctx, StoredResult{Key: "k1", PackID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Version != 1 {
		t.Errorf("first version = %d", r1.Version)
	}
	if r1.StoredAt.IsZero() {
		t.Error("StoredAt not defaulted")
	}

	r2, _ := m.Store(ctx, StoredResult{Key: "k1", PackID: "p"})
	if r2.Version != 2 {
		t.Errorf("second version = %d", r2.Version)
	}

	got, ok, err := m.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.Version != 2 {
		t.Errorf("stored version = %d", got.Version)
	}

	if _, ok, _ := m.Get(ctx, "nope"); ok {
		t.Error("unknown key reported found")
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Store(ctx, StoredResult{Key: "k1", PackID: "p"})
	if err := m.Delete(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "k1"); ok {
		t.Error("record survived delete")
	}
	if err := m.Delete(ctx, "k1"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m.Store(ctx, StoredResult{Key: "b", PackID: "pack-2", StoredAt: base.Add(2 * time.Hour)})
	m.Store(ctx, StoredResult{Key: "a", PackID: "pack-3", StoredAt: base})
	m.Store(ctx, StoredResult{Key: "c", PackID: "pack-1", StoredAt: base.Add(time.Hour)})

	// Default: storedAt descending.
	got, err := m.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Key != "b" || got[2].Key != "a" {
		t.Errorf("default order = %v", keysOf(got))
	}

	got, _ = m.List(ctx, ListOptions{SortBy: "key", SortDir: "asc"})
	if got[0].Key != "a" || got[2].Key != "c" {
		t.Errorf("key asc = %v", keysOf(got))
	}

	got, _ = m.List(ctx, ListOptions{SortBy: "packId", SortDir: "asc"})
	if got[0].PackID != "pack-1" || got[2].PackID != "pack-3" {
		t.Errorf("packId asc = %v", got)
	}

	got, _ = m.List(ctx, ListOptions{SortBy: "key", SortDir: "asc", Offset: 1, Limit: 1})
	if len(got) != 1 || got[0].Key != "b" {
		t.Errorf("page = %v", keysOf(got))
	}

	got, _ = m.List(ctx, ListOptions{Offset: 10})
	if len(got) != 0 {
		t.Errorf("past-the-end offset = %v", keysOf(got))
	}
}

func keysOf(s []Summary) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.Key
	}
	return out
}

func TestMemoryFilterMissingKey(t *testing.T) {
	m := NewMemory()
	res, err := m.Filter(context.Background(), FilterOptions{Key: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("missing key should yield nil, got %+v", res)
	}
}

func storiesCollectibles() map[string]any {
	return map[string]any{
		"stories": []any{
			map[string]any{"title": "b", "points": float64(5)},
			map[string]any{"title": "a", "points": float64(9)},
			map[string]any{"title": "c"},
			map[string]any{"title": "d", "points": float64(1)},
		},
	}
}

func TestApplyFilterJMESPath(t *testing.T) {
	res, err := ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories[].title"})
	if err != nil {
		t.Fatal(err)
	}
	arr := res.Data.([]any)
	if len(arr) != 4 || arr[0] != "b" {
		t.Errorf("projection = %v", arr)
	}
	if res.Total == nil || *res.Total != 4 {
		t.Errorf("total = %v", res.Total)
	}
}

func TestApplyFilterBadJMESPath(t *testing.T) {
	if _, err := ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories[?"}); err == nil {
		t.Error("invalid expression should fail")
	}
}

func TestApplyFilterScalarResult(t *testing.T) {
	res, err := ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories[0].title"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Data != "b" || res.Total != nil {
		t.Errorf("scalar result = %+v", res)
	}
}

func TestApplyFilterSortNullsLast(t *testing.T) {
	res, err := ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories", SortBy: "points", SortDir: "desc"})
	if err != nil {
		t.Fatal(err)
	}
	arr := res.Data.([]any)
	titles := make([]string, len(arr))
	for i, el := range arr {
		titles[i] = el.(map[string]any)["title"].(string)
	}
	want := []string{"a", "b", "d", "c"} // "c" has no points: last even descending
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("desc order = %v, want %v", titles, want)
		}
	}

	res, _ = ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories", SortBy: "points", SortDir: "asc"})
	arr = res.Data.([]any)
	first := arr[0].(map[string]any)["title"]
	last := arr[3].(map[string]any)["title"]
	if first != "d" || last != "c" {
		t.Errorf("asc order first=%v last=%v", first, last)
	}
}

func TestApplyFilterPagination(t *testing.T) {
	res, err := ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories", SortBy: "title", Offset: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	arr := res.Data.([]any)
	if len(arr) != 2 {
		t.Fatalf("page len = %d", len(arr))
	}
	if arr[0].(map[string]any)["title"] != "b" {
		t.Errorf("page start = %v", arr[0])
	}
	if res.Total == nil || *res.Total != 4 {
		t.Errorf("total must be pre-pagination, got %v", res.Total)
	}

	res, _ = ApplyFilter(storiesCollectibles(), FilterOptions{JMESPath: "stories", Offset: 99})
	if len(res.Data.([]any)) != 0 {
		t.Errorf("past-the-end page = %v", res.Data)
	}
}

func TestMemoryFilterEndToEnd(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Store(ctx, StoredResult{Key: "k1", PackID: "hn-top", Collectibles: storiesCollectibles()})

	res, err := m.Filter(ctx, FilterOptions{Key: "k1", JMESPath: "stories", SortBy: "points", SortDir: "desc", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	arr := res.Data.([]any)
	if len(arr) != 1 || arr[0].(map[string]any)["title"] != "a" {
		t.Errorf("filtered = %v", arr)
	}
}
