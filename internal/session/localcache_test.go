package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/isomorphiq/dashsync/internal/arrangement"
)

func TestLocalCacheRoundTrip(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}

	if err := cache.SaveArrangement(CachedArrangement{
		Layout:          arrangement.Layout{"primary": {"w1", "w2"}},
		HiddenWidgetIDs: []string{"w3"},
		Sizes:           arrangement.Sizes{"w1": arrangement.SizeLarge},
	}); err != nil {
		t.Fatalf("save arrangement failed: %v", err)
	}
	if err := cache.SaveMeta(CachedMeta{UpdatedAt: 100}); err != nil {
		t.Fatalf("save meta failed: %v", err)
	}

	got, ok := cache.LoadArrangement()
	if !ok {
		t.Fatal("expected arrangement to load")
	}
	if !got.Layout.Equal(arrangement.Layout{"primary": {"w1", "w2"}}) {
		t.Fatalf("layout mismatch: %v", got.Layout)
	}
	if len(got.HiddenWidgetIDs) != 1 || got.HiddenWidgetIDs[0] != "w3" {
		t.Fatalf("hidden mismatch: %v", got.HiddenWidgetIDs)
	}
	meta, ok := cache.LoadMeta()
	if !ok || meta.UpdatedAt != 100 {
		t.Fatalf("meta mismatch: %+v ok=%v", meta, ok)
	}
}

func TestLocalCacheZeroUpdatedAtIsValid(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	if err := cache.SaveMeta(CachedMeta{UpdatedAt: 0}); err != nil {
		t.Fatalf("save meta failed: %v", err)
	}
	meta, ok := cache.LoadMeta()
	if !ok {
		t.Fatal("a stored zero timestamp must load as a valid record")
	}
	if meta.UpdatedAt != 0 {
		t.Fatalf("expected zero updatedAt, got %d", meta.UpdatedAt)
	}
}

func TestLocalCacheCorruptFileDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewLocalCache(dir, nil)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	if err := cache.SaveArrangement(CachedArrangement{Layout: arrangement.Layout{"primary": {"w1"}}}); err != nil {
		t.Fatalf("save arrangement failed: %v", err)
	}
	if err := cache.SaveMeta(CachedMeta{UpdatedAt: 50}); err != nil {
		t.Fatalf("save meta failed: %v", err)
	}

	// Corrupt the meta file only.
	if err := os.WriteFile(filepath.Join(dir, metaCacheFile), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt meta failed: %v", err)
	}

	if _, ok := cache.LoadMeta(); ok {
		t.Fatal("expected corrupt meta to be discarded")
	}
	got, ok := cache.LoadArrangement()
	if !ok || !got.Layout.Equal(arrangement.Layout{"primary": {"w1"}}) {
		t.Fatalf("arrangement must survive the corrupt sibling: ok=%v %v", ok, got.Layout)
	}
}

func TestLocalCacheSchemaMismatchDiscarded(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewLocalCache(dir, nil)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	stale := `{"schemaVersion":1,"payload":{"layout":{"primary":["w1"]}}}`
	if err := os.WriteFile(filepath.Join(dir, arrangementCacheFile), []byte(stale), 0o644); err != nil {
		t.Fatalf("write stale record failed: %v", err)
	}
	if _, ok := cache.LoadArrangement(); ok {
		t.Fatal("expected stale schema version to be discarded")
	}
}
