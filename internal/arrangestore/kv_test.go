package arrangestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestInMemoryKVBackendGetMissing(t *testing.T) {
	backend := NewInMemoryKVBackend()
	if _, err := backend.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryKVBackendCopiesValues(t *testing.T) {
	backend := NewInMemoryKVBackend()
	ctx := context.Background()
	value := []byte(`{"a":1}`)
	if err := backend.Put(ctx, "k", value); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	value[0] = 'X'
	got, err := backend.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}
}

func TestJSONFileKVBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	ctx := context.Background()

	backend, err := NewJSONFileKVBackend(path)
	if err != nil {
		t.Fatalf("open backend failed: %v", err)
	}
	if err := backend.Put(ctx, KeyPrefix+"env_1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := backend.PutBatch(ctx, map[string][]byte{
		KeyPrefix + "env_2": []byte(`{"v":2}`),
		"other/key":         []byte(`{"v":3}`),
	}); err != nil {
		t.Fatalf("put batch failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewJSONFileKVBackend(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Get(ctx, KeyPrefix+"env_1")
	if err != nil {
		t.Fatalf("get after reopen failed: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("value mismatch after reopen: %s", got)
	}

	listed, err := reopened.List(ctx, KeyPrefix)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 prefixed keys, got %d", len(listed))
	}
	if _, ok := listed["other/key"]; ok {
		t.Fatalf("list leaked key outside prefix")
	}
}

func TestJSONFileKVBackendRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt file failed: %v", err)
	}
	if _, err := NewJSONFileKVBackend(path); err == nil {
		t.Fatal("expected error opening corrupt file")
	}
}

func TestBuildKVBackendFromDSN(t *testing.T) {
	cases := []struct {
		name    string
		dsn     string
		wantErr error
	}{
		{name: "memory", dsn: "memory://"},
		{name: "mem alias", dsn: "mem://"},
		{name: "file", dsn: "file://" + filepath.Join(t.TempDir(), "kv.json")},
		{name: "bare path", dsn: filepath.Join(t.TempDir(), "kv.json")},
		{name: "sqlite unimplemented", dsn: "sqlite:///tmp/db", wantErr: ErrNotImplemented},
		{name: "mysql unimplemented", dsn: "mysql://h/db", wantErr: ErrNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend, err := BuildKVBackendFromDSN(tc.dsn)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("build failed: %v", err)
			}
			if backend == nil {
				t.Fatal("nil backend without error")
			}
			_ = backend.Close()
		})
	}
}

func TestBuildKVBackendUnsupportedScheme(t *testing.T) {
	if _, err := BuildKVBackendFromDSN("gopher://whatever"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestEscapeLikePrefix(t *testing.T) {
	got := escapeLikePrefix(`a%b_c\d`)
	want := `a\%b\_c\\d`
	if got != want {
		t.Fatalf("escape mismatch: got %q want %q", got, want)
	}
}
