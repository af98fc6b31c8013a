// Package arrangestore is the authoritative per-viewer-scope persistence for
// widget arrangements. Each scope is stored as one versioned record under a
// fixed key prefix in a pluggable key-value backend.
package arrangestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrVisibleLimit   = errors.New("visible widget limit reached")
	ErrNotImplemented = errors.New("not implemented")
)

// Logger is the minimal logging surface components accept. A nil Logger
// silently discards output.
type Logger interface {
	Printf(format string, args ...any)
}

// KVBackend is the storage contract for scoped arrangement records. Writes
// covering multiple keys go through PutBatch, which backends apply as a
// single batch when the underlying store supports it and sequentially
// otherwise. List iterates by key prefix.
type KVBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutBatch(ctx context.Context, items map[string][]byte) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

type InMemoryKVBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewInMemoryKVBackend() *InMemoryKVBackend {
	return &InMemoryKVBackend{data: map[string][]byte{}}
}

func (b *InMemoryKVBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *InMemoryKVBackend) Put(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *InMemoryKVBackend) PutBatch(_ context.Context, items map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, value := range items {
		if strings.TrimSpace(key) == "" {
			return ErrInvalidInput
		}
		b.data[key] = append([]byte(nil), value...)
	}
	return nil
}

func (b *InMemoryKVBackend) List(_ context.Context, prefix string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string][]byte{}
	for key, value := range b.data {
		if strings.HasPrefix(key, prefix) {
			out[key] = append([]byte(nil), value...)
		}
	}
	return out, nil
}

func (b *InMemoryKVBackend) Close() error {
	return nil
}

// JSONFileKVBackend keeps the whole keyspace in one JSON file, rewritten
// atomically on every mutation. Suited to single-process durable-local
// deployments.
type JSONFileKVBackend struct {
	path string
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func NewJSONFileKVBackend(path string) (*JSONFileKVBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &JSONFileKVBackend{path: path, data: map[string]json.RawMessage{}}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JSONFileKVBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot != nil {
		b.data = snapshot
	}
	return nil
}

func (b *JSONFileKVBackend) saveLocked() error {
	data, err := json.Marshal(b.data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileKVBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *JSONFileKVBackend) Put(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.data[key]
	b.data[key] = append(json.RawMessage(nil), value...)
	if err := b.saveLocked(); err != nil {
		if existed {
			b.data[key] = previous
		} else {
			delete(b.data, key)
		}
		return err
	}
	return nil
}

func (b *JSONFileKVBackend) PutBatch(_ context.Context, items map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous := make(map[string]json.RawMessage, len(b.data))
	for key, value := range b.data {
		previous[key] = value
	}
	for key, value := range items {
		if strings.TrimSpace(key) == "" {
			b.data = previous
			return ErrInvalidInput
		}
		b.data[key] = append(json.RawMessage(nil), value...)
	}
	if err := b.saveLocked(); err != nil {
		b.data = previous
		return err
	}
	return nil
}

func (b *JSONFileKVBackend) List(_ context.Context, prefix string) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string][]byte{}
	for key, value := range b.data {
		if strings.HasPrefix(key, prefix) {
			out[key] = append([]byte(nil), value...)
		}
	}
	return out, nil
}

func (b *JSONFileKVBackend) Close() error {
	return nil
}
