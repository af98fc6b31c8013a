package arrangestore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type KVBackendFactory func(dsn string) (KVBackend, error)

var kvFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVBackendFactory
}{
	factories: map[string]KVBackendFactory{},
}

// RegisterKVBackendFactory installs a factory for a custom DSN scheme,
// overriding any built-in handling for that scheme.
func RegisterKVBackendFactory(scheme string, factory KVBackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvFactoryRegistry.mu.Lock()
	defer kvFactoryRegistry.mu.Unlock()
	kvFactoryRegistry.factories[scheme] = factory
}

func lookupKVBackendFactory(scheme string) (KVBackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	kvFactoryRegistry.mu.RLock()
	defer kvFactoryRegistry.mu.RUnlock()
	factory, ok := kvFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildKVBackendFromDSN selects a backend by DSN scheme: bare paths and
// file:// map to the JSON file backend, memory:// to the in-memory backend,
// postgres:// to Postgres, redis:// to Redis.
func BuildKVBackendFromDSN(dsn string) (KVBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupKVBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileKVBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryKVBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresKVBackend(dsn)
	case "redis", "rediss":
		return NewRedisKVBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: kv backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
