// Package session implements the device-side half of arrangement sync: a
// durable local cache, the pending-sync queue, the same-device cross-tab
// bus, the debounce/retry scheduler, and the live + HTTP clients that a
// session wires together.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/isomorphiq/dashsync/internal/arrangement"
)

// Logger matches the standard library log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// CacheSchemaVersion guards cached records; a mismatch discards the record
// and rebuilds from live state.
const CacheSchemaVersion = 2

const (
	arrangementCacheFile = "arrangement.json"
	metaCacheFile        = "arrangement-meta.json"
	pendingCacheFile     = "pending-sync.json"
)

// CachedArrangement is the persisted widget arrangement payload.
type CachedArrangement struct {
	Layout          arrangement.Layout `json:"layout"`
	HiddenWidgetIDs []string           `json:"hiddenWidgetIds"`
	Sizes           arrangement.Sizes  `json:"sizes"`
}

// CachedMeta carries the arrangement provenance. A zero UpdatedAt is a valid
// persisted value meaning the provenance is unknown.
type CachedMeta struct {
	UpdatedAt int64 `json:"updatedAt"`
}

type cachedRecord struct {
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// LocalCache stores the arrangement, its meta, and the pending-sync queue as
// three independent files so corruption of one never takes down the others.
type LocalCache struct {
	dir    string
	logger Logger
}

func NewLocalCache(dir string, logger Logger) (*LocalCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalCache{dir: dir, logger: logger}, nil
}

// LoadArrangement reads the cached arrangement. ok is false when the record
// is missing, malformed, or from another schema version; the caller rebuilds
// from live state.
func (c *LocalCache) LoadArrangement() (CachedArrangement, bool) {
	var out CachedArrangement
	if !c.read(arrangementCacheFile, &out) {
		return CachedArrangement{}, false
	}
	out.Layout = arrangement.NormalizeLayout(out.Layout)
	return out, true
}

func (c *LocalCache) SaveArrangement(payload CachedArrangement) error {
	return c.write(arrangementCacheFile, payload)
}

func (c *LocalCache) LoadMeta() (CachedMeta, bool) {
	var out CachedMeta
	if !c.read(metaCacheFile, &out) {
		return CachedMeta{}, false
	}
	return out, true
}

func (c *LocalCache) SaveMeta(meta CachedMeta) error {
	return c.write(metaCacheFile, meta)
}

func (c *LocalCache) LoadPending() (PendingSync, bool) {
	var out PendingSync
	if !c.read(pendingCacheFile, &out) {
		return PendingSync{}, false
	}
	return out, true
}

func (c *LocalCache) SavePending(pending PendingSync) error {
	return c.write(pendingCacheFile, pending)
}

func (c *LocalCache) read(name string, dst any) bool {
	path := filepath.Join(c.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logf("session: failed to read cache file %s: %v", name, err)
		}
		return false
	}
	var record cachedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		c.logf("session: discarding malformed cache file %s: %v", name, err)
		return false
	}
	if record.SchemaVersion != CacheSchemaVersion {
		c.logf("session: discarding cache file %s with schema version %d", name, record.SchemaVersion)
		return false
	}
	if err := json.Unmarshal(record.Payload, dst); err != nil {
		c.logf("session: discarding malformed cache payload %s: %v", name, err)
		return false
	}
	return true
}

func (c *LocalCache) write(name string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cachedRecord{
		SchemaVersion: CacheSchemaVersion,
		Payload:       payloadBytes,
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(c.dir, name), data, 0o644)
}

func (c *LocalCache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
