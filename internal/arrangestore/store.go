package arrangestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/isomorphiq/dashsync/internal/arrangement"
)

// CurrentSchemaVersion is the record schema the running system writes. Any
// record read with a different version is discarded, never partially trusted.
const CurrentSchemaVersion = 2

// KeyPrefix is the fixed prefix for scoped arrangement records.
const KeyPrefix = "arrangement/"

// Arrangement is the full per-scope payload: layout, hidden set, sizes and
// the layout's provenance timestamp.
type Arrangement struct {
	Layout          arrangement.Layout `json:"layout"`
	HiddenWidgetIDs []string           `json:"hiddenWidgetIds"`
	Sizes           arrangement.Sizes  `json:"sizes"`
	UpdatedAt       int64              `json:"updatedAt"`
}

// VersionedRecord is the persisted record shape.
type VersionedRecord struct {
	SchemaVersion int         `json:"schemaVersion"`
	Payload       Arrangement `json:"payload"`
}

func emptyArrangement() Arrangement {
	return Arrangement{
		Layout:          arrangement.Layout{},
		HiddenWidgetIDs: []string{},
		Sizes:           arrangement.Sizes{},
	}
}

func (a Arrangement) hidden() arrangement.Visibility {
	return arrangement.NormalizeVisibility(a.HiddenWidgetIDs)
}

type StoreOptions struct {
	Backend KVBackend
	// LegacyLayoutFile points at the pre-scoped flat file (scope → layout).
	// Migrated once; never deleted, and a re-run is a no-op once scoped
	// records exist.
	LegacyLayoutFile string
	Logger           Logger
	Clock            func() time.Time
}

// Store is the single writer-of-record per scope. Read-merge-write for one
// scope is a critical section, so near-simultaneous mutations never silently
// overwrite each other: the second always merges against the result of the
// first.
type Store struct {
	backend KVBackend
	logger  Logger
	clock   func() time.Time

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

func NewStore(opts StoreOptions) (*Store, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryKVBackend()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Store{
		backend:    backend,
		logger:     opts.Logger,
		clock:      clock,
		scopeLocks: map[string]*sync.Mutex{},
	}
	if err := s.migrateLegacy(context.Background(), opts.LegacyLayoutFile); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func scopeKey(scope string) string {
	return KeyPrefix + scope
}

func validScope(scope string) bool {
	scope = strings.TrimSpace(scope)
	return scope != "" && !strings.ContainsAny(scope, "/ \t\n")
}

func (s *Store) scopeLock(scope string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.scopeLocks[scope]
	if !ok {
		lock = &sync.Mutex{}
		s.scopeLocks[scope] = lock
	}
	return lock
}

// readScopeLocked deserializes the scope record. Any validation failure
// (schema mismatch, malformed JSON) is logged and yields the empty
// arrangement; the next write rebuilds the record at the current version.
func (s *Store) readScopeLocked(ctx context.Context, scope string) Arrangement {
	data, err := s.backend.Get(ctx, scopeKey(scope))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logf("read scope %s failed: %v", scope, err)
		}
		return emptyArrangement()
	}
	var record VersionedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logf("discarding malformed record for scope %s: %v", scope, err)
		return emptyArrangement()
	}
	if record.SchemaVersion != CurrentSchemaVersion {
		s.logf("discarding scope %s record with schema version %d (want %d)", scope, record.SchemaVersion, CurrentSchemaVersion)
		return emptyArrangement()
	}
	out := record.Payload
	if out.Layout == nil {
		out.Layout = arrangement.Layout{}
	}
	if out.HiddenWidgetIDs == nil {
		out.HiddenWidgetIDs = []string{}
	}
	if out.Sizes == nil {
		out.Sizes = arrangement.Sizes{}
	}
	return out
}

func (s *Store) writeScopeLocked(ctx context.Context, scope string, payload Arrangement) error {
	record := VersionedRecord{SchemaVersion: CurrentSchemaVersion, Payload: payload}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, scopeKey(scope), data)
}

// GetArrangement returns the current scope state, empty if nothing stored.
func (s *Store) GetArrangement(ctx context.Context, scope string) (Arrangement, error) {
	if !validScope(scope) {
		return Arrangement{}, ErrInvalidInput
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()
	return s.readScopeLocked(ctx, scope), nil
}

// ApplyLayoutUpdate merges a container patch (or full replacement) into the
// scope and returns the resulting state. updatedAt <= 0 stamps the current
// time.
func (s *Store) ApplyLayoutUpdate(ctx context.Context, scope string, updates arrangement.Layout, fullReplacement bool, updatedAt int64) (Arrangement, error) {
	if !validScope(scope) {
		return Arrangement{}, ErrInvalidInput
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	current := s.readScopeLocked(ctx, scope)
	current.Layout = arrangement.MergeLayout(current.Layout, updates, fullReplacement)
	if updatedAt <= 0 {
		updatedAt = s.clock().UnixMilli()
	}
	current.UpdatedAt = updatedAt
	hidden := arrangement.EnforceVisibleLimit(current.Layout, current.hidden(), arrangement.MaxVisibleWidgets)
	current.HiddenWidgetIDs = hidden.Sorted()
	if err := s.writeScopeLocked(ctx, scope, current); err != nil {
		return Arrangement{}, err
	}
	return current, nil
}

// ApplyVisibilityReplace replaces the hidden set wholesale.
func (s *Store) ApplyVisibilityReplace(ctx context.Context, scope string, hiddenWidgetIDs []string) (Arrangement, error) {
	if !validScope(scope) {
		return Arrangement{}, ErrInvalidInput
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	current := s.readScopeLocked(ctx, scope)
	hidden := arrangement.NormalizeVisibility(hiddenWidgetIDs)
	hidden = arrangement.EnforceVisibleLimit(current.Layout, hidden, arrangement.MaxVisibleWidgets)
	current.HiddenWidgetIDs = hidden.Sorted()
	if err := s.writeScopeLocked(ctx, scope, current); err != nil {
		return Arrangement{}, err
	}
	return current, nil
}

// ApplyVisibilityToggle hides or unhides one widget. Unhiding past the
// visible maximum returns ErrVisibleLimit with the state unchanged.
func (s *Store) ApplyVisibilityToggle(ctx context.Context, scope, widgetID string, hide bool) (Arrangement, error) {
	if !validScope(scope) || strings.TrimSpace(widgetID) == "" {
		return Arrangement{}, ErrInvalidInput
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	current := s.readScopeLocked(ctx, scope)
	hidden, ok := arrangement.ApplyToggle(current.Layout, current.hidden(), widgetID, hide)
	if !ok {
		return current, ErrVisibleLimit
	}
	current.HiddenWidgetIDs = hidden.Sorted()
	if err := s.writeScopeLocked(ctx, scope, current); err != nil {
		return Arrangement{}, err
	}
	return current, nil
}

// ApplySizeUpdate merges widget size assignments; malformed sizes normalize
// to medium.
func (s *Store) ApplySizeUpdate(ctx context.Context, scope string, sizes map[string]string) (Arrangement, error) {
	if !validScope(scope) {
		return Arrangement{}, ErrInvalidInput
	}
	lock := s.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	current := s.readScopeLocked(ctx, scope)
	merged := current.Sizes.Clone()
	for id, size := range arrangement.NormalizeSizes(sizes) {
		merged[id] = size
	}
	current.Sizes = merged
	if err := s.writeScopeLocked(ctx, scope, current); err != nil {
		return Arrangement{}, err
	}
	return current, nil
}

// ListScopes returns every scope ID with a stored record.
func (s *Store) ListScopes(ctx context.Context) ([]string, error) {
	records, err := s.backend.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	scopes := make([]string, 0, len(records))
	for key := range records {
		scopes = append(scopes, strings.TrimPrefix(key, KeyPrefix))
	}
	return scopes, nil
}

// migrateLegacy performs the one-time migration from the pre-scoped flat
// file. Scoped records already present make it a no-op; the legacy file is
// never deleted.
func (s *Store) migrateLegacy(ctx context.Context, legacyFile string) error {
	legacyFile = strings.TrimSpace(legacyFile)
	if legacyFile == "" {
		return nil
	}
	existing, err := s.backend.List(ctx, KeyPrefix)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	data, err := os.ReadFile(legacyFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var legacy map[string]arrangement.Layout
	if err := json.Unmarshal(data, &legacy); err != nil {
		s.logf("skipping malformed legacy layout file %s: %v", legacyFile, err)
		return nil
	}
	batch := map[string][]byte{}
	for scope, layout := range legacy {
		if !validScope(scope) {
			s.logf("skipping legacy entry with invalid scope %q", scope)
			continue
		}
		payload := emptyArrangement()
		payload.Layout = arrangement.NormalizeLayout(layout)
		record := VersionedRecord{SchemaVersion: CurrentSchemaVersion, Payload: payload}
		encoded, marshalErr := json.Marshal(record)
		if marshalErr != nil {
			return marshalErr
		}
		batch[scopeKey(scope)] = encoded
	}
	if len(batch) == 0 {
		return nil
	}
	if err := s.backend.PutBatch(ctx, batch); err != nil {
		return err
	}
	s.logf("migrated %d legacy scope layouts from %s", len(batch), legacyFile)
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
