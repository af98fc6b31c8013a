package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/isomorphiq/dashsync/internal/arrangement"
)

// BusMessage is one arrangement change announced to the other sessions on
// this device. SourceID lets receivers drop their own messages.
type BusMessage struct {
	Layout          arrangement.Layout `json:"layout"`
	HiddenWidgetIDs []string           `json:"hiddenWidgetIds,omitempty"`
	UpdatedAt       int64              `json:"updatedAt"`
	SourceID        string             `json:"sourceId"`
}

// Spool entries older than this are pruned on the next publish.
const busPruneAge = time.Minute

// Bus broadcasts arrangement changes between sessions on the same device
// through a shared spool directory watched with fsnotify. Each message is
// one JSON file; receivers ignore files they wrote themselves.
type Bus struct {
	dir      string
	sourceID string
	logger   Logger
	watcher  *fsnotify.Watcher
	messages chan BusMessage

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

func NewBus(dir, sourceID string, logger Logger) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	b := &Bus{
		dir:      dir,
		sourceID: sourceID,
		logger:   logger,
		watcher:  watcher,
		messages: make(chan BusMessage, 16),
		seen:     map[string]struct{}{},
	}
	go b.watch()
	return b, nil
}

// Messages yields arrangement changes published by other sessions.
func (b *Bus) Messages() <-chan BusMessage {
	return b.messages
}

// Publish writes the message into the spool for the other sessions and
// prunes stale entries.
func (b *Bus) Publish(msg BusMessage) error {
	msg.SourceID = b.sourceID
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d.json", b.sourceID, time.Now().UnixNano())
	if err := writeFileAtomic(filepath.Join(b.dir, name), data, 0o644); err != nil {
		return err
	}
	b.prune()
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.watcher.Close()
}

func (b *Bus) watch() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				close(b.messages)
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			b.consume(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				close(b.messages)
				return
			}
			b.logf("session: bus watcher error: %v", err)
		}
	}
}

func (b *Bus) consume(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return
	}
	// Own messages are cheap to drop by filename prefix, before reading.
	if strings.HasPrefix(name, b.sourceID+"-") {
		return
	}
	b.mu.Lock()
	if _, dup := b.seen[name]; dup {
		b.mu.Unlock()
		return
	}
	b.seen[name] = struct{}{}
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var msg BusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logf("session: dropping malformed bus message %s: %v", name, err)
		return
	}
	if msg.SourceID == b.sourceID {
		return
	}
	select {
	case b.messages <- msg:
	default:
		b.logf("session: bus receiver lagging, dropping message %s", name)
	}
}

func (b *Bus) prune() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-busPruneAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(b.dir, entry.Name()))
			b.mu.Lock()
			delete(b.seen, entry.Name())
			b.mu.Unlock()
		}
	}
}

func (b *Bus) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
