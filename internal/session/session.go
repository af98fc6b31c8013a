package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isomorphiq/dashsync/internal/arrangement"
	"github.com/isomorphiq/dashsync/internal/livechannel"
)

type SessionConfig struct {
	BaseURL  string
	Token    string
	Scope    string
	CacheDir string

	// BusDir enables the same-device cross-session bus when set.
	BusDir string

	HTTPClient  *http.Client
	Logger      Logger
	Debounce    time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	JitterRatio float64

	// Notify surfaces sync exhaustion to the owner (e.g. a UI banner).
	Notify func(err error)

	Clock func() time.Time
}

// Session owns a device's view of one scope's arrangement: the in-memory
// state, its durable cache, the pending-sync slot, and the transports that
// move edits to the backend and to sibling sessions. All sync state lives on
// the struct; there are no package-level registries.
type Session struct {
	cfg       SessionConfig
	sourceID  string
	client    *Client
	cache     *LocalCache
	bus       *Bus
	scheduler *Scheduler
	clock     func() time.Time

	mu       sync.Mutex
	layout   arrangement.Layout
	hidden   arrangement.Visibility
	sizes    arrangement.Sizes
	meta     arrangement.Meta
	pending  PendingSync
	inflight *PendingSync

	liveMu sync.Mutex
	live   *LiveClient
}

func NewSession(cfg SessionConfig) (*Session, error) {
	cache, err := NewLocalCache(cfg.CacheDir, cfg.Logger)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Session{
		cfg:      cfg,
		sourceID: uuid.NewString(),
		client:   NewClient(cfg.BaseURL, cfg.Token, cfg.HTTPClient),
		cache:    cache,
		clock:    clock,
		layout:   arrangement.Layout{},
		hidden:   arrangement.Visibility{},
		sizes:    arrangement.Sizes{},
	}

	// Each cache file hydrates independently; a corrupt one is rebuilt from
	// live state without blocking the others.
	if cached, ok := cache.LoadArrangement(); ok {
		s.layout = cached.Layout
		s.hidden = arrangement.NormalizeVisibility(cached.HiddenWidgetIDs)
		if cached.Sizes != nil {
			s.sizes = cached.Sizes
		}
	}
	if meta, ok := cache.LoadMeta(); ok {
		s.meta = arrangement.Meta{UpdatedAt: meta.UpdatedAt}
	}
	if pending, ok := cache.LoadPending(); ok {
		s.pending = pending
	}

	if cfg.BusDir != "" {
		bus, err := NewBus(cfg.BusDir, s.sourceID, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.bus = bus
	}

	s.scheduler = NewScheduler(SchedulerConfig{
		Debounce:    cfg.Debounce,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		JitterRatio: cfg.JitterRatio,
		Logger:      cfg.Logger,
		Notify:      cfg.Notify,
	}, s.flush)

	return s, nil
}

// SourceID identifies this session on the cross-session bus.
func (s *Session) SourceID() string { return s.sourceID }

// Layout returns a copy of the current layout.
func (s *Session) Layout() arrangement.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout.Clone()
}

// HiddenWidgetIDs returns the sorted hidden set.
func (s *Session) HiddenWidgetIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden.Sorted()
}

// Sizes returns a copy of the widget size assignments.
func (s *Session) Sizes() arrangement.Sizes {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(arrangement.Sizes, len(s.sizes))
	for id, size := range s.sizes {
		out[id] = size
	}
	return out
}

// UpdatedAt reports the provenance of the current layout, zero if unknown.
func (s *Session) UpdatedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.UpdatedAt
}

// HasPending reports whether unconfirmed edits are queued.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.HasPending
}

// UpdateLayout applies a local container edit: merge into the current
// layout, stamp provenance, persist, queue for sync, and announce on the
// bus. The sync flush itself is debounced.
func (s *Session) UpdateLayout(updates arrangement.Layout, fullReplacement bool) error {
	now := s.clock().UnixMilli()

	s.mu.Lock()
	s.layout = arrangement.MergeLayout(s.layout, updates, fullReplacement)
	s.hidden = arrangement.EnforceVisibleLimit(s.layout, s.hidden, arrangement.MaxVisibleWidgets)
	s.meta.UpdatedAt = now
	s.pending.AppendLayout(updates, fullReplacement, now)
	s.persistBestEffort()
	layout := s.layout.Clone()
	s.mu.Unlock()

	s.announce(BusMessage{Layout: layout, UpdatedAt: now})
	s.scheduler.Schedule()
	return nil
}

// ToggleWidget hides or unhides one widget. Unhiding past the visible
// maximum returns ErrVisibleLimit with nothing changed.
func (s *Session) ToggleWidget(widgetID string, hide bool) error {
	now := s.clock().UnixMilli()

	s.mu.Lock()
	hidden, ok := arrangement.ApplyToggle(s.layout, s.hidden, widgetID, hide)
	if !ok {
		s.mu.Unlock()
		return ErrVisibleLimit
	}
	s.hidden = hidden
	s.pending.AppendVisibility(hidden.Sorted())
	s.persistBestEffort()
	layout := s.layout.Clone()
	hiddenIDs := hidden.Sorted()
	s.mu.Unlock()

	s.announce(BusMessage{Layout: layout, HiddenWidgetIDs: hiddenIDs, UpdatedAt: now})
	s.scheduler.Schedule()
	return nil
}

// SetWidgetSize assigns a widget size; unknown values normalize to medium.
func (s *Session) SetWidgetSize(widgetID, size string) error {
	s.mu.Lock()
	s.sizes[widgetID] = arrangement.NormalizeSize(size)
	s.pending.AppendSizes(map[string]string{widgetID: size})
	s.persistBestEffort()
	s.mu.Unlock()
	s.scheduler.Schedule()
	return nil
}

// Sync flushes queued edits immediately, bypassing the debounce window.
func (s *Session) Sync() {
	s.scheduler.Trigger()
}

// HandleBusMessage applies an arrangement announced by a sibling session on
// this device. Conflicts resolve by provenance, same as remote state.
func (s *Session) HandleBusMessage(msg BusMessage) {
	if msg.SourceID == s.sourceID {
		return
	}
	s.applyRemote(msg.Layout, msg.UpdatedAt, false)
	if msg.HiddenWidgetIDs != nil {
		s.mu.Lock()
		if s.pending.HiddenWidgetIDs == nil {
			s.hidden = arrangement.NormalizeVisibility(msg.HiddenWidgetIDs)
			s.persistBestEffort()
		}
		s.mu.Unlock()
	}
}

// applyRemote routes an incoming layout through the reconciler against the
// local state. Returns true when the local state changed.
func (s *Session) applyRemote(incoming arrangement.Layout, updatedAt int64, announce bool) bool {
	s.mu.Lock()
	res := arrangement.Resolve(s.layout, s.meta, incoming, arrangement.Meta{UpdatedAt: updatedAt})
	changed := res.Action != arrangement.ActionKeep
	if changed {
		s.layout = res.Layout
		s.hidden = arrangement.EnforceVisibleLimit(s.layout, s.hidden, arrangement.MaxVisibleWidgets)
		s.meta.UpdatedAt = res.UpdatedAt
		s.persistBestEffort()
	}
	layout := s.layout.Clone()
	meta := s.meta
	s.mu.Unlock()

	if changed && announce {
		s.announce(BusMessage{Layout: layout, UpdatedAt: meta.UpdatedAt})
	}
	return changed
}

// applySnapshot resolves the snapshot layout by provenance; hidden and size
// state follow the layout's verdict, so a snapshot older than the local
// arrangement cannot clobber local visibility or sizes. Unconfirmed local
// edits stay on top of whatever is adopted.
func (s *Session) applySnapshot(snap livechannel.SnapshotPayload) {
	adopted := s.applyRemote(snap.Layout, snap.UpdatedAt, true)
	if !adopted {
		return
	}
	s.mu.Lock()
	if snap.HiddenWidgetIDs != nil && s.pending.HiddenWidgetIDs == nil {
		s.hidden = arrangement.NormalizeVisibility(snap.HiddenWidgetIDs)
	}
	if snap.Sizes != nil {
		s.sizes = overlayPendingSizes(snap.Sizes, s.pending.Sizes)
	}
	s.persistBestEffort()
	s.mu.Unlock()
}

// persistBestEffort writes the cache and logs a failure instead of
// propagating it. The in-memory state stays authoritative and the pending
// slot keeps the edit for the next flush. Callers hold s.mu.
func (s *Session) persistBestEffort() {
	if err := s.persistLocked(); err != nil {
		s.logf("session: cache write failed: %v", err)
	}
}

// persistLocked writes all three cache files; callers hold s.mu.
func (s *Session) persistLocked() error {
	if err := s.cache.SaveArrangement(CachedArrangement{
		Layout:          s.layout,
		HiddenWidgetIDs: s.hidden.Sorted(),
		Sizes:           s.sizes,
	}); err != nil {
		return err
	}
	if err := s.cache.SaveMeta(CachedMeta{UpdatedAt: s.meta.UpdatedAt}); err != nil {
		return err
	}
	return s.cache.SavePending(s.pending)
}

func (s *Session) announce(msg BusMessage) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(msg); err != nil {
		s.logf("session: bus publish failed: %v", err)
	}
}

// flush sends the pending slot to the backend, preferring the live channel
// (its echo is the confirmation) and falling back to HTTP. On HTTP success
// the confirmed payload is reconciled out of the slot immediately; anything
// queued mid-flight stays.
func (s *Session) flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.pending.HasPending {
		s.mu.Unlock()
		return nil
	}
	sent := s.pending.Snapshot()
	s.mu.Unlock()

	if live := s.getLive(); live != nil {
		if err := s.flushLive(ctx, live, sent); err == nil {
			return nil
		}
		// The read loop notices the broken socket; fall back to HTTP now.
		s.setLive(nil)
	}
	return s.flushHTTP(ctx, sent)
}

func (s *Session) flushLive(ctx context.Context, live *LiveClient, sent PendingSync) error {
	if sent.Updates != nil {
		env, err := mutationEnvelope(livechannel.TypeLayoutUpdate, livechannel.LayoutUpdatePayload{
			Updates:         patchUpdates(sent),
			Layout:          replacementLayout(sent),
			FullReplacement: sent.FullReplacement,
			UpdatedAt:       sent.UpdatedAt,
			SourceID:        s.sourceID,
		})
		if err != nil {
			return err
		}
		if err := live.Send(ctx, env); err != nil {
			return err
		}
	}
	if sent.HiddenWidgetIDs != nil {
		env, err := mutationEnvelope(livechannel.TypeVisibilityUpdate, livechannel.VisibilityUpdatePayload{
			HiddenWidgetIDs: sent.HiddenWidgetIDs,
			SourceID:        s.sourceID,
		})
		if err != nil {
			return err
		}
		if err := live.Send(ctx, env); err != nil {
			return err
		}
	}
	if sent.Sizes != nil {
		env, err := mutationEnvelope(livechannel.TypeSizeUpdate, livechannel.SizeUpdatePayload{
			Sizes:    sent.Sizes,
			SourceID: s.sourceID,
		})
		if err != nil {
			return err
		}
		if err := live.Send(ctx, env); err != nil {
			return err
		}
	}

	// Confirmation arrives as the echoed state broadcast.
	s.mu.Lock()
	s.inflight = &sent
	s.mu.Unlock()
	return nil
}

func (s *Session) flushHTTP(ctx context.Context, sent PendingSync) error {
	if sent.Updates != nil {
		result, err := s.client.PostLayout(ctx, s.cfg.Scope, livechannel.LayoutUpdatePayload{
			Updates:         patchUpdates(sent),
			Layout:          replacementLayout(sent),
			FullReplacement: sent.FullReplacement,
			UpdatedAt:       sent.UpdatedAt,
			SourceID:        s.sourceID,
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pending.ReconcileConfirmed(PendingSync{Updates: sent.Updates, FullReplacement: sent.FullReplacement})
		s.persistBestEffort()
		s.mu.Unlock()
		s.applyRemote(result.Layout, result.UpdatedAt, true)
	}
	if sent.HiddenWidgetIDs != nil {
		result, err := s.client.PostVisibility(ctx, s.cfg.Scope, livechannel.VisibilityUpdatePayload{
			HiddenWidgetIDs: sent.HiddenWidgetIDs,
			SourceID:        s.sourceID,
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pending.ReconcileConfirmed(PendingSync{HiddenWidgetIDs: sent.HiddenWidgetIDs})
		s.hidden = arrangement.NormalizeVisibility(result.HiddenWidgetIDs)
		s.persistBestEffort()
		s.mu.Unlock()
	}
	// Sizes have no HTTP fallback endpoint; they stay queued until the live
	// channel is back.
	return nil
}

// Run connects to the live channel and processes inbound state until the
// context ends. While the channel is down it hydrates and flushes over HTTP,
// reconnecting with capped backoff.
func (s *Session) Run(ctx context.Context) error {
	if s.bus != nil {
		go s.busLoop(ctx)
	}

	reconnectDelay := s.client.baseDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxReconnectDelay := 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		live, err := DialLive(ctx, s.client.ChannelURL(s.cfg.Scope))
		if err != nil {
			s.logf("session: live channel unavailable, using http fallback: %v", err)
			if remote, getErr := s.client.GetArrangement(ctx, s.cfg.Scope); getErr == nil {
				s.applyRemote(remote.Layout, remote.UpdatedAt, true)
			}
			s.scheduler.Trigger()
			if waitErr := waitWithContext(ctx, jitteredIntervalWithSample(reconnectDelay, s.cfg.JitterRatio, 0.5)); waitErr != nil {
				return waitErr
			}
			reconnectDelay *= 2
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
			continue
		}
		reconnectDelay = s.client.baseDelay

		s.setLive(live)
		s.scheduler.Trigger()
		s.readLoop(ctx, live)
		s.setLive(nil)
		_ = live.Close()
	}
}

// Close releases the scheduler and the bus. The in-memory state and cache
// files stay valid for the next session.
func (s *Session) Close() error {
	s.scheduler.Stop()
	if live := s.getLive(); live != nil {
		_ = live.Close()
		s.setLive(nil)
	}
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *Session) busLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.bus.Messages():
			if !ok {
				return
			}
			s.HandleBusMessage(msg)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, live *LiveClient) {
	for {
		env, err := live.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logf("session: live channel read failed: %v", err)
			}
			return
		}
		s.handleEnvelope(env)
	}
}

func (s *Session) handleEnvelope(env livechannel.Envelope) {
	switch env.Type {
	case livechannel.TypeSnapshot:
		var payload livechannel.SnapshotPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logf("session: malformed snapshot: %v", err)
			return
		}
		s.applySnapshot(payload)
	case livechannel.TypeLayoutState:
		var payload livechannel.LayoutStatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logf("session: malformed layout_state: %v", err)
			return
		}
		s.reconcileEcho(payload.UpdatedAt)
		s.applyRemote(payload.Layout, payload.UpdatedAt, true)
	case livechannel.TypeVisibilityState:
		var payload livechannel.VisibilityStatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logf("session: malformed visibility_state: %v", err)
			return
		}
		s.mu.Lock()
		if s.inflight != nil && s.inflight.HiddenWidgetIDs != nil {
			s.pending.ReconcileConfirmed(PendingSync{HiddenWidgetIDs: s.inflight.HiddenWidgetIDs})
			s.inflight.HiddenWidgetIDs = nil
		}
		// An unconfirmed local toggle outranks a broadcast; it flushes next.
		if s.pending.HiddenWidgetIDs == nil {
			s.hidden = arrangement.NormalizeVisibility(payload.HiddenWidgetIDs)
		}
		s.persistBestEffort()
		s.mu.Unlock()
	case livechannel.TypeSizeState:
		var payload livechannel.SizeStatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.logf("session: malformed size_state: %v", err)
			return
		}
		s.mu.Lock()
		if s.inflight != nil && s.inflight.Sizes != nil {
			s.pending.ReconcileConfirmed(PendingSync{Sizes: s.inflight.Sizes})
			s.inflight.Sizes = nil
		}
		if payload.Sizes != nil {
			s.sizes = overlayPendingSizes(payload.Sizes, s.pending.Sizes)
		}
		s.persistBestEffort()
		s.mu.Unlock()
	case livechannel.TypeError:
		var payload livechannel.ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		s.logf("session: channel error %s: %s", payload.Code, payload.Message)
	}
}

// reconcileEcho clears the in-flight layout payload when the echoed state
// carries its provenance stamp.
func (s *Session) reconcileEcho(updatedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil || s.inflight.Updates == nil {
		return
	}
	if s.inflight.UpdatedAt != updatedAt {
		return
	}
	s.pending.ReconcileConfirmed(PendingSync{Updates: s.inflight.Updates, FullReplacement: s.inflight.FullReplacement})
	s.inflight.Updates = nil
	if s.inflight.Updates == nil && s.inflight.HiddenWidgetIDs == nil && s.inflight.Sizes == nil {
		s.inflight = nil
	}
	s.persistBestEffort()
}

func (s *Session) getLive() *LiveClient {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.live
}

func (s *Session) setLive(live *LiveClient) {
	s.liveMu.Lock()
	s.live = live
	s.liveMu.Unlock()
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func mutationEnvelope(msgType string, payload any) (livechannel.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return livechannel.Envelope{}, err
	}
	return livechannel.Envelope{Type: msgType, Data: data}, nil
}

// patchUpdates fills the updates field of a layout mutation. The field
// always serializes as an object, so a replacement sends an empty patch
// rather than null.
func patchUpdates(sent PendingSync) arrangement.Layout {
	if sent.FullReplacement || sent.Updates == nil {
		return arrangement.Layout{}
	}
	return sent.Updates
}

func replacementLayout(sent PendingSync) arrangement.Layout {
	if sent.FullReplacement {
		return sent.Updates
	}
	return nil
}

// overlayPendingSizes puts unconfirmed local size edits back on top of an
// adopted remote size map.
func overlayPendingSizes(base arrangement.Sizes, pending map[string]string) arrangement.Sizes {
	out := base.Clone()
	for id, size := range pending {
		out[id] = arrangement.NormalizeSize(size)
	}
	return out
}
