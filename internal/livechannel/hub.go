package livechannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/isomorphiq/dashsync/internal/arrangement"
	"github.com/isomorphiq/dashsync/internal/arrangestore"
)

// Logger matches the standard library log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Outbound messages queued per connection before the transport writer drains
// them. A connection whose queue stays full is evicted.
const sendBufferSize = 32

// Conn is one live subscriber within a scope. The transport layer drains
// Outbound and watches Done for eviction.
type Conn struct {
	scope string
	send  chan Envelope
	done  chan struct{}
	once  sync.Once
}

// Outbound yields envelopes queued for this connection.
func (c *Conn) Outbound() <-chan Envelope { return c.send }

// Done is closed when the hub evicts the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Scope reports the scope the connection subscribed to.
func (c *Conn) Scope() string { return c.scope }

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks live connections per scope and routes channel messages through
// the store, broadcasting resulting state back to every subscriber in the
// scope. The echo to the sender doubles as the acknowledgment.
type Hub struct {
	store  *arrangestore.Store
	logger Logger

	mu     sync.Mutex
	scopes map[string]map[*Conn]struct{}
}

func NewHub(store *arrangestore.Store, logger Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger,
		scopes: map[string]map[*Conn]struct{}{},
	}
}

// Subscribe registers a connection in a scope and queues the initial snapshot.
func (h *Hub) Subscribe(ctx context.Context, scope string) (*Conn, error) {
	state, err := h.store.GetArrangement(ctx, scope)
	if err != nil {
		return nil, err
	}
	conn := &Conn{
		scope: scope,
		send:  make(chan Envelope, sendBufferSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	conns, ok := h.scopes[scope]
	if !ok {
		conns = map[*Conn]struct{}{}
		h.scopes[scope] = conns
	}
	conns[conn] = struct{}{}
	h.mu.Unlock()

	h.queue(conn, snapshotEnvelope(scope, snapshotPayload(state)))
	return conn, nil
}

// Unsubscribe removes the connection from its scope.
func (h *Hub) Unsubscribe(conn *Conn) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	if conns, ok := h.scopes[conn.scope]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.scopes, conn.scope)
		}
	}
	h.mu.Unlock()
	conn.close()
}

// ConnCount reports the number of live connections in a scope.
func (h *Hub) ConnCount(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scopes[scope])
}

// Broadcast queues an envelope on every connection in the scope. Connections
// with a full queue are evicted rather than block the others.
func (h *Hub) Broadcast(scope string, env Envelope) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.scopes[scope]))
	for conn := range h.scopes[scope] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.queue(conn, env)
	}
}

func (h *Hub) queue(conn *Conn, env Envelope) {
	select {
	case conn.send <- env:
	default:
		h.logf("livechannel: evicting slow connection in scope %s", conn.scope)
		h.Unsubscribe(conn)
	}
}

// Dispatch handles one inbound envelope from a connection. Request types get
// a direct reply; mutation types are applied through the store and broadcast
// to the whole scope. Malformed or rejected messages answer the sender with
// an error envelope and leave the connection open.
func (h *Hub) Dispatch(ctx context.Context, conn *Conn, env Envelope) {
	switch env.Type {
	case TypeGetLayout:
		h.replyState(ctx, conn, TypeLayoutState)
	case TypeGetVisibility:
		h.replyState(ctx, conn, TypeVisibilityState)
	case TypeGetSizes:
		h.replyState(ctx, conn, TypeSizeState)
	case TypeLayoutUpdate, TypeVisibilityUpdate, TypeSizeUpdate:
		h.applyMutation(ctx, conn, env)
	default:
		h.queue(conn, errorEnvelope("unknown_type", fmt.Sprintf("unsupported message type %q", env.Type)))
	}
}

func (h *Hub) replyState(ctx context.Context, conn *Conn, stateType string) {
	state, err := h.store.GetArrangement(ctx, conn.scope)
	if err != nil {
		h.queue(conn, errorEnvelope("internal_error", "failed to load arrangement"))
		return
	}
	h.queue(conn, stateEnvelope(stateType, state))
}

func (h *Hub) applyMutation(ctx context.Context, conn *Conn, env Envelope) {
	if err := ValidateMutation(env.Type, env.Data); err != nil {
		h.logf("livechannel: rejected %s in scope %s: %v", env.Type, conn.scope, err)
		h.queue(conn, errorEnvelope("invalid_payload", err.Error()))
		return
	}

	var (
		state     arrangestore.Arrangement
		stateType string
		err       error
	)
	switch env.Type {
	case TypeLayoutUpdate:
		var payload LayoutUpdatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.queue(conn, errorEnvelope("invalid_payload", err.Error()))
			return
		}
		updates := payload.Updates
		if payload.FullReplacement {
			updates = payload.Layout
		}
		state, err = h.store.ApplyLayoutUpdate(ctx, conn.scope, updates, payload.FullReplacement, payload.UpdatedAt)
		stateType = TypeLayoutState
	case TypeVisibilityUpdate:
		var payload VisibilityUpdatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.queue(conn, errorEnvelope("invalid_payload", err.Error()))
			return
		}
		if payload.HiddenWidgetIDs != nil {
			state, err = h.store.ApplyVisibilityReplace(ctx, conn.scope, *payload.HiddenWidgetIDs)
		} else {
			hide := payload.Hidden != nil && *payload.Hidden
			state, err = h.store.ApplyVisibilityToggle(ctx, conn.scope, payload.WidgetID, hide)
		}
		stateType = TypeVisibilityState
	case TypeSizeUpdate:
		var payload SizeUpdatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.queue(conn, errorEnvelope("invalid_payload", err.Error()))
			return
		}
		sizes := payload.Sizes
		if sizes == nil {
			sizes = map[string]string{payload.WidgetID: payload.Size}
		}
		state, err = h.store.ApplySizeUpdate(ctx, conn.scope, sizes)
		stateType = TypeSizeState
	}
	if err != nil {
		if errors.Is(err, arrangestore.ErrVisibleLimit) {
			h.queue(conn, errorEnvelope("visible_limit", "visible widget limit reached"))
			return
		}
		h.logf("livechannel: %s failed in scope %s: %v", env.Type, conn.scope, err)
		h.queue(conn, errorEnvelope("internal_error", "mutation failed"))
		return
	}
	h.Broadcast(conn.scope, stateEnvelope(stateType, state))
}

// BroadcastArrangement pushes the given state to every live connection in the
// scope. The HTTP fallback uses it so REST mutations reach live subscribers.
func (h *Hub) BroadcastArrangement(scope string, stateType string, state arrangestore.Arrangement) {
	h.Broadcast(scope, stateEnvelope(stateType, state))
}

func snapshotPayload(state arrangestore.Arrangement) SnapshotPayload {
	return SnapshotPayload{
		Layout:          layoutOrEmpty(state.Layout),
		HiddenWidgetIDs: hiddenOrEmpty(state.HiddenWidgetIDs),
		Sizes:           sizesOrEmpty(state.Sizes),
		UpdatedAt:       state.UpdatedAt,
	}
}

func stateEnvelope(stateType string, state arrangestore.Arrangement) Envelope {
	switch stateType {
	case TypeLayoutState:
		return mustEnvelope(TypeLayoutState, LayoutStatePayload{
			Layout:    layoutOrEmpty(state.Layout),
			UpdatedAt: state.UpdatedAt,
		})
	case TypeVisibilityState:
		return mustEnvelope(TypeVisibilityState, VisibilityStatePayload{
			HiddenWidgetIDs: hiddenOrEmpty(state.HiddenWidgetIDs),
		})
	case TypeSizeState:
		return mustEnvelope(TypeSizeState, SizeStatePayload{
			Sizes: sizesOrEmpty(state.Sizes),
		})
	default:
		return snapshotEnvelope("", snapshotPayload(state))
	}
}

func layoutOrEmpty(layout arrangement.Layout) arrangement.Layout {
	if layout == nil {
		return arrangement.Layout{}
	}
	return layout
}

func hiddenOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func sizesOrEmpty(sizes arrangement.Sizes) arrangement.Sizes {
	if sizes == nil {
		return arrangement.Sizes{}
	}
	return sizes
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
