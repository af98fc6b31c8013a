// Package httpapi exposes the arrangement service over HTTP: the REST
// fallback endpoints, the websocket upgrade for the live channel, bearer
// auth, and per-caller rate limiting.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/isomorphiq/dashsync/internal/arrangement"
	"github.com/isomorphiq/dashsync/internal/arrangestore"
	"github.com/isomorphiq/dashsync/internal/livechannel"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *arrangestore.Store
	hub         *livechannel.Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *arrangestore.Store, hub *livechannel.Hub) *Server {
	return NewServerWithConfig(store, hub, ServerConfig{})
}

func NewServerWithConfig(store *arrangestore.Store, hub *livechannel.Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "scopes" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	scopeID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "arrangement" && r.Method == http.MethodGet:
		requiredScope = "arrangement:read"
		route = "arrangement"
	case len(parts) == 5 && parts[3] == "arrangement" && parts[4] == "layout" && r.Method == http.MethodPost:
		requiredScope = "arrangement:write"
		route = "layout"
	case len(parts) == 5 && parts[3] == "arrangement" && parts[4] == "visibility" && r.Method == http.MethodPost:
		requiredScope = "arrangement:write"
		route = "visibility"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "status" && r.Method == http.MethodGet:
		requiredScope = "arrangement:read"
		route = "sync_status"
	case len(parts) == 4 && parts[3] == "channel" && r.Method == http.MethodGet:
		requiredScope = "arrangement:read"
		route = "channel"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, scopeID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	// The websocket upgrade has no correlation header; everything it needs
	// travels in channel envelopes.
	if route == "channel" {
		s.handleChannel(w, r, scopeID)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := scopeID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "arrangement":
		s.handleGetArrangement(w, r, scopeID, correlationID)
	case "layout":
		s.handleLayoutUpdate(w, r, scopeID, correlationID)
	case "visibility":
		s.handleVisibilityUpdate(w, r, scopeID, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, scopeID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// bearerHeader resolves the bearer token, allowing websocket clients that
// cannot set headers to pass it as an access_token query parameter.
func bearerHeader(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

func (s *Server) handleGetArrangement(w http.ResponseWriter, r *http.Request, scopeID, correlationID string) {
	state, err := s.store.GetArrangement(r.Context(), scopeID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, arrangementResponse(scopeID, state))
}

func (s *Server) handleLayoutUpdate(w http.ResponseWriter, r *http.Request, scopeID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := livechannel.ValidateMutation(livechannel.TypeLayoutUpdate, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var payload livechannel.LayoutUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	updates := payload.Updates
	if payload.FullReplacement {
		updates = payload.Layout
	}
	state, err := s.store.ApplyLayoutUpdate(r.Context(), scopeID, updates, payload.FullReplacement, payload.UpdatedAt)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastArrangement(scopeID, livechannel.TypeLayoutState, state)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"layout":    state.Layout,
		"updatedAt": state.UpdatedAt,
	})
}

func (s *Server) handleVisibilityUpdate(w http.ResponseWriter, r *http.Request, scopeID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := livechannel.ValidateMutation(livechannel.TypeVisibilityUpdate, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var payload livechannel.VisibilityUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	var (
		state arrangestore.Arrangement
		err   error
	)
	if payload.HiddenWidgetIDs != nil {
		state, err = s.store.ApplyVisibilityReplace(r.Context(), scopeID, *payload.HiddenWidgetIDs)
	} else {
		hide := payload.Hidden != nil && *payload.Hidden
		state, err = s.store.ApplyVisibilityToggle(r.Context(), scopeID, payload.WidgetID, hide)
	}
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastArrangement(scopeID, livechannel.TypeVisibilityState, state)
	}
	hidden := state.HiddenWidgetIDs
	if hidden == nil {
		hidden = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hiddenWidgetIds": hidden,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, scopeID, correlationID string) {
	state, err := s.store.GetArrangement(r.Context(), scopeID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	liveConnections := 0
	if s.hub != nil {
		liveConnections = s.hub.ConnCount(scopeID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":           scopeID,
		"schemaVersion":   arrangestore.CurrentSchemaVersion,
		"updatedAt":       state.UpdatedAt,
		"liveConnections": liveConnections,
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, scopeID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "live channel disabled", getCorrelationID(r))
		return
	}
	conn, err := s.hub.Subscribe(r.Context(), scopeID)
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.hub.Unsubscribe(conn)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "channel closed")
	defer s.hub.Unsubscribe(conn)

	ctx := r.Context()

	// Writer: drain the hub queue onto the socket.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case env := <-conn.Outbound():
				if err := wsjson.Write(ctx, ws, env); err != nil {
					return
				}
			case <-conn.Done():
				ws.Close(websocket.StatusPolicyViolation, "slow consumer")
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader: every inbound envelope goes through the hub.
	for {
		var env livechannel.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			break
		}
		s.hub.Dispatch(ctx, conn, env)
	}
	s.hub.Unsubscribe(conn)
	<-writeDone
	ws.Close(websocket.StatusNormalClosure, "")
}

func arrangementResponse(scopeID string, state arrangestore.Arrangement) map[string]any {
	layout := state.Layout
	if layout == nil {
		layout = map[string][]string{}
	}
	hidden := state.HiddenWidgetIDs
	if hidden == nil {
		hidden = []string{}
	}
	sizes := state.Sizes
	if sizes == nil {
		sizes = arrangement.Sizes{}
	}
	return map[string]any{
		"scope":           scopeID,
		"layout":          layout,
		"hiddenWidgetIds": hidden,
		"sizes":           sizes,
		"updatedAt":       state.UpdatedAt,
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, arrangestore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid scope or payload", correlationID)
	case errors.Is(err, arrangestore.ErrVisibleLimit):
		writeError(w, http.StatusConflict, "visible_limit", "visible widget limit reached", correlationID)
	case errors.Is(err, arrangestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "arrangement not found", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "operation failed", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
