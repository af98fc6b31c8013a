package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/isomorphiq/dashsync/internal/arrangement"
	"github.com/isomorphiq/dashsync/internal/arrangestore"
	"github.com/isomorphiq/dashsync/internal/livechannel"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	store, err := arrangestore.NewStore(arrangestore.StoreOptions{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	hub := livechannel.NewHub(store, nil)
	return NewServerWithConfig(store, hub, cfg)
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/scopes/env_1/arrangement",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestScopeMismatchForbidden(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_other", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/scopes/env_1/arrangement",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMissingWriteScopeForbidden(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/scopes/env_1/arrangement/layout",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
		body: map[string]any{"updates": map[string][]string{"primary": {"w1"}}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/env_1/arrangement",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLayoutRoundTrip(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read", "arrangement:write"}, time.Now().Add(time.Hour))
	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_1",
	}

	post := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/env_1/arrangement/layout",
		headers: headers,
		body: map[string]any{
			"updates":   map[string][]string{"primary": {"w1", "w2"}},
			"updatedAt": 100,
		},
	})
	if post.Code != http.StatusOK {
		t.Fatalf("expected 200 on layout update, got %d (%s)", post.Code, post.Body.String())
	}
	var posted struct {
		Layout    arrangement.Layout `json:"layout"`
		UpdatedAt int64              `json:"updatedAt"`
	}
	if err := json.NewDecoder(post.Body).Decode(&posted); err != nil {
		t.Fatalf("decode layout response: %v", err)
	}
	if !posted.Layout.Equal(arrangement.Layout{"primary": {"w1", "w2"}}) || posted.UpdatedAt != 100 {
		t.Fatalf("layout response mismatch: %+v", posted)
	}

	get := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/env_1/arrangement",
		headers: headers,
	})
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200 on snapshot, got %d", get.Code)
	}
	var snapshot struct {
		Scope           string             `json:"scope"`
		Layout          arrangement.Layout `json:"layout"`
		HiddenWidgetIDs []string           `json:"hiddenWidgetIds"`
		Sizes           map[string]string  `json:"sizes"`
		UpdatedAt       int64              `json:"updatedAt"`
	}
	if err := json.NewDecoder(get.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Scope != "env_1" || !snapshot.Layout.Equal(arrangement.Layout{"primary": {"w1", "w2"}}) {
		t.Fatalf("snapshot mismatch: %+v", snapshot)
	}
	if snapshot.HiddenWidgetIDs == nil || snapshot.Sizes == nil {
		t.Fatalf("snapshot omitted empty collections: %s", get.Body.String())
	}
}

func TestLayoutUpdateRejectsInvalidBody(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:write"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/scopes/env_1/arrangement/layout",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
		body: map[string]any{"fullReplacement": true},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload struct {
		Code          string `json:"code"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload.Code != "bad_request" || payload.CorrelationID != "corr_1" {
		t.Fatalf("error envelope mismatch: %+v", payload)
	}
}

func TestVisibilityToggleOverLimitConflicts(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read", "arrangement:write"}, time.Now().Add(time.Hour))
	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_1",
	}

	widgets := make([]string, 0, arrangement.MaxVisibleWidgets+1)
	for i := 0; i <= arrangement.MaxVisibleWidgets; i++ {
		widgets = append(widgets, "w"+string(rune('a'+i)))
	}
	post := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/env_1/arrangement/layout",
		headers: headers,
		body:    map[string]any{"updates": map[string][]string{"primary": widgets}, "updatedAt": 1},
	})
	if post.Code != http.StatusOK {
		t.Fatalf("seed layout failed: %d", post.Code)
	}

	get := doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/env_1/arrangement", headers: headers})
	var snapshot struct {
		HiddenWidgetIDs []string `json:"hiddenWidgetIds"`
	}
	if err := json.NewDecoder(get.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.HiddenWidgetIDs) != 1 {
		t.Fatalf("expected one evicted widget, got %v", snapshot.HiddenWidgetIDs)
	}

	toggle := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/env_1/arrangement/visibility",
		headers: headers,
		body:    map[string]any{"widgetId": snapshot.HiddenWidgetIDs[0], "hidden": false},
	})
	if toggle.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", toggle.Code, toggle.Body.String())
	}
}

func TestVisibilityReplace(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:write"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/scopes/env_1/arrangement/visibility",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
		body: map[string]any{"hiddenWidgetIds": []string{"w2", "w1", "w2"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload struct {
		HiddenWidgetIDs []string `json:"hiddenWidgetIds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode visibility response: %v", err)
	}
	if len(payload.HiddenWidgetIDs) != 2 {
		t.Fatalf("expected deduped hidden set, got %v", payload.HiddenWidgetIDs)
	}
}

func TestSyncStatus(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/scopes/env_1/sync/status",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status struct {
		Scope           string `json:"scope"`
		SchemaVersion   int    `json:"schemaVersion"`
		LiveConnections int    `json:"liveConnections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Scope != "env_1" || status.SchemaVersion != arrangestore.CurrentSchemaVersion {
		t.Fatalf("status mismatch: %+v", status)
	}
}

func TestRateLimit(t *testing.T) {
	server := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read"}, time.Now().Add(time.Hour))
	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_1",
	}
	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/env_1/arrangement", headers: headers})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/env_1/arrangement", headers: headers})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestChannelSnapshotAndEcho(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	token := mustTestJWT(t, "dev-secret", "env_1", "tab1", []string{"arrangement:read", "arrangement:write"}, time.Now().Add(time.Hour))
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/v1/scopes/env_1/channel?access_token=" + token

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot livechannel.Envelope
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if snapshot.Type != livechannel.TypeSnapshot {
		t.Fatalf("expected snapshot first, got %s", snapshot.Type)
	}

	update := livechannel.Envelope{
		Type: livechannel.TypeLayoutUpdate,
		Data: mustJSON(t, livechannel.LayoutUpdatePayload{
			Updates:   arrangement.Layout{"primary": {"w1"}},
			UpdatedAt: 100,
		}),
	}
	if err := wsjson.Write(ctx, conn, update); err != nil {
		t.Fatalf("write update failed: %v", err)
	}
	var echo livechannel.Envelope
	if err := wsjson.Read(ctx, conn, &echo); err != nil {
		t.Fatalf("read echo failed: %v", err)
	}
	if echo.Type != livechannel.TypeLayoutState {
		t.Fatalf("expected layout_state echo, got %s", echo.Type)
	}
	var state livechannel.LayoutStatePayload
	if err := json.Unmarshal(echo.Data, &state); err != nil {
		t.Fatalf("unmarshal echo failed: %v", err)
	}
	if !state.Layout.Equal(arrangement.Layout{"primary": {"w1"}}) || state.UpdatedAt != 100 {
		t.Fatalf("echo state mismatch: %+v", state)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, scopeID, clientName string, scopes []string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"scope_id":    scopeID,
		"client_name": clientName,
		"scopes":      scopes,
		"exp":         exp.Unix(),
		"aud":         "dashsync",
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}
