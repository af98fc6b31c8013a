package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/isomorphiq/dashsync/internal/arrangement"
	"github.com/isomorphiq/dashsync/internal/livechannel"
)

// ErrVisibleLimit reports a rejected unhide: the backend refused because the
// scope is already at its visible widget maximum.
var ErrVisibleLimit = errors.New("visible widget limit reached")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d (%s)", e.StatusCode, e.Code)
}

// RemoteArrangement is the backend snapshot of a scope.
type RemoteArrangement struct {
	Scope           string             `json:"scope"`
	Layout          arrangement.Layout `json:"layout"`
	HiddenWidgetIDs []string           `json:"hiddenWidgetIds"`
	Sizes           map[string]string  `json:"sizes"`
	UpdatedAt       int64              `json:"updatedAt"`
}

// LayoutResult is the backend's confirmation of a layout mutation.
type LayoutResult struct {
	Layout    arrangement.Layout `json:"layout"`
	UpdatedAt int64              `json:"updatedAt"`
}

// VisibilityResult is the backend's confirmation of a visibility mutation.
type VisibilityResult struct {
	HiddenWidgetIDs []string `json:"hiddenWidgetIds"`
}

// SyncStatus is the backend's per-scope sync health report.
type SyncStatus struct {
	Scope           string `json:"scope"`
	SchemaVersion   int    `json:"schemaVersion"`
	UpdatedAt       int64  `json:"updatedAt"`
	LiveConnections int    `json:"liveConnections"`
}

// Client is the HTTP fallback transport. Transient failures (5xx, 429,
// transport errors) retry with capped exponential backoff.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) GetArrangement(ctx context.Context, scope string) (RemoteArrangement, error) {
	var out RemoteArrangement
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/scopes/%s/arrangement", url.PathEscape(scope)), nil, &out)
	return out, err
}

func (c *Client) PostLayout(ctx context.Context, scope string, payload livechannel.LayoutUpdatePayload) (LayoutResult, error) {
	var out LayoutResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/scopes/%s/arrangement/layout", url.PathEscape(scope)), payload, &out)
	return out, err
}

func (c *Client) PostVisibility(ctx context.Context, scope string, payload livechannel.VisibilityUpdatePayload) (VisibilityResult, error) {
	var out VisibilityResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/scopes/%s/arrangement/visibility", url.PathEscape(scope)), payload, &out)
	return out, err
}

func (c *Client) GetSyncStatus(ctx context.Context, scope string) (SyncStatus, error) {
	var out SyncStatus
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/scopes/%s/sync/status", url.PathEscape(scope)), nil, &out)
	return out, err
}

// ChannelURL is the websocket endpoint for the scope with the bearer token
// carried as a query parameter.
func (c *Client) ChannelURL(scope string) string {
	base := c.baseURL
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/v1/scopes/%s/channel?access_token=%s", base, url.PathEscape(scope), url.QueryEscape(c.token))
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict && errPayload.Code == "visible_limit" {
			return ErrVisibleLimit
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "tab_" + uuid.NewString()
}
