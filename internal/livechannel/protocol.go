// Package livechannel implements the realtime arrangement channel: the
// message envelope spoken over the websocket, payload validation, and the
// per-scope connection hub that fans mutations back out to every subscriber.
package livechannel

import (
	"encoding/json"

	"github.com/isomorphiq/dashsync/internal/arrangement"
)

// Envelope is the wire frame for every channel message, in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types. Requests pair with their state replies; mutation types are
// answered by a broadcast of the resulting state to the whole scope, sender
// included.
const (
	TypeSnapshot         = "snapshot"
	TypeGetLayout        = "get_layout"
	TypeLayoutState      = "layout_state"
	TypeGetVisibility    = "get_visibility"
	TypeVisibilityState  = "visibility_state"
	TypeGetSizes         = "get_sizes"
	TypeSizeState        = "size_state"
	TypeLayoutUpdate     = "layout_update"
	TypeVisibilityUpdate = "visibility_update"
	TypeSizeUpdate       = "size_update"
	TypeError            = "error"
)

// SnapshotPayload carries the full arrangement state for a scope.
type SnapshotPayload struct {
	Scope           string             `json:"scope"`
	Layout          arrangement.Layout `json:"layout"`
	HiddenWidgetIDs []string           `json:"hiddenWidgetIds"`
	Sizes           arrangement.Sizes  `json:"sizes"`
	UpdatedAt       int64              `json:"updatedAt"`
}

// LayoutStatePayload answers get_layout and broadcasts layout mutations.
type LayoutStatePayload struct {
	Layout    arrangement.Layout `json:"layout"`
	UpdatedAt int64              `json:"updatedAt"`
}

// VisibilityStatePayload answers get_visibility and broadcasts visibility
// mutations.
type VisibilityStatePayload struct {
	HiddenWidgetIDs []string `json:"hiddenWidgetIds"`
}

// SizeStatePayload answers get_sizes and broadcasts size mutations.
type SizeStatePayload struct {
	Sizes arrangement.Sizes `json:"sizes"`
}

// LayoutUpdatePayload is a layout mutation: either a container patch in
// Updates, or a full replacement in Layout with FullReplacement set. A
// container mapped to an empty list in Updates clears that container, so
// Updates always serializes even when every queued container is a clear.
type LayoutUpdatePayload struct {
	Updates         arrangement.Layout `json:"updates"`
	Layout          arrangement.Layout `json:"layout,omitempty"`
	FullReplacement bool               `json:"fullReplacement,omitempty"`
	UpdatedAt       int64              `json:"updatedAt,omitempty"`
	SourceID        string             `json:"sourceId,omitempty"`
}

// VisibilityUpdatePayload is a visibility mutation: either a wholesale
// replacement of the hidden set, or a single-widget toggle.
type VisibilityUpdatePayload struct {
	HiddenWidgetIDs *[]string `json:"hiddenWidgetIds,omitempty"`
	WidgetID        string    `json:"widgetId,omitempty"`
	Hidden          *bool     `json:"hidden,omitempty"`
	SourceID        string    `json:"sourceId,omitempty"`
}

// SizeUpdatePayload is a size mutation: either a single widget assignment or
// a batch.
type SizeUpdatePayload struct {
	WidgetID string            `json:"widgetId,omitempty"`
	Size     string            `json:"size,omitempty"`
	Sizes    map[string]string `json:"sizes,omitempty"`
	SourceID string            `json:"sourceId,omitempty"`
}

// ErrorPayload reports a rejected message back to the offending connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustEnvelope(msgType string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload structs marshal by construction.
		panic(err)
	}
	return Envelope{Type: msgType, Data: data}
}

func errorEnvelope(code, message string) Envelope {
	return mustEnvelope(TypeError, ErrorPayload{Code: code, Message: message})
}

func snapshotEnvelope(scope string, state SnapshotPayload) Envelope {
	state.Scope = scope
	return mustEnvelope(TypeSnapshot, state)
}
