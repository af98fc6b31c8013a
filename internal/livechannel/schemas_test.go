package livechannel

import "testing"

func TestValidateMutation(t *testing.T) {
	cases := []struct {
		name    string
		msgType string
		data    string
		wantErr bool
	}{
		{name: "layout patch", msgType: TypeLayoutUpdate, data: `{"updates":{"primary":["w1"]}}`},
		{name: "layout replacement", msgType: TypeLayoutUpdate, data: `{"layout":{"primary":["w1"]},"fullReplacement":true,"updatedAt":100}`},
		{name: "layout missing both", msgType: TypeLayoutUpdate, data: `{"fullReplacement":true}`, wantErr: true},
		{name: "layout non-string widget", msgType: TypeLayoutUpdate, data: `{"updates":{"primary":[1]}}`, wantErr: true},
		{name: "layout unknown field", msgType: TypeLayoutUpdate, data: `{"updates":{},"extra":1}`, wantErr: true},
		{name: "visibility replace", msgType: TypeVisibilityUpdate, data: `{"hiddenWidgetIds":["w1","w2"]}`},
		{name: "visibility toggle", msgType: TypeVisibilityUpdate, data: `{"widgetId":"w1","hidden":true}`},
		{name: "visibility toggle without flag", msgType: TypeVisibilityUpdate, data: `{"widgetId":"w1"}`, wantErr: true},
		{name: "size single", msgType: TypeSizeUpdate, data: `{"widgetId":"w1","size":"large"}`},
		{name: "size batch", msgType: TypeSizeUpdate, data: `{"sizes":{"w1":"small"}}`},
		{name: "size missing", msgType: TypeSizeUpdate, data: `{"widgetId":"w1"}`, wantErr: true},
		{name: "empty payload", msgType: TypeLayoutUpdate, data: ``, wantErr: true},
		{name: "not json", msgType: TypeLayoutUpdate, data: `{broken`, wantErr: true},
		{name: "unvalidated type passes", msgType: TypeGetLayout, data: ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMutation(tc.msgType, []byte(tc.data))
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error for %s", tc.data)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
