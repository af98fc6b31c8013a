package arrangement

import (
	"reflect"
	"testing"
)

func TestNormalizeLayoutDropsInvalidAndDeduplicates(t *testing.T) {
	raw := Layout{
		"primary": {"w1", "", "  ", "w2", "w1"},
		"sidebar": {"w2", "w3"},
	}
	got := NormalizeLayout(raw)
	want := Layout{
		"primary": {"w1", "w2"},
		"sidebar": {"w3"},
	}
	if !got.Equal(want) {
		t.Fatalf("normalized layout mismatch: got %v want %v", got, want)
	}
}

func TestNormalizeLayoutIsIdempotent(t *testing.T) {
	raw := Layout{
		"footer":  {"w4", "w4", "w5"},
		"zone-x":  {"w5", "w6", ""},
		"primary": {"w6", "w7"},
	}
	once := NormalizeLayout(raw)
	twice := NormalizeLayout(once)
	if !once.Equal(twice) {
		t.Fatalf("normalize not idempotent: %v vs %v", once, twice)
	}
}

func TestNormalizeLayoutPriorityOrderWins(t *testing.T) {
	// "primary" scans before "sidebar" and before unlisted containers, so it
	// claims the duplicate.
	raw := Layout{
		"zone-a":  {"w1"},
		"sidebar": {"w1"},
		"primary": {"w1"},
	}
	got := NormalizeLayout(raw)
	if len(got) != 1 || len(got["primary"]) != 1 || got["primary"][0] != "w1" {
		t.Fatalf("expected primary to claim w1, got %v", got)
	}
}

func TestMergeLayoutReplace(t *testing.T) {
	current := Layout{"primary": {"w1"}}
	updates := Layout{"sidebar": {"w2", "w2", ""}}
	got := MergeLayout(current, updates, true)
	want := Layout{"sidebar": {"w2"}}
	if !got.Equal(want) {
		t.Fatalf("full replacement mismatch: got %v want %v", got, want)
	}
}

func TestMergeLayoutContainerLevelPrecedence(t *testing.T) {
	current := Layout{
		"primary": {"w1", "w2"},
		"sidebar": {"w3"},
	}
	updates := Layout{"primary": {"w9"}}
	got := MergeLayout(current, updates, false)
	want := Layout{
		"primary": {"w9"},
		"sidebar": {"w3"},
	}
	if !got.Equal(want) {
		t.Fatalf("container replace mismatch: got %v want %v", got, want)
	}
}

func TestMergeLayoutMovedWidgetLeavesOldContainer(t *testing.T) {
	current := Layout{
		"primary": {"w1", "w2"},
		"sidebar": {"w3"},
	}
	updates := Layout{"sidebar": {"w1", "w3"}}
	got := MergeLayout(current, updates, false)
	want := Layout{
		"primary": {"w2"},
		"sidebar": {"w1", "w3"},
	}
	if !got.Equal(want) {
		t.Fatalf("move mismatch: got %v want %v", got, want)
	}
}

func TestMergeLayoutWidgetInAtMostOneContainer(t *testing.T) {
	current := Layout{
		"primary": {"w1", "w2"},
		"zone-a":  {"w3"},
	}
	updates := Layout{
		"zone-b": {"w2", "w3", "w4"},
	}
	got := MergeLayout(current, updates, false)
	seen := map[string]int{}
	for _, widgets := range got {
		for _, id := range widgets {
			seen[id]++
		}
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("widget %s appears %d times in %v", id, count, got)
		}
	}
}

func TestMergeLayoutEmptyUpdateClearsContainer(t *testing.T) {
	current := Layout{"primary": {"w1"}, "sidebar": {"w2"}}
	updates := Layout{"primary": {}}
	got := MergeLayout(current, updates, false)
	if _, ok := got["primary"]; ok {
		t.Fatalf("expected primary cleared, got %v", got)
	}
	if len(got["sidebar"]) != 1 {
		t.Fatalf("expected sidebar untouched, got %v", got)
	}
}

func TestNormalizeVisibilitySetSemantics(t *testing.T) {
	got := NormalizeVisibility([]string{"w3", "w3", "", "w1"})
	want := []string{"w1", "w3"}
	if !reflect.DeepEqual(got.Sorted(), want) {
		t.Fatalf("visibility mismatch: got %v want %v", got.Sorted(), want)
	}
}

func TestApplyToggleRejectsUnhideAtLimit(t *testing.T) {
	layout := Layout{}
	widgets := make([]string, 0, MaxVisibleWidgets+1)
	for i := 0; i < MaxVisibleWidgets+1; i++ {
		widgets = append(widgets, "w"+string(rune('a'+i)))
	}
	layout["primary"] = widgets
	hidden := NormalizeVisibility([]string{widgets[0]})

	// Visible count is exactly at the maximum; unhiding must be rejected.
	got, ok := ApplyToggle(layout, hidden, widgets[0], false)
	if ok {
		t.Fatalf("expected unhide to be rejected at limit")
	}
	if !got.Has(widgets[0]) {
		t.Fatalf("prior hidden state must be unchanged after rejection")
	}

	// Hide another widget first, then the unhide succeeds.
	got, ok = ApplyToggle(layout, hidden, widgets[1], true)
	if !ok {
		t.Fatalf("hide should always succeed")
	}
	got, ok = ApplyToggle(layout, got, widgets[0], false)
	if !ok || got.Has(widgets[0]) {
		t.Fatalf("expected unhide to succeed after freeing a slot, got %v (ok=%v)", got.Sorted(), ok)
	}
}

func TestApplyToggleHideIsIdempotent(t *testing.T) {
	layout := Layout{"primary": {"w1", "w3"}}
	hidden := Visibility{}
	first, ok := ApplyToggle(layout, hidden, "w3", true)
	if !ok {
		t.Fatalf("first hide failed")
	}
	second, ok := ApplyToggle(layout, first, "w3", true)
	if !ok {
		t.Fatalf("second hide failed")
	}
	if len(second.Sorted()) != 1 {
		t.Fatalf("expected w3 hidden exactly once, got %v", second.Sorted())
	}
}

func TestEnforceVisibleLimitEvictsLowestPriority(t *testing.T) {
	layout := Layout{
		"primary": {"w1", "w2"},
		"footer":  {"w3", "w4"},
	}
	hidden := EnforceVisibleLimit(layout, Visibility{}, 2)
	want := []string{"w3", "w4"}
	if !reflect.DeepEqual(hidden.Sorted(), want) {
		t.Fatalf("expected footer tail evicted, got %v", hidden.Sorted())
	}
}

func TestNormalizeSizes(t *testing.T) {
	got := NormalizeSizes(map[string]string{
		"w1": "small",
		"w2": "LARGE",
		"w3": "gigantic",
		"":   "small",
	})
	want := Sizes{"w1": SizeSmall, "w2": SizeLarge, "w3": SizeMedium}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sizes mismatch: got %v want %v", got, want)
	}
}
