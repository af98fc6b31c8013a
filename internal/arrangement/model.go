// Package arrangement holds the pure data model for a dashboard widget
// arrangement: which widgets live in which container and in what order,
// which widgets are hidden, and the display size of each widget. Nothing
// in this package performs I/O; every inbound payload in the system is
// normalized or merged here before it is persisted or broadcast.
package arrangement

import (
	"sort"
	"strings"
)

type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

// MaxVisibleWidgets caps how many widgets may be visible at once. Unhiding
// past the cap is rejected; normalization evicts overflow into the hidden set.
const MaxVisibleWidgets = 20

// ContainerPriority is the fixed scan order used when deduplicating widget
// IDs across containers: a widget claimed by an earlier container wins.
// Containers not listed here are scanned afterwards in sorted order.
var ContainerPriority = []string{"primary", "secondary", "sidebar", "footer"}

// Layout maps container ID to the ordered widget IDs it holds. A normalized
// layout never places the same widget ID in two containers.
type Layout map[string][]string

// Visibility is the set of hidden widget IDs.
type Visibility map[string]struct{}

// Sizes maps widget ID to its display size.
type Sizes map[string]Size

// Meta carries the provenance of a layout. UpdatedAt is a unix-millisecond
// timestamp; zero means no authoritative ordering is known yet and the
// reconciler falls back to structural merging instead of wall-clock compare.
type Meta struct {
	UpdatedAt int64 `json:"updatedAt"`
}

func (l Layout) Clone() Layout {
	if l == nil {
		return Layout{}
	}
	out := make(Layout, len(l))
	for container, widgets := range l {
		out[container] = append(make([]string, 0, len(widgets)), widgets...)
	}
	return out
}

// Equal reports whether two layouts hold the same containers with the same
// widget order.
func (l Layout) Equal(other Layout) bool {
	if len(l) != len(other) {
		return false
	}
	for container, widgets := range l {
		otherWidgets, ok := other[container]
		if !ok || len(widgets) != len(otherWidgets) {
			return false
		}
		for i := range widgets {
			if widgets[i] != otherWidgets[i] {
				return false
			}
		}
	}
	return true
}

// WidgetIDs returns every widget ID in the layout, in container priority
// order then per-container order.
func (l Layout) WidgetIDs() []string {
	ids := make([]string, 0)
	for _, container := range containerScanOrder(l) {
		ids = append(ids, l[container]...)
	}
	return ids
}

// NormalizeLayout drops empty widget IDs, deduplicates within and across
// containers (first occurrence wins, scanning containers in priority order
// then the rest sorted) and preserves per-container order. Containers left
// empty are dropped. Idempotent.
func NormalizeLayout(raw Layout) Layout {
	out := Layout{}
	seen := map[string]struct{}{}
	for _, container := range containerScanOrder(raw) {
		if strings.TrimSpace(container) == "" {
			continue
		}
		widgets := make([]string, 0, len(raw[container]))
		for _, id := range raw[container] {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			widgets = append(widgets, id)
		}
		if len(widgets) > 0 {
			out[container] = widgets
		}
	}
	return out
}

// MergeLayout merges updates into current. With replace, the result is simply
// the normalized updates. Otherwise containers named in updates fully replace
// their entry in current (container-level precedence, not item-level) and the
// whole result is renormalized so a widget moved into a new container is
// removed from its old one.
func MergeLayout(current, updates Layout, replace bool) Layout {
	if replace {
		return NormalizeLayout(updates)
	}
	merged := Layout{}
	for container, widgets := range current {
		merged[container] = append([]string(nil), widgets...)
	}
	for container, widgets := range updates {
		merged[container] = append([]string(nil), widgets...)
	}
	// Re-dedupe with updated containers taking precedence over carried-over
	// ones so a moved widget leaves its old container.
	seen := map[string]struct{}{}
	for _, container := range containerScanOrder(merged) {
		if _, updated := updates[container]; !updated {
			continue
		}
		for _, id := range merged[container] {
			id = strings.TrimSpace(id)
			if id != "" {
				seen[id] = struct{}{}
			}
		}
	}
	out := Layout{}
	claimed := map[string]struct{}{}
	for _, container := range containerScanOrder(merged) {
		_, updated := updates[container]
		widgets := make([]string, 0, len(merged[container]))
		for _, id := range merged[container] {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := claimed[id]; dup {
				continue
			}
			if !updated {
				if _, moved := seen[id]; moved {
					continue
				}
			}
			claimed[id] = struct{}{}
			widgets = append(widgets, id)
		}
		if len(widgets) > 0 {
			out[container] = widgets
		}
	}
	return out
}

// NormalizeVisibility builds a hidden set from raw IDs, dropping empties.
func NormalizeVisibility(ids []string) Visibility {
	out := Visibility{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

func (v Visibility) Clone() Visibility {
	out := make(Visibility, len(v))
	for id := range v {
		out[id] = struct{}{}
	}
	return out
}

func (v Visibility) Has(id string) bool {
	_, ok := v[id]
	return ok
}

// Sorted returns the hidden widget IDs in lexical order, for serialization.
func (v Visibility) Sorted() []string {
	out := make([]string, 0, len(v))
	for id := range v {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VisibleCount counts layout widgets not present in the hidden set.
func VisibleCount(layout Layout, hidden Visibility) int {
	count := 0
	for _, widgets := range layout {
		for _, id := range widgets {
			if !hidden.Has(id) {
				count++
			}
		}
	}
	return count
}

// ApplyToggle hides or unhides one widget. Unhiding is rejected (prior set
// returned, ok false) when the visible count is already at MaxVisibleWidgets.
// Hiding an already-hidden widget is a no-op that still reports ok.
func ApplyToggle(layout Layout, hidden Visibility, widgetID string, hide bool) (Visibility, bool) {
	widgetID = strings.TrimSpace(widgetID)
	if widgetID == "" {
		return hidden, false
	}
	if hide {
		out := hidden.Clone()
		out[widgetID] = struct{}{}
		return out, true
	}
	if !hidden.Has(widgetID) {
		return hidden, true
	}
	if VisibleCount(layout, hidden) >= MaxVisibleWidgets {
		return hidden, false
	}
	out := hidden.Clone()
	delete(out, widgetID)
	return out, true
}

// EnforceVisibleLimit evicts the lowest-priority visible widgets into the
// hidden set until the visible count fits within max. Priority follows the
// container scan order and per-container position, so eviction starts from
// the tail of the last container.
func EnforceVisibleLimit(layout Layout, hidden Visibility, max int) Visibility {
	if max <= 0 {
		max = MaxVisibleWidgets
	}
	overflow := VisibleCount(layout, hidden) - max
	if overflow <= 0 {
		return hidden
	}
	out := hidden.Clone()
	ordered := layout.WidgetIDs()
	for i := len(ordered) - 1; i >= 0 && overflow > 0; i-- {
		id := ordered[i]
		if out.Has(id) {
			continue
		}
		out[id] = struct{}{}
		overflow--
	}
	return out
}

// NormalizeSizes drops empty widget IDs and coerces unknown or malformed
// size values to medium.
func NormalizeSizes(raw map[string]string) Sizes {
	out := Sizes{}
	for id, value := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = NormalizeSize(value)
	}
	return out
}

func NormalizeSize(value string) Size {
	switch Size(strings.ToLower(strings.TrimSpace(value))) {
	case SizeSmall:
		return SizeSmall
	case SizeLarge:
		return SizeLarge
	default:
		return SizeMedium
	}
}

func (s Sizes) Clone() Sizes {
	out := make(Sizes, len(s))
	for id, size := range s {
		out[id] = size
	}
	return out
}

// containerScanOrder lists the layout's containers with the fixed priority
// list first and the remainder sorted.
func containerScanOrder(l Layout) []string {
	out := make([]string, 0, len(l))
	named := map[string]struct{}{}
	for _, container := range ContainerPriority {
		if _, ok := l[container]; ok {
			out = append(out, container)
			named[container] = struct{}{}
		}
	}
	rest := make([]string, 0, len(l))
	for container := range l {
		if _, ok := named[container]; !ok {
			rest = append(rest, container)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
