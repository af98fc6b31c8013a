package session

import (
	"sort"
	"strings"

	"github.com/isomorphiq/dashsync/internal/arrangement"
)

// PendingSync is the single outbound slot of edits not yet confirmed by the
// backend. New edits merge into the slot rather than queueing behind it, so
// a flush always sends the latest self-consistent payload.
type PendingSync struct {
	HasPending      bool               `json:"hasPending"`
	Updates         arrangement.Layout `json:"updates,omitempty"`
	FullReplacement bool               `json:"fullReplacement,omitempty"`
	HiddenWidgetIDs *[]string          `json:"hiddenWidgetIds,omitempty"`
	Sizes           map[string]string  `json:"sizes,omitempty"`
	UpdatedAt       int64              `json:"updatedAt,omitempty"`
}

// AppendLayout merges a container patch into the slot. A full replacement
// supersedes previously queued patches.
func (p *PendingSync) AppendLayout(updates arrangement.Layout, fullReplacement bool, updatedAt int64) {
	patch := arrangement.NormalizeLayout(updates)
	if !fullReplacement {
		// A container the patch names but normalization emptied is an
		// explicit clear and must survive to the wire.
		for container := range updates {
			if strings.TrimSpace(container) == "" {
				continue
			}
			if _, ok := patch[container]; !ok {
				patch[container] = []string{}
			}
		}
	}
	if fullReplacement {
		p.Updates = patch
		p.FullReplacement = true
	} else if p.FullReplacement {
		// The queued payload is already a complete layout; fold the patch in.
		p.Updates = arrangement.MergeLayout(p.Updates, patch, false)
	} else {
		if p.Updates == nil {
			p.Updates = arrangement.Layout{}
		}
		for container, ids := range patch {
			p.Updates[container] = append(make([]string, 0, len(ids)), ids...)
		}
	}
	p.UpdatedAt = updatedAt
	p.HasPending = true
}

// AppendVisibility replaces the queued hidden set.
func (p *PendingSync) AppendVisibility(hiddenWidgetIDs []string) {
	hidden := arrangement.NormalizeVisibility(hiddenWidgetIDs).Sorted()
	p.HiddenWidgetIDs = &hidden
	p.HasPending = true
}

// AppendSizes merges widget size assignments into the slot.
func (p *PendingSync) AppendSizes(sizes map[string]string) {
	if len(sizes) == 0 {
		return
	}
	if p.Sizes == nil {
		p.Sizes = map[string]string{}
	}
	for id, size := range sizes {
		p.Sizes[id] = size
	}
	p.HasPending = true
}

// Snapshot returns a deep copy for a flush attempt so edits arriving while
// the request is in flight cannot alias the payload being sent.
func (p *PendingSync) Snapshot() PendingSync {
	out := PendingSync{
		HasPending:      p.HasPending,
		FullReplacement: p.FullReplacement,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.Updates != nil {
		out.Updates = p.Updates.Clone()
	}
	if p.HiddenWidgetIDs != nil {
		hidden := append([]string(nil), (*p.HiddenWidgetIDs)...)
		out.HiddenWidgetIDs = &hidden
	}
	if p.Sizes != nil {
		out.Sizes = make(map[string]string, len(p.Sizes))
		for id, size := range p.Sizes {
			out.Sizes[id] = size
		}
	}
	return out
}

// ReconcileConfirmed clears the parts of the slot that a confirmed
// round-trip exactly covered. Edits that arrived after the flush snapshot
// was taken differ from the confirmed payload and stay queued.
func (p *PendingSync) ReconcileConfirmed(confirmed PendingSync) {
	if confirmed.Updates != nil && p.Updates != nil {
		if p.FullReplacement == confirmed.FullReplacement {
			for container, ids := range confirmed.Updates {
				if stringSlicesEqual(p.Updates[container], ids) {
					delete(p.Updates, container)
				}
			}
			if len(p.Updates) == 0 {
				p.Updates = nil
				p.FullReplacement = false
			}
		}
	}
	if confirmed.HiddenWidgetIDs != nil && p.HiddenWidgetIDs != nil {
		if stringSetsEqual(*p.HiddenWidgetIDs, *confirmed.HiddenWidgetIDs) {
			p.HiddenWidgetIDs = nil
		}
	}
	if confirmed.Sizes != nil && p.Sizes != nil {
		for id, size := range confirmed.Sizes {
			if p.Sizes[id] == size {
				delete(p.Sizes, id)
			}
		}
		if len(p.Sizes) == 0 {
			p.Sizes = nil
		}
	}
	if p.Updates == nil && p.HiddenWidgetIDs == nil && p.Sizes == nil {
		p.HasPending = false
		p.UpdatedAt = 0
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSetsEqual(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return stringSlicesEqual(as, bs)
}
