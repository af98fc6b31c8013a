package arrangement

// Action describes what the reconciler decided to do with an incoming layout.
type Action string

const (
	ActionKeep    Action = "keep"
	ActionReplace Action = "replace"
	ActionMerge   Action = "merge"
)

// Resolution is the reconciler's verdict: the layout to apply, its resulting
// provenance timestamp, and which side won.
type Resolution struct {
	Layout    Layout
	UpdatedAt int64
	Action    Action
}

// Resolve implements the last-writer-wins-with-merge policy shared by every
// inbound path (live channel, HTTP response, cross-tab bus, hydration).
//
// A strictly newer positive timestamp wins outright. Equal positive
// timestamps fall back to container-level merging. A timestamped side is
// never clobbered by an untimed one: an untimed incoming may only contribute
// containers entirely absent from the timestamped current, because a record
// with no timestamp reflects a just-initialized or pre-migration state.
func Resolve(current Layout, currentMeta Meta, incoming Layout, incomingMeta Meta) Resolution {
	currentTimed := currentMeta.UpdatedAt > 0
	incomingTimed := incomingMeta.UpdatedAt > 0

	switch {
	case currentTimed && incomingTimed:
		if incomingMeta.UpdatedAt > currentMeta.UpdatedAt {
			return Resolution{
				Layout:    NormalizeLayout(incoming),
				UpdatedAt: incomingMeta.UpdatedAt,
				Action:    ActionReplace,
			}
		}
		if incomingMeta.UpdatedAt < currentMeta.UpdatedAt {
			return Resolution{
				Layout:    NormalizeLayout(current),
				UpdatedAt: currentMeta.UpdatedAt,
				Action:    ActionKeep,
			}
		}
		return Resolution{
			Layout:    MergeLayout(current, incoming, false),
			UpdatedAt: currentMeta.UpdatedAt,
			Action:    ActionMerge,
		}
	case currentTimed:
		merged := NormalizeLayout(current)
		claimed := map[string]struct{}{}
		for _, id := range merged.WidgetIDs() {
			claimed[id] = struct{}{}
		}
		adopted := false
		for container, widgets := range NormalizeLayout(incoming) {
			if _, exists := merged[container]; exists {
				continue
			}
			kept := make([]string, 0, len(widgets))
			for _, id := range widgets {
				if _, taken := claimed[id]; taken {
					continue
				}
				claimed[id] = struct{}{}
				kept = append(kept, id)
			}
			if len(kept) > 0 {
				merged[container] = kept
				adopted = true
			}
		}
		action := ActionKeep
		if adopted {
			action = ActionMerge
		}
		return Resolution{
			Layout:    merged,
			UpdatedAt: currentMeta.UpdatedAt,
			Action:    action,
		}
	case incomingTimed:
		return Resolution{
			Layout:    NormalizeLayout(incoming),
			UpdatedAt: incomingMeta.UpdatedAt,
			Action:    ActionReplace,
		}
	default:
		return Resolution{
			Layout:    MergeLayout(current, incoming, false),
			UpdatedAt: 0,
			Action:    ActionMerge,
		}
	}
}
