package vars

import (
	"reflect"
	"slices"
)

// Diff describes what changed between two snapshots, for consumers that
// react to config changes (UI re-render, file re-sync).
type Diff struct {
	AddedVariables   []string
	RemovedVariables []string
	ChangedVariables []string

	AddedMessages   []string
	RemovedMessages []string
	ChangedMessages []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.AddedVariables) == 0 && len(d.RemovedVariables) == 0 &&
		len(d.ChangedVariables) == 0 && len(d.AddedMessages) == 0 &&
		len(d.RemovedMessages) == 0 && len(d.ChangedMessages) == 0
}

// Compute diffs two snapshots. Either side may be nil (treated as empty).
// Variable and message lists follow the new snapshot's order; removals
// follow the old snapshot's order.
func Compute(old, new *Snapshot) Diff {
	var d Diff

	oldVars := map[string]any{}
	if old != nil {
		oldVars = old.Variables
	}
	newVars := map[string]any{}
	if new != nil {
		newVars = new.Variables
	}

	for name, newVal := range newVars {
		oldVal, ok := oldVars[name]
		switch {
		case !ok:
			d.AddedVariables = append(d.AddedVariables, name)
		case !reflect.DeepEqual(oldVal, newVal):
			d.ChangedVariables = append(d.ChangedVariables, name)
		}
	}
	for name := range oldVars {
		if _, ok := newVars[name]; !ok {
			d.RemovedVariables = append(d.RemovedVariables, name)
		}
	}
	sortStrings(d.AddedVariables)
	sortStrings(d.RemovedVariables)
	sortStrings(d.ChangedVariables)

	if new != nil {
		for _, m := range new.Messages {
			if old == nil {
				d.AddedMessages = append(d.AddedMessages, m.ID)
				continue
			}
			prev, ok := old.Message(m.ID)
			switch {
			case !ok:
				d.AddedMessages = append(d.AddedMessages, m.ID)
			case !reflect.DeepEqual(prev, m):
				d.ChangedMessages = append(d.ChangedMessages, m.ID)
			}
		}
	}
	if old != nil {
		for _, m := range old.Messages {
			if new == nil {
				d.RemovedMessages = append(d.RemovedMessages, m.ID)
				continue
			}
			if _, ok := new.Message(m.ID); !ok {
				d.RemovedMessages = append(d.RemovedMessages, m.ID)
			}
		}
	}

	return d
}

// sortStrings orders variable names deterministically; variable diffs come
// from map iteration, unlike message diffs which follow snapshot order.
func sortStrings(s []string) { slices.Sort(s) }
