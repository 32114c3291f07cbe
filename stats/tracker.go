package stats

import "sort"

// Tracker remembers the last state sent for one source and turns each newly
// rebuilt state into a minimal delta. A tracker is owned by exactly one
// source and is not safe for concurrent use.
type Tracker struct {
	lastState   TrackedState
	initialized bool
}

// NewTracker returns an uninitialised tracker.
func NewTracker() *Tracker {
	return &Tracker{lastState: NewTrackedState()}
}

// Reset drops the baseline so the next Delta call re-sends everything.
func (t *Tracker) Reset() {
	t.lastState = NewTrackedState()
	t.initialized = false
}

// Initialized reports whether a baseline has been committed.
func (t *Tracker) Initialized() bool {
	return t.initialized
}

// Baseline returns a copy of the last committed state.
func (t *Tracker) Baseline() TrackedState {
	return t.lastState.Clone()
}

// Delta diffs next against the baseline and advances the baseline when
// anything changed.
func (t *Tracker) Delta(next TrackedState) Delta {
	if !t.initialized {
		delta := fullDelta(next)
		t.lastState = next.Clone()
		t.initialized = true
		return delta
	}
	delta := Diff(t.lastState, next)
	if delta.HasChanges {
		t.lastState = next.Clone()
	}
	return delta
}

// fullDelta treats every contribution in state as an addition.
func fullDelta(state TrackedState) Delta {
	delta := NewDelta()
	for stat, mods := range state.Mods {
		if len(mods) == 0 {
			continue
		}
		delta.Stats[stat] = cloneMods(mods)
	}
	for name, flags := range state.Flags {
		if len(flags) == 0 {
			continue
		}
		delta.Flags[name] = cloneFlags(flags)
	}
	delta.Broadcasts = cloneBroadcasts(state.Broadcasts)
	delta.HasChanges = true
	return delta
}

// Diff computes the delta that moves a consumer from prev to next. Meta is
// ignored when comparing; amounts compare exactly.
func Diff(prev, next TrackedState) Delta {
	delta := NewDelta()
	diffMods(prev, next, &delta)
	diffFlags(prev, next, &delta)
	diffBroadcasts(prev, next, &delta)
	return delta
}

func diffMods(prev, next TrackedState, delta *Delta) {
	for _, stat := range unionKeys(prev.Mods, next.Mods) {
		prevByConsumer := make(map[string]Mod, len(prev.Mods[stat]))
		for _, mod := range prev.Mods[stat] {
			prevByConsumer[mod.ConsumerID] = mod
		}
		nextIDs := make(map[string]struct{}, len(next.Mods[stat]))
		for _, mod := range next.Mods[stat] {
			nextIDs[mod.ConsumerID] = struct{}{}
		}

		var removals []string
		for id := range prevByConsumer {
			if _, ok := nextIDs[id]; !ok {
				removals = append(removals, id)
			}
		}

		var additions []Mod
		for _, mod := range next.Mods[stat] {
			before, existed := prevByConsumer[mod.ConsumerID]
			if existed && modsEqual(before, mod) {
				continue
			}
			additions = append(additions, cloneMod(mod))
			if existed {
				removals = append(removals, mod.ConsumerID)
			}
		}

		if len(removals) > 0 {
			sort.Strings(removals)
			delta.RemoveStats[stat] = removals
			delta.HasChanges = true
		}
		if len(additions) > 0 {
			delta.Stats[stat] = additions
			delta.HasChanges = true
		}
	}
}

func diffFlags(prev, next TrackedState, delta *Delta) {
	for _, name := range unionKeys(prev.Flags, next.Flags) {
		before := prev.Flags[name]
		after := next.Flags[name]
		if len(before) > 0 && len(after) == 0 {
			delta.RemoveFlags = append(delta.RemoveFlags, name)
			delta.HasChanges = true
			continue
		}
		if len(after) == 0 {
			continue
		}
		if len(before) > 0 && flagsEqual(before[0], after[0]) {
			continue
		}
		if len(before) > 0 {
			delta.RemoveFlags = append(delta.RemoveFlags, name)
		}
		delta.Flags[name] = cloneFlags(after)
		delta.HasChanges = true
	}
}

func diffBroadcasts(prev, next TrackedState, delta *Delta) {
	prevByKey := make(map[string]Broadcast, len(prev.Broadcasts))
	for _, b := range prev.Broadcasts {
		prevByKey[b.Key()] = b
	}
	nextKeys := make(map[string]struct{}, len(next.Broadcasts))
	for _, b := range next.Broadcasts {
		nextKeys[b.Key()] = struct{}{}
	}

	groups := newRemovalGroups()
	for _, b := range prev.Broadcasts {
		if _, ok := nextKeys[b.Key()]; !ok {
			groups.add(b.FlagSuffix, b.StatSuffix, b.ConsumerID)
		}
	}
	for _, b := range next.Broadcasts {
		before, existed := prevByKey[b.Key()]
		if existed && contributionsEqual(before.Contribution, b.Contribution) {
			continue
		}
		delta.Broadcasts = append(delta.Broadcasts, cloneBroadcast(b))
		if existed {
			groups.add(b.FlagSuffix, b.StatSuffix, b.ConsumerID)
		}
	}

	if removals := groups.list(); len(removals) > 0 {
		delta.RemoveBroadcasts = removals
		delta.HasChanges = true
	}
	if len(delta.Broadcasts) > 0 {
		delta.HasChanges = true
	}
}

func modsEqual(a, b Mod) bool {
	return a.Source == b.Source &&
		a.Amount == b.Amount &&
		a.Layer == b.Layer &&
		a.Condition == b.Condition &&
		a.Calculation == b.Calculation
}

func flagsEqual(a, b Flag) bool {
	return a.Source == b.Source && a.Enabled == b.Enabled
}

func contributionsEqual(a, b Contribution) bool {
	return a.Source == b.Source &&
		a.Amount == b.Amount &&
		a.Layer == b.Layer &&
		a.Condition == b.Condition &&
		a.Calculation == b.Calculation
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range b {
		if _, ok := seen[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneMod(mod Mod) Mod {
	mod.Meta = mod.Meta.Clone()
	return mod
}

func cloneMods(mods []Mod) []Mod {
	out := make([]Mod, len(mods))
	for i, mod := range mods {
		out[i] = cloneMod(mod)
	}
	return out
}

func cloneFlags(flags []Flag) []Flag {
	out := make([]Flag, len(flags))
	for i, flag := range flags {
		flag.Meta = flag.Meta.Clone()
		out[i] = flag
	}
	return out
}

func cloneBroadcast(b Broadcast) Broadcast {
	b.Contribution.Meta = b.Contribution.Meta.Clone()
	return b
}

func cloneBroadcasts(list []Broadcast) []Broadcast {
	if len(list) == 0 {
		return nil
	}
	out := make([]Broadcast, len(list))
	for i, b := range list {
		out[i] = cloneBroadcast(b)
	}
	return out
}
