package stats

import "sort"

// BroadcastRemoval retracts the listed broadcast instances sharing a suffix pair.
type BroadcastRemoval struct {
	FlagSuffix  string   `json:"flag_suffix"`
	StatSuffix  string   `json:"stat_suffix"`
	ConsumerIDs []string `json:"consumer_ids"`
}

// Delta is the add/remove instruction set that moves a consumer from one
// tracked state to another.
type Delta struct {
	Stats            map[string][]Mod    `json:"stats"`
	RemoveStats      map[string][]string `json:"removeStats"`
	Flags            map[string][]Flag   `json:"flags"`
	RemoveFlags      []string            `json:"removeFlags"`
	Broadcasts       []Broadcast         `json:"broadcasts"`
	RemoveBroadcasts []BroadcastRemoval  `json:"removeBroadcasts"`
	HasChanges       bool                `json:"hasChanges"`
}

// NewDelta returns an empty delta with initialised maps.
func NewDelta() Delta {
	return Delta{
		Stats:       make(map[string][]Mod),
		RemoveStats: make(map[string][]string),
		Flags:       make(map[string][]Flag),
	}
}

// Counts summarises the size of a delta for logging.
type Counts struct {
	AddedMods         int `json:"addedMods"`
	RemovedMods       int `json:"removedMods"`
	AddedFlags        int `json:"addedFlags"`
	RemovedFlags      int `json:"removedFlags"`
	AddedBroadcasts   int `json:"addedBroadcasts"`
	RemovedBroadcasts int `json:"removedBroadcasts"`
}

// Counts returns the number of entries in each section of the delta.
func (d Delta) Counts() Counts {
	var c Counts
	for _, mods := range d.Stats {
		c.AddedMods += len(mods)
	}
	for _, ids := range d.RemoveStats {
		c.RemovedMods += len(ids)
	}
	for _, flags := range d.Flags {
		c.AddedFlags += len(flags)
	}
	c.RemovedFlags = len(d.RemoveFlags)
	c.AddedBroadcasts = len(d.Broadcasts)
	for _, group := range d.RemoveBroadcasts {
		c.RemovedBroadcasts += len(group.ConsumerIDs)
	}
	return c
}

// Merge combines per-source deltas into one payload. Additions for a shared
// key are appended, never overwritten; removals are unioned.
func Merge(deltas ...Delta) Delta {
	merged := NewDelta()
	groups := newRemovalGroups()
	removedFlags := make(map[string]struct{})
	removedStats := make(map[string]map[string]struct{})

	for _, d := range deltas {
		if d.HasChanges {
			merged.HasChanges = true
		}
		for _, stat := range sortedKeys(d.Stats) {
			merged.Stats[stat] = append(merged.Stats[stat], cloneMods(d.Stats[stat])...)
		}
		for _, stat := range sortedKeys(d.RemoveStats) {
			seen := removedStats[stat]
			if seen == nil {
				seen = make(map[string]struct{})
				removedStats[stat] = seen
			}
			for _, id := range d.RemoveStats[stat] {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				merged.RemoveStats[stat] = append(merged.RemoveStats[stat], id)
			}
		}
		for _, name := range sortedKeys(d.Flags) {
			merged.Flags[name] = append(merged.Flags[name], cloneFlags(d.Flags[name])...)
		}
		for _, name := range d.RemoveFlags {
			if _, dup := removedFlags[name]; dup {
				continue
			}
			removedFlags[name] = struct{}{}
			merged.RemoveFlags = append(merged.RemoveFlags, name)
		}
		merged.Broadcasts = append(merged.Broadcasts, cloneBroadcasts(d.Broadcasts)...)
		for _, group := range d.RemoveBroadcasts {
			for _, id := range group.ConsumerIDs {
				groups.add(group.FlagSuffix, group.StatSuffix, id)
			}
		}
	}

	merged.RemoveBroadcasts = groups.list()
	return merged
}

// Apply reconstructs the state a consumer holds after receiving d on top of
// prev. Removals are applied before additions.
func Apply(prev TrackedState, d Delta) TrackedState {
	next := prev.Clone()

	for stat, ids := range d.RemoveStats {
		drop := toSet(ids)
		kept := next.Mods[stat][:0]
		for _, mod := range next.Mods[stat] {
			if _, ok := drop[mod.ConsumerID]; !ok {
				kept = append(kept, mod)
			}
		}
		if len(kept) == 0 {
			delete(next.Mods, stat)
			continue
		}
		next.Mods[stat] = kept
	}
	for stat, mods := range d.Stats {
		next.Mods[stat] = append(next.Mods[stat], cloneMods(mods)...)
	}

	for _, name := range d.RemoveFlags {
		delete(next.Flags, name)
	}
	for name, flags := range d.Flags {
		next.Flags[name] = cloneFlags(flags)
	}

	retract := make(map[string]struct{})
	for _, group := range d.RemoveBroadcasts {
		for _, id := range group.ConsumerIDs {
			retract[Broadcast{ConsumerID: id, FlagSuffix: group.FlagSuffix, StatSuffix: group.StatSuffix}.Key()] = struct{}{}
		}
	}
	kept := next.Broadcasts[:0]
	for _, b := range next.Broadcasts {
		if _, ok := retract[b.Key()]; !ok {
			kept = append(kept, b)
		}
	}
	next.Broadcasts = append(kept, cloneBroadcasts(d.Broadcasts)...)
	if len(next.Broadcasts) == 0 {
		next.Broadcasts = nil
	}
	return next
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

type suffixPair struct {
	flag string
	stat string
}

// removalGroups collects broadcast retractions by suffix pair.
type removalGroups struct {
	order  []suffixPair
	ids    map[suffixPair][]string
	unique map[suffixPair]map[string]struct{}
}

func newRemovalGroups() *removalGroups {
	return &removalGroups{
		ids:    make(map[suffixPair][]string),
		unique: make(map[suffixPair]map[string]struct{}),
	}
}

func (g *removalGroups) add(flagSuffix, statSuffix, consumerID string) {
	key := suffixPair{flag: flagSuffix, stat: statSuffix}
	seen, ok := g.unique[key]
	if !ok {
		seen = make(map[string]struct{})
		g.unique[key] = seen
		g.order = append(g.order, key)
	}
	if _, dup := seen[consumerID]; dup {
		return
	}
	seen[consumerID] = struct{}{}
	g.ids[key] = append(g.ids[key], consumerID)
}

func (g *removalGroups) list() []BroadcastRemoval {
	if len(g.order) == 0 {
		return nil
	}
	keys := append([]suffixPair(nil), g.order...)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].flag != keys[j].flag {
			return keys[i].flag < keys[j].flag
		}
		return keys[i].stat < keys[j].stat
	})
	out := make([]BroadcastRemoval, 0, len(keys))
	for _, key := range keys {
		ids := append([]string(nil), g.ids[key]...)
		sort.Strings(ids)
		out = append(out, BroadcastRemoval{FlagSuffix: key.flag, StatSuffix: key.stat, ConsumerIDs: ids})
	}
	return out
}
