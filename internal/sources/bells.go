package sources

import (
	"maps"
	"slices"
	"strings"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// BellCatalog is the lookup surface the bell adapter needs.
type BellCatalog interface {
	Bell(id string) (catalog.BellDef, bool)
}

// bellState holds the active bell and the allocated nodes of every bell.
// Allocations on inactive bells are kept but contribute nothing.
type bellState struct {
	active    string
	allocated map[string]map[string]bool
}

// Bells tracks mutually exclusive bells.
type Bells struct {
	tracked
	catalog    BellCatalog
	converters *converter.Registry
	state      bellState
}

// NewBells constructs the bell adapter.
func NewBells(cat BellCatalog, converters *converter.Registry, opts ...Option) *Bells {
	b := &Bells{catalog: cat, converters: converters, state: bellState{allocated: make(map[string]map[string]bool)}}
	b.init(NameBells, opts)
	return b
}

// SetActive selects the contributing bell. An empty id deactivates all bells.
func (b *Bells) SetActive(bellID string) Result {
	return mutate(&b.tracked, &b.state, func(state *bellState) error {
		if bellID != "" {
			if _, err := b.lookup(bellID); err != nil {
				return err
			}
		}
		state.active = bellID
		return nil
	}, cloneBellState, equalBellState)
}

// Allocate allocates nodeID on bellID once all of its prerequisites are
// allocated. The bell does not need to be active.
func (b *Bells) Allocate(bellID, nodeID string) Result {
	return mutate(&b.tracked, &b.state, func(state *bellState) error {
		def, err := b.lookup(bellID)
		if err != nil {
			return err
		}
		node, ok := def.Node(nodeID)
		if !ok {
			return reason(ReasonUnknownNode, nodeID)
		}
		nodes := state.allocated[bellID]
		var missing []string
		for _, req := range node.Requires {
			if !nodes[req] {
				missing = append(missing, req)
			}
		}
		if len(missing) > 0 {
			return reason(ReasonPrerequisites, strings.Join(missing, ","))
		}
		if nodes == nil {
			nodes = make(map[string]bool)
			state.allocated[bellID] = nodes
		}
		nodes[nodeID] = true
		return nil
	}, cloneBellState, equalBellState)
}

// Deallocate removes nodeID from bellID. Removing a node another allocated
// node requires is rejected.
func (b *Bells) Deallocate(bellID, nodeID string) Result {
	return mutate(&b.tracked, &b.state, func(state *bellState) error {
		def, err := b.lookup(bellID)
		if err != nil {
			return err
		}
		nodes := state.allocated[bellID]
		if !nodes[nodeID] {
			return reason(ReasonNotAllocated, nodeID)
		}
		for _, node := range def.Nodes {
			if !nodes[node.ID] || node.ID == nodeID {
				continue
			}
			if slices.Contains(node.Requires, nodeID) {
				return reason(ReasonHasDependents, node.ID)
			}
		}
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(state.allocated, bellID)
		}
		return nil
	}, cloneBellState, equalBellState)
}

// Active returns the active bell id.
func (b *Bells) Active() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.active
}

// Allocated lists the allocated nodes of bellID in sorted order.
func (b *Bells) Allocated(bellID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.state.allocated[bellID]))
}

// Hash covers the active bell and every allocation, so allocating on an
// inactive bell changes the hash without changing the delta.
func (b *Bells) Hash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	parts := []string{"active=" + b.state.active}
	for _, id := range slices.Sorted(maps.Keys(b.state.allocated)) {
		for _, node := range slices.Sorted(maps.Keys(b.state.allocated[id])) {
			parts = append(parts, id+":"+node)
		}
	}
	return strings.Join(parts, "|")
}

// BuildTrackedState converts the affixes of the active bell's allocated nodes.
func (b *Bells) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	if b.catalog == nil {
		return state
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	active := b.state.active
	if active == "" {
		return state
	}
	def, ok := b.catalog.Bell(active)
	if !ok {
		b.anomaly(anomalyUnknownDefinition, active, "active bell missing from catalog")
		return state
	}
	label := def.Name
	if label == "" {
		label = def.ID
	}
	nodes := b.state.allocated[active]
	for _, node := range def.Nodes {
		if !nodes[node.ID] {
			continue
		}
		for i, effect := range node.Affixes {
			ctx := converter.Context{
				ConsumerID: stats.BellConsumerID(def.ID, node.ID, i),
				Source:     label,
				Meta:       stats.Meta{"node": node.ID},
			}
			out, ok := b.converters.Convert(effect, ctx)
			if !ok {
				b.anomaly(anomalyUnknownEffect, effect.Type, ctx.ConsumerID+" skipped")
				continue
			}
			out.ApplyTo(&state)
		}
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (b *Bells) Delta() stats.Delta {
	return b.delta(b.BuildTrackedState())
}

func (b *Bells) lookup(bellID string) (catalog.BellDef, error) {
	if b.catalog == nil {
		return catalog.BellDef{}, reason(ReasonUnknownDefinition, bellID)
	}
	def, ok := b.catalog.Bell(bellID)
	if !ok {
		return catalog.BellDef{}, reason(ReasonUnknownDefinition, bellID)
	}
	return def, nil
}

func cloneBellState(s bellState) bellState {
	return bellState{active: s.active, allocated: cloneNested(s.allocated)}
}

func equalBellState(a, b bellState) bool {
	return a.active == b.active && equalNested(a.allocated, b.allocated)
}

// Allocations returns the allocated nodes of every bell, sorted per bell.
func (b *Bells) Allocations() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.state.allocated))
	for bellID, nodes := range b.state.allocated {
		out[bellID] = slices.Sorted(maps.Keys(nodes))
	}
	return out
}
