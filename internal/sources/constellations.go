package sources

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// masteryNode is the node segment used for mastery bonus consumer ids.
const masteryNode = "mastery"

// ConstellationCatalog is the lookup surface the constellation adapter needs.
type ConstellationCatalog interface {
	Constellation(id string) (catalog.ConstellationDef, bool)
}

// DeallocationResult reports the nodes removed alongside the requested one,
// formatted as constellation:node.
type DeallocationResult struct {
	Result
	CascadedNodes []string `json:"cascadedNodes,omitempty"`
}

// Constellations tracks allocated node levels across any number of
// constellations.
type Constellations struct {
	tracked
	catalog    ConstellationCatalog
	converters *converter.Registry
	allocated  map[string]map[string]int
}

// NewConstellations constructs the constellation adapter.
func NewConstellations(cat ConstellationCatalog, converters *converter.Registry, opts ...Option) *Constellations {
	c := &Constellations{catalog: cat, converters: converters, allocated: make(map[string]map[string]int)}
	c.init(NameConstellations, opts)
	return c
}

// Allocate sets nodeID to level. The parent must be allocated and the
// constellation's devotion requirements must be met by the other allocated
// constellations.
func (c *Constellations) Allocate(constellationID, nodeID string, level int) Result {
	return mutate(&c.tracked, &c.allocated, func(allocated *map[string]map[string]int) error {
		def, node, err := c.lookup(constellationID, nodeID)
		if err != nil {
			return err
		}
		if level < 1 || level > node.Levels() {
			return reason(ReasonInvalidLevel, strconv.Itoa(level))
		}
		if node.Parent != "" {
			if _, ok := (*allocated)[constellationID][node.Parent]; !ok {
				return reason(ReasonParentMissing, node.Parent)
			}
		}
		if !requirementsMet(def, c.devotionTotals(*allocated, constellationID)) {
			return reason(ReasonRequirementsUnmet, constellationID)
		}
		if (*allocated)[constellationID] == nil {
			(*allocated)[constellationID] = make(map[string]int)
		}
		(*allocated)[constellationID][nodeID] = level
		return nil
	}, cloneNested[string, string, int], equalNested[string, string, int])
}

// Deallocate removes nodeID and cascades. Descendants of the node go first;
// then devotion totals are recomputed without them and every constellation
// whose requirements are no longer met is cleared, until nothing changes.
func (c *Constellations) Deallocate(constellationID, nodeID string) DeallocationResult {
	var cascaded []string
	res := mutate(&c.tracked, &c.allocated, func(allocated *map[string]map[string]int) error {
		cascaded = nil
		if _, _, err := c.lookup(constellationID, nodeID); err != nil {
			return err
		}
		if _, ok := (*allocated)[constellationID][nodeID]; !ok {
			return reason(ReasonNotAllocated, nodeID)
		}
		cascaded = c.cascade(*allocated, constellationID, nodeID)
		return nil
	}, cloneNested[string, string, int], equalNested[string, string, int])
	if !res.Success {
		return DeallocationResult{Result: res}
	}
	return DeallocationResult{Result: res, CascadedNodes: cascaded}
}

// Allocated returns a copy of the allocated node levels.
func (c *Constellations) Allocated() map[string]map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneNested(c.allocated)
}

// DevotionTotals sums the devotion granted by every allocated node.
func (c *Constellations) DevotionTotals() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devotionTotals(c.allocated, "")
}

// Hash joins sorted constellation:node:level tuples.
func (c *Constellations) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var parts []string
	for _, id := range slices.Sorted(maps.Keys(c.allocated)) {
		nodes := c.allocated[id]
		for _, node := range slices.Sorted(maps.Keys(nodes)) {
			parts = append(parts, id+":"+node+":"+strconv.Itoa(nodes[node]))
		}
	}
	return strings.Join(parts, "|")
}

// BuildTrackedState converts node affixes scaled by level, plus mastery
// bonuses of fully allocated constellations whose requirements hold.
func (c *Constellations) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	if c.catalog == nil {
		return state
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range slices.Sorted(maps.Keys(c.allocated)) {
		def, ok := c.catalog.Constellation(id)
		if !ok {
			c.anomaly(anomalyUnknownDefinition, id, "allocated constellation missing from catalog")
			continue
		}
		label := def.Name
		if label == "" {
			label = def.ID
		}
		nodes := c.allocated[id]
		complete := true
		for _, node := range def.Nodes {
			level, ok := nodes[node.ID]
			if !ok {
				complete = false
				continue
			}
			if level < node.Levels() {
				complete = false
			}
			for i, effect := range node.Affixes {
				c.convert(&state, effect, converter.Context{
					ConsumerID: stats.ConstellationConsumerID(def.ID, node.ID, i),
					Source:     label,
					Scale:      float64(level),
					Meta:       stats.Meta{"node": node.ID, "level": level},
				})
			}
		}
		if !complete || !requirementsMet(def, c.devotionTotals(c.allocated, id)) {
			continue
		}
		for i, effect := range def.Mastery {
			c.convert(&state, effect, converter.Context{
				ConsumerID: stats.ConstellationConsumerID(def.ID, masteryNode, i),
				Source:     label,
				Meta:       stats.Meta{"mastery": true},
			})
		}
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (c *Constellations) Delta() stats.Delta {
	return c.delta(c.BuildTrackedState())
}

func (c *Constellations) convert(state *stats.TrackedState, effect converter.Effect, ctx converter.Context) {
	out, ok := c.converters.Convert(effect, ctx)
	if !ok {
		c.anomaly(anomalyUnknownEffect, effect.Type, ctx.ConsumerID+" skipped")
		return
	}
	out.ApplyTo(state)
}

func (c *Constellations) lookup(constellationID, nodeID string) (catalog.ConstellationDef, catalog.ConstellationNode, error) {
	if c.catalog == nil {
		return catalog.ConstellationDef{}, catalog.ConstellationNode{}, reason(ReasonUnknownDefinition, constellationID)
	}
	def, ok := c.catalog.Constellation(constellationID)
	if !ok {
		return catalog.ConstellationDef{}, catalog.ConstellationNode{}, reason(ReasonUnknownDefinition, constellationID)
	}
	node, ok := def.Node(nodeID)
	if !ok {
		return def, catalog.ConstellationNode{}, reason(ReasonUnknownNode, nodeID)
	}
	return def, node, nil
}

// cascade removes nodeID, its descendants and any constellation orphaned by
// the resulting devotion totals. It returns every removed node except nodeID.
func (c *Constellations) cascade(allocated map[string]map[string]int, constellationID, nodeID string) []string {
	var removed []string
	def, _ := c.catalog.Constellation(constellationID)
	for _, child := range descendants(def, nodeID) {
		if _, ok := allocated[constellationID][child]; ok {
			delete(allocated[constellationID], child)
			removed = append(removed, constellationID+":"+child)
		}
	}
	delete(allocated[constellationID], nodeID)
	if len(allocated[constellationID]) == 0 {
		delete(allocated, constellationID)
	}

	for changed := true; changed; {
		changed = false
		for _, id := range slices.Sorted(maps.Keys(allocated)) {
			other, ok := c.catalog.Constellation(id)
			if !ok || requirementsMet(other, c.devotionTotals(allocated, id)) {
				continue
			}
			for _, node := range slices.Sorted(maps.Keys(allocated[id])) {
				removed = append(removed, id+":"+node)
			}
			delete(allocated, id)
			changed = true
		}
	}
	return removed
}

// devotionTotals sums devotion over allocated nodes, skipping the excluded
// constellation.
func (c *Constellations) devotionTotals(allocated map[string]map[string]int, exclude string) map[string]int {
	totals := make(map[string]int)
	if c.catalog == nil {
		return totals
	}
	for id, nodes := range allocated {
		if id == exclude {
			continue
		}
		def, ok := c.catalog.Constellation(id)
		if !ok {
			continue
		}
		for nodeID := range nodes {
			node, ok := def.Node(nodeID)
			if !ok {
				continue
			}
			for category, points := range node.Devotion {
				totals[category] += points
			}
		}
	}
	return totals
}

func requirementsMet(def catalog.ConstellationDef, totals map[string]int) bool {
	for category, needed := range def.Requirements {
		if totals[category] < needed {
			return false
		}
	}
	return true
}

// descendants lists every node below nodeID in definition order.
func descendants(def catalog.ConstellationDef, nodeID string) []string {
	below := map[string]struct{}{nodeID: {}}
	var out []string
	for grew := true; grew; {
		grew = false
		for _, node := range def.Nodes {
			if _, done := below[node.ID]; done || node.Parent == "" {
				continue
			}
			if _, ok := below[node.Parent]; ok {
				below[node.ID] = struct{}{}
				out = append(out, node.ID)
				grew = true
			}
		}
	}
	return out
}
