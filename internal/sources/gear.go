package sources

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// GearCatalog is the lookup surface the gear adapter needs.
type GearCatalog interface {
	Gear(id string) (catalog.GearDef, bool)
	Rarity(name string) (catalog.Rarity, bool)
}

// EquippedItem is the item occupying one slot. Roll positions each modifier
// within the item's rarity range.
type EquippedItem struct {
	DefID string  `json:"defId" yaml:"def"`
	Roll  float64 `json:"roll" yaml:"roll"`
}

// Gear tracks one item per slot.
type Gear struct {
	tracked
	catalog GearCatalog
	slots   map[string]EquippedItem
}

// NewGear constructs the gear adapter.
func NewGear(cat GearCatalog, opts ...Option) *Gear {
	g := &Gear{catalog: cat, slots: make(map[string]EquippedItem)}
	g.init(NameGear, opts)
	return g
}

// Equip places defID in slot, replacing any item already there.
func (g *Gear) Equip(slot, defID string, roll float64) Result {
	return mutate(&g.tracked, &g.slots, func(slots *map[string]EquippedItem) error {
		if g.catalog == nil {
			return reason(ReasonUnknownDefinition, defID)
		}
		def, ok := g.catalog.Gear(defID)
		if !ok {
			return reason(ReasonUnknownDefinition, defID)
		}
		if !strings.EqualFold(def.Slot, slot) {
			return reason(ReasonSlotMismatch, slot)
		}
		if roll < 0 || roll > 1 {
			return reason(ReasonInvalidRoll, strconv.FormatFloat(roll, 'g', -1, 64))
		}
		(*slots)[slot] = EquippedItem{DefID: defID, Roll: roll}
		return nil
	}, cloneSlots, equalSlots)
}

// Unequip empties slot.
func (g *Gear) Unequip(slot string) Result {
	return mutate(&g.tracked, &g.slots, func(slots *map[string]EquippedItem) error {
		if _, ok := (*slots)[slot]; !ok {
			return reason(ReasonNotEquipped, slot)
		}
		delete(*slots, slot)
		return nil
	}, cloneSlots, equalSlots)
}

// Equipped returns a copy of the slot map.
func (g *Gear) Equipped() map[string]EquippedItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return maps.Clone(g.slots)
}

// Hash joins sorted slot:defId:roll tuples.
func (g *Gear) Hash() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	parts := make([]string, 0, len(g.slots))
	for _, slot := range slices.Sorted(maps.Keys(g.slots)) {
		item := g.slots[slot]
		parts = append(parts, slot+":"+item.DefID+":"+strconv.FormatFloat(item.Roll, 'g', -1, 64))
	}
	return strings.Join(parts, "|")
}

// BuildTrackedState scales every modifier of every equipped item by its roll.
func (g *Gear) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	if g.catalog == nil {
		return state
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, slot := range slices.Sorted(maps.Keys(g.slots)) {
		item := g.slots[slot]
		def, ok := g.catalog.Gear(item.DefID)
		if !ok {
			g.anomaly(anomalyUnknownDefinition, item.DefID, "equipped item missing from catalog")
			continue
		}
		low, high := 1.0, 1.0
		if def.Rarity != "" {
			if rarity, ok := g.catalog.Rarity(def.Rarity); ok {
				low, high = rarity.Min, rarity.Max
			}
		}
		multiplier := low + (high-low)*item.Roll
		for i, mod := range def.Modifiers {
			layer := stats.ParseLayer(mod.Type)
			source := def.Name
			if source == "" {
				source = def.ID
			}
			state.AddMod(stats.StatKey(mod.Stat, layer), stats.Mod{
				ConsumerID: stats.GearConsumerID(slot, def.ID, i),
				Source:     source,
				Amount:     mod.Value * multiplier,
				Layer:      layer,
				Meta:       stats.Meta{"slot": slot, "roll": item.Roll},
			})
		}
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (g *Gear) Delta() stats.Delta {
	return g.delta(g.BuildTrackedState())
}

func cloneSlots(m map[string]EquippedItem) map[string]EquippedItem {
	return maps.Clone(m)
}

func equalSlots(a, b map[string]EquippedItem) bool {
	return maps.Equal(a, b)
}
