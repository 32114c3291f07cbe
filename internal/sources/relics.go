package sources

import (
	"cmp"
	"maps"
	"slices"
	"strconv"
	"strings"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// Relic affix slots in evaluation order.
const (
	RelicSlotSpecial    = "special"
	RelicSlotPrimary    = "primary"
	RelicSlotSecondary  = "secondary"
	RelicSlotDevotion   = "devotion"
	RelicSlotCorruption = "corruption"
)

// RelicCatalog is the lookup surface the relic adapter needs.
type RelicCatalog interface {
	Relic(id string) (catalog.RelicDef, bool)
}

// RelicPlacement is one relic instance anchored at its origin cell.
type RelicPlacement struct {
	InstanceID string `json:"instanceId" yaml:"instance"`
	DefID      string `json:"defId" yaml:"def"`
	X          int    `json:"x" yaml:"x"`
	Y          int    `json:"y" yaml:"y"`
}

// occupant is stored in every cell a placement covers.
type occupant struct {
	InstanceID string
	DefID      string
	Origin     catalog.Cell
}

// Relics tracks relics placed on an inventory grid. A relic covering several
// cells is stored once per cell.
type Relics struct {
	tracked
	catalog    RelicCatalog
	converters *converter.Registry
	width      int
	height     int
	cells      map[catalog.Cell]occupant
}

// NewRelics constructs the relic adapter. Non-positive dimensions leave that
// axis unbounded.
func NewRelics(cat RelicCatalog, converters *converter.Registry, width, height int, opts ...Option) *Relics {
	r := &Relics{
		catalog:    cat,
		converters: converters,
		width:      width,
		height:     height,
		cells:      make(map[catalog.Cell]occupant),
	}
	r.init(NameRelics, opts)
	return r
}

// Place anchors instanceID at (x,y). An instance that is already placed is
// moved.
func (r *Relics) Place(instanceID, defID string, x, y int) Result {
	return mutate(&r.tracked, &r.cells, func(cells *map[catalog.Cell]occupant) error {
		if r.catalog == nil {
			return reason(ReasonUnknownDefinition, defID)
		}
		def, ok := r.catalog.Relic(defID)
		if !ok {
			return reason(ReasonUnknownDefinition, defID)
		}
		removeInstance(*cells, instanceID)
		origin := catalog.Cell{X: x, Y: y}
		for _, offset := range def.Cells() {
			cell := catalog.Cell{X: x + offset.X, Y: y + offset.Y}
			if !r.inBounds(cell) {
				return reason(ReasonOutOfBounds, formatCell(cell))
			}
			if _, taken := (*cells)[cell]; taken {
				return reason(ReasonCellOccupied, formatCell(cell))
			}
			(*cells)[cell] = occupant{InstanceID: instanceID, DefID: defID, Origin: origin}
		}
		return nil
	}, cloneCells, equalCells)
}

// Remove takes instanceID off the grid.
func (r *Relics) Remove(instanceID string) Result {
	return mutate(&r.tracked, &r.cells, func(cells *map[catalog.Cell]occupant) error {
		if !removeInstance(*cells, instanceID) {
			return reason(ReasonNotPlaced, instanceID)
		}
		return nil
	}, cloneCells, equalCells)
}

// Placements lists each placed relic once, ordered by origin then instance.
func (r *Relics) Placements() []RelicPlacement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.placements()
}

// Hash joins sorted instance@x,y:def tuples.
func (r *Relics) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	placements := r.placements()
	parts := make([]string, 0, len(placements))
	for _, p := range placements {
		parts = append(parts, p.InstanceID+"@"+strconv.Itoa(p.X)+","+strconv.Itoa(p.Y)+":"+p.DefID)
	}
	return strings.Join(parts, "|")
}

// BuildTrackedState converts the affixes of every placed relic.
func (r *Relics) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	if r.catalog == nil {
		return state
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.placements() {
		def, ok := r.catalog.Relic(p.DefID)
		if !ok {
			r.anomaly(anomalyUnknownDefinition, p.DefID, "placed relic missing from catalog")
			continue
		}
		label := def.Name
		if label == "" {
			label = def.ID
		}
		for _, slot := range relicSlots(def) {
			for i, effect := range slot.effects {
				ctx := converter.Context{
					ConsumerID: stats.RelicConsumerID(p.InstanceID, p.X, p.Y, slot.name, i),
					Source:     label,
					Meta:       stats.Meta{"slot": slot.name},
				}
				out, ok := r.converters.Convert(effect, ctx)
				if !ok {
					r.anomaly(anomalyUnknownEffect, effect.Type, "relic "+def.ID+" "+slot.name+" affix skipped")
					continue
				}
				out.ApplyTo(&state)
			}
		}
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (r *Relics) Delta() stats.Delta {
	return r.delta(r.BuildTrackedState())
}

// placements walks the grid and keeps one entry per instance and origin.
func (r *Relics) placements() []RelicPlacement {
	seen := make(map[string]struct{}, len(r.cells))
	out := make([]RelicPlacement, 0, len(r.cells))
	for _, cell := range slices.SortedFunc(maps.Keys(r.cells), compareCells) {
		occ := r.cells[cell]
		key := occ.InstanceID + "@" + formatCell(occ.Origin)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, RelicPlacement{InstanceID: occ.InstanceID, DefID: occ.DefID, X: occ.Origin.X, Y: occ.Origin.Y})
	}
	slices.SortFunc(out, func(a, b RelicPlacement) int {
		return cmp.Or(cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X), cmp.Compare(a.InstanceID, b.InstanceID))
	})
	return out
}

func (r *Relics) inBounds(cell catalog.Cell) bool {
	if cell.X < 0 || cell.Y < 0 {
		return false
	}
	if r.width > 0 && cell.X >= r.width {
		return false
	}
	if r.height > 0 && cell.Y >= r.height {
		return false
	}
	return true
}

type relicSlot struct {
	name    string
	effects []converter.Effect
}

func relicSlots(def catalog.RelicDef) []relicSlot {
	return []relicSlot{
		{RelicSlotSpecial, def.Special},
		{RelicSlotPrimary, def.Primary},
		{RelicSlotSecondary, def.Secondary},
		{RelicSlotDevotion, def.Devotion},
		{RelicSlotCorruption, def.Corruption},
	}
}

func removeInstance(cells map[catalog.Cell]occupant, instanceID string) bool {
	removed := false
	for cell, occ := range cells {
		if occ.InstanceID == instanceID {
			delete(cells, cell)
			removed = true
		}
	}
	return removed
}

func compareCells(a, b catalog.Cell) int {
	return cmp.Or(cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X))
}

func formatCell(c catalog.Cell) string {
	return strconv.Itoa(c.X) + "," + strconv.Itoa(c.Y)
}

func cloneCells(m map[catalog.Cell]occupant) map[catalog.Cell]occupant {
	return maps.Clone(m)
}

func equalCells(a, b map[catalog.Cell]occupant) bool {
	return maps.Equal(a, b)
}
