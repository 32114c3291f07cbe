package catalog

import "buildcalc/server/effects/converter"

// Document is the on-disk shape of a catalog file. Every section is optional
// so data can be split across several files.
type Document struct {
	Rarities       []Rarity           `yaml:"rarities,omitempty" json:"rarities,omitempty"`
	Gear           []GearDef          `yaml:"gear,omitempty" json:"gear,omitempty"`
	Skills         []SkillDef         `yaml:"skills,omitempty" json:"skills,omitempty"`
	Relics         []RelicDef         `yaml:"relics,omitempty" json:"relics,omitempty"`
	Constellations []ConstellationDef `yaml:"constellations,omitempty" json:"constellations,omitempty"`
	Bells          []BellDef          `yaml:"bells,omitempty" json:"bells,omitempty"`
	Statuses       []StatusDef        `yaml:"statuses,omitempty" json:"statuses,omitempty"`
	WorldTiers     []WorldTierDef     `yaml:"world_tiers,omitempty" json:"world_tiers,omitempty"`
	DamageTypes    []string           `yaml:"damage_types,omitempty" json:"damage_types,omitempty" jsonschema:"description=Skill tags derived from the engine's damage distribution instead of declared up front"`
}

// Rarity defines the roll range applied to gear modifiers.
type Rarity struct {
	Name string  `yaml:"name" json:"name" jsonschema:"minLength=1"`
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
}

// GearModifier is one stat line on an item.
type GearModifier struct {
	Stat  string  `yaml:"stat" json:"stat" jsonschema:"minLength=1"`
	Type  string  `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"description=add / mult / multadd / base; unknown values fall back to add"`
	Value float64 `yaml:"value" json:"value"`
}

// GearDef describes an equippable item.
type GearDef struct {
	ID        string         `yaml:"id" json:"id" jsonschema:"pattern=^[a-z0-9_-]+$,minLength=1"`
	Name      string         `yaml:"name" json:"name"`
	Slot      string         `yaml:"slot" json:"slot" jsonschema:"minLength=1"`
	Rarity    string         `yaml:"rarity,omitempty" json:"rarity,omitempty"`
	Modifiers []GearModifier `yaml:"modifiers,omitempty" json:"modifiers,omitempty"`
}

// SkillValue is a base value whose raw number is resolved from Value:
// CONST:<n>, RANDOM:<min>,<max>, DEEP:<dotted.path> or a property name.
type SkillValue struct {
	Stat     string `yaml:"stat" json:"stat" jsonschema:"minLength=1"`
	Value    string `yaml:"value" json:"value" jsonschema:"minLength=1"`
	Modifier string `yaml:"modifier,omitempty" json:"modifier,omitempty"`
}

// LevelModifier is one row of a skill's per-level table.
type LevelModifier struct {
	Stat     string  `yaml:"stat" json:"stat" jsonschema:"minLength=1"`
	Modifier string  `yaml:"modifier,omitempty" json:"modifier,omitempty"`
	Amount   float64 `yaml:"amount" json:"amount"`
}

// SkillDef describes an equippable skill.
type SkillDef struct {
	Name       string                  `yaml:"name" json:"name" jsonschema:"minLength=1"`
	Tags       []string                `yaml:"tags,omitempty" json:"tags,omitempty"`
	Properties map[string]any          `yaml:"properties,omitempty" json:"properties,omitempty"`
	BaseValues []SkillValue            `yaml:"base_values,omitempty" json:"base_values,omitempty"`
	Levels     map[int][]LevelModifier `yaml:"levels,omitempty" json:"levels,omitempty"`
	MaxLevel   int                     `yaml:"max_level,omitempty" json:"max_level,omitempty"`
}

// Cell is a grid offset relative to a relic's origin.
type Cell struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// RelicDef describes a relic and the affixes in each of its slots.
type RelicDef struct {
	ID         string             `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Name       string             `yaml:"name" json:"name"`
	Shape      []Cell             `yaml:"shape,omitempty" json:"shape,omitempty" jsonschema:"description=Occupied cells relative to the origin; empty means a single cell"`
	Special    []converter.Effect `yaml:"special,omitempty" json:"special,omitempty"`
	Primary    []converter.Effect `yaml:"primary,omitempty" json:"primary,omitempty"`
	Secondary  []converter.Effect `yaml:"secondary,omitempty" json:"secondary,omitempty"`
	Devotion   []converter.Effect `yaml:"devotion,omitempty" json:"devotion,omitempty"`
	Corruption []converter.Effect `yaml:"corruption,omitempty" json:"corruption,omitempty"`
}

// Cells returns the occupied offsets, defaulting to the origin cell.
func (d RelicDef) Cells() []Cell {
	if len(d.Shape) == 0 {
		return []Cell{{X: 0, Y: 0}}
	}
	return d.Shape
}

// ConstellationNode is one allocatable node. Parent is empty for roots.
type ConstellationNode struct {
	ID       string             `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Parent   string             `yaml:"parent,omitempty" json:"parent,omitempty"`
	MaxLevel int                `yaml:"max_level,omitempty" json:"max_level,omitempty"`
	Devotion map[string]int     `yaml:"devotion,omitempty" json:"devotion,omitempty" jsonschema:"description=Devotion points granted per category while allocated"`
	Affixes  []converter.Effect `yaml:"affixes,omitempty" json:"affixes,omitempty"`
}

// Levels returns the node's max level, treating zero as one.
func (n ConstellationNode) Levels() int {
	if n.MaxLevel <= 0 {
		return 1
	}
	return n.MaxLevel
}

// ConstellationDef describes a constellation.
type ConstellationDef struct {
	ID           string              `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Name         string              `yaml:"name" json:"name"`
	Requirements map[string]int      `yaml:"requirements,omitempty" json:"requirements,omitempty" jsonschema:"description=Devotion points per category that other constellations must provide"`
	Nodes        []ConstellationNode `yaml:"nodes" json:"nodes"`
	Mastery      []converter.Effect  `yaml:"mastery,omitempty" json:"mastery,omitempty"`
}

// Node returns the node with the given id.
func (d ConstellationDef) Node(id string) (ConstellationNode, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return ConstellationNode{}, false
}

// BellNode is one allocatable node on a bell.
type BellNode struct {
	ID       string             `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Requires []string           `yaml:"requires,omitempty" json:"requires,omitempty"`
	Affixes  []converter.Effect `yaml:"affixes,omitempty" json:"affixes,omitempty"`
}

// BellDef describes a bell.
type BellDef struct {
	ID    string     `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Name  string     `yaml:"name" json:"name"`
	Nodes []BellNode `yaml:"nodes" json:"nodes"`
}

// Node returns the node with the given id.
func (d BellDef) Node(id string) (BellNode, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return BellNode{}, false
}

// StatusDef describes a status effect. Mod amounts scale with stacks.
type StatusDef struct {
	ID        string             `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Name      string             `yaml:"name" json:"name"`
	MaxStacks int                `yaml:"max_stacks,omitempty" json:"max_stacks,omitempty"`
	Mods      []converter.Effect `yaml:"mods,omitempty" json:"mods,omitempty"`
}

// WorldTierDef describes a world tier.
type WorldTierDef struct {
	ID   string             `yaml:"id" json:"id" jsonschema:"minLength=1"`
	Name string             `yaml:"name" json:"name"`
	Mods []converter.Effect `yaml:"mods,omitempty" json:"mods,omitempty"`
}
