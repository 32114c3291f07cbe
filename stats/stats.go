package stats

import (
	"fmt"
	"sort"
	"strings"
)

// Layer describes the combination rule a contribution participates in.
type Layer string

const (
	LayerAdd     Layer = "add"
	LayerMult    Layer = "mult"
	LayerMultAdd Layer = "multadd"
	LayerBase    Layer = "base"
	LayerSimple  Layer = "simple"
)

var validLayers = map[Layer]struct{}{
	LayerAdd:     {},
	LayerMult:    {},
	LayerMultAdd: {},
	LayerBase:    {},
	LayerSimple:  {},
}

// ParseLayer maps a game-data modifier type onto a layer. Unknown values fall
// back to LayerAdd.
func ParseLayer(modifierType string) Layer {
	normalized := Layer(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(modifierType, "."))))
	switch normalized {
	case "additive", "flat":
		return LayerAdd
	case "multiplicative", "more":
		return LayerMult
	case "increased":
		return LayerMultAdd
	}
	if _, ok := validLayers[normalized]; ok {
		return normalized
	}
	return LayerAdd
}

// Valid reports whether the layer is one of the known layers.
func (l Layer) Valid() bool {
	_, ok := validLayers[l]
	return ok
}

// Suffix returns the stat key suffix used by the engine for the layer.
func (l Layer) Suffix() string {
	switch l {
	case LayerSimple, "":
		return ""
	default:
		return "." + string(l)
	}
}

// StatKey joins a statistic name with the suffix of the provided layer.
func StatKey(name string, layer Layer) string {
	return name + layer.Suffix()
}

// Meta carries display-only context. Values are expected to be scalars.
type Meta map[string]any

// Mod is a numeric contribution to a named statistic.
type Mod struct {
	ConsumerID  string  `json:"consumer_id"`
	Source      string  `json:"source"`
	Amount      float64 `json:"amount"`
	Layer       Layer   `json:"layer"`
	Condition   string  `json:"condition,omitempty"`
	Calculation string  `json:"calculation,omitempty"`
	Meta        Meta    `json:"meta"`
}

// Flag is a presence contribution to a named condition.
type Flag struct {
	ConsumerID string `json:"consumer_id"`
	Source     string `json:"source"`
	Enabled    bool   `json:"enabled"`
	Meta       Meta   `json:"meta"`
}

// Contribution is the payload carried by a broadcast.
type Contribution struct {
	Source      string  `json:"source"`
	Amount      float64 `json:"amount"`
	Layer       Layer   `json:"layer"`
	Condition   string  `json:"condition,omitempty"`
	Calculation string  `json:"calculation,omitempty"`
	Meta        Meta    `json:"meta"`
}

// Broadcast applies its contribution to every stat matching
// *_{FlagSuffix}_{StatSuffix}. The engine resolves the fan-out.
type Broadcast struct {
	ConsumerID   string       `json:"consumer_id"`
	FlagSuffix   string       `json:"flag_suffix"`
	StatSuffix   string       `json:"stat_suffix"`
	Contribution Contribution `json:"contribution"`
}

// Key returns the composite identity of the broadcast.
func (b Broadcast) Key() string {
	return b.ConsumerID + ":" + b.FlagSuffix + ":" + b.StatSuffix
}

// TrackedState is the full snapshot of everything one source contributes.
type TrackedState struct {
	Mods       map[string][]Mod  `json:"mods"`
	Flags      map[string][]Flag `json:"flags"`
	Broadcasts []Broadcast       `json:"broadcasts"`
}

// NewTrackedState returns an empty state with initialised maps.
func NewTrackedState() TrackedState {
	return TrackedState{
		Mods:  make(map[string][]Mod),
		Flags: make(map[string][]Flag),
	}
}

// AddMod appends a mod under the provided stat name.
func (s *TrackedState) AddMod(stat string, mod Mod) {
	if s.Mods == nil {
		s.Mods = make(map[string][]Mod)
	}
	if mod.Layer == "" {
		mod.Layer = LayerAdd
	}
	s.Mods[stat] = append(s.Mods[stat], mod)
}

// AddFlag appends a flag under the provided flag name.
func (s *TrackedState) AddFlag(name string, flag Flag) {
	if s.Flags == nil {
		s.Flags = make(map[string][]Flag)
	}
	s.Flags[name] = append(s.Flags[name], flag)
}

// AddBroadcast appends a broadcast contribution.
func (s *TrackedState) AddBroadcast(b Broadcast) {
	if b.Contribution.Layer == "" {
		b.Contribution.Layer = LayerAdd
	}
	s.Broadcasts = append(s.Broadcasts, b)
}

// Empty reports whether the state contributes nothing.
func (s TrackedState) Empty() bool {
	return len(s.Mods) == 0 && len(s.Flags) == 0 && len(s.Broadcasts) == 0
}

// Clone returns a deep copy of the state.
func (s TrackedState) Clone() TrackedState {
	clone := NewTrackedState()
	for stat, mods := range s.Mods {
		copied := make([]Mod, len(mods))
		for i, mod := range mods {
			mod.Meta = mod.Meta.Clone()
			copied[i] = mod
		}
		clone.Mods[stat] = copied
	}
	for name, flags := range s.Flags {
		copied := make([]Flag, len(flags))
		for i, flag := range flags {
			flag.Meta = flag.Meta.Clone()
			copied[i] = flag
		}
		clone.Flags[name] = copied
	}
	if len(s.Broadcasts) > 0 {
		clone.Broadcasts = make([]Broadcast, len(s.Broadcasts))
		for i, b := range s.Broadcasts {
			b.Contribution.Meta = b.Contribution.Meta.Clone()
			clone.Broadcasts[i] = b
		}
	}
	return clone
}

// Clone returns a shallow copy of the meta map.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	copied := make(Meta, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

// Validate reports consumer ids that appear twice under the same stat key,
// flag key, or broadcast composite key.
func (s TrackedState) Validate() error {
	var problems []string
	for _, stat := range sortedKeys(s.Mods) {
		seen := make(map[string]struct{}, len(s.Mods[stat]))
		for _, mod := range s.Mods[stat] {
			if _, dup := seen[mod.ConsumerID]; dup {
				problems = append(problems, fmt.Sprintf("stat %q: %q", stat, mod.ConsumerID))
				continue
			}
			seen[mod.ConsumerID] = struct{}{}
		}
	}
	for _, name := range sortedKeys(s.Flags) {
		seen := make(map[string]struct{}, len(s.Flags[name]))
		for _, flag := range s.Flags[name] {
			if _, dup := seen[flag.ConsumerID]; dup {
				problems = append(problems, fmt.Sprintf("flag %q: %q", name, flag.ConsumerID))
				continue
			}
			seen[flag.ConsumerID] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(s.Broadcasts))
	for _, b := range s.Broadcasts {
		key := b.Key()
		if _, dup := seen[key]; dup {
			problems = append(problems, fmt.Sprintf("broadcast %q", key))
			continue
		}
		seen[key] = struct{}{}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("duplicate consumer ids: %s", strings.Join(problems, ", "))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
