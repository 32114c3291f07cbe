package sources

import (
	"maps"
	"math/rand"
	"slices"
	"strconv"
	"strings"

	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// ReferenceLevel is the level whose table is used when the selected level has
// no entry.
const ReferenceLevel = 20

// Value resolution prefixes for skill base values.
const (
	valueConst  = "CONST:"
	valueRandom = "RANDOM:"
	valueDeep   = "DEEP:"
)

// SkillCatalog is the lookup surface the skills adapter needs.
type SkillCatalog interface {
	Skill(name string) (catalog.SkillDef, bool)
}

// EquippedSkill is one equipped skill and its selected level.
type EquippedSkill struct {
	Name  string `json:"name" yaml:"name"`
	Level int    `json:"level" yaml:"level"`
}

// Skills tracks equipped skills keyed by normalised name.
type Skills struct {
	tracked
	catalog SkillCatalog
	rng     *rand.Rand
	skills  map[string]EquippedSkill
}

// NewSkills constructs the skills adapter. A nil rng falls back to the global
// source for RANDOM: values.
func NewSkills(cat SkillCatalog, rng *rand.Rand, opts ...Option) *Skills {
	s := &Skills{catalog: cat, rng: rng, skills: make(map[string]EquippedSkill)}
	s.init(NameSkills, opts)
	return s
}

// Equip equips name at level, or changes the level of an equipped skill.
func (s *Skills) Equip(name string, level int) Result {
	return mutate(&s.tracked, &s.skills, func(skills *map[string]EquippedSkill) error {
		if s.catalog == nil {
			return reason(ReasonUnknownDefinition, name)
		}
		def, ok := s.catalog.Skill(name)
		if !ok {
			return reason(ReasonUnknownDefinition, name)
		}
		if level < 1 || (def.MaxLevel > 0 && level > def.MaxLevel) {
			return reason(ReasonInvalidLevel, strconv.Itoa(level))
		}
		(*skills)[stats.NormalizeName(def.Name)] = EquippedSkill{Name: def.Name, Level: level}
		return nil
	}, cloneSkills, equalSkills)
}

// Unequip removes name.
func (s *Skills) Unequip(name string) Result {
	return mutate(&s.tracked, &s.skills, func(skills *map[string]EquippedSkill) error {
		key := stats.NormalizeName(name)
		if _, ok := (*skills)[key]; !ok {
			return reason(ReasonNotEquipped, name)
		}
		delete(*skills, key)
		return nil
	}, cloneSkills, equalSkills)
}

// Equipped lists equipped skills ordered by normalised name.
func (s *Skills) Equipped() []EquippedSkill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EquippedSkill, 0, len(s.skills))
	for _, key := range slices.Sorted(maps.Keys(s.skills)) {
		out = append(out, s.skills[key])
	}
	return out
}

// Hash joins sorted name:level tuples.
func (s *Skills) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, 0, len(s.skills))
	for _, key := range slices.Sorted(maps.Keys(s.skills)) {
		parts = append(parts, key+":"+strconv.Itoa(s.skills[key].Level))
	}
	return strings.Join(parts, "|")
}

// BuildTrackedState emits base values, the level table and the synthetic
// level stat of every equipped skill. RANDOM: values are redrawn each call.
func (s *Skills) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	if s.catalog == nil {
		return state
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range slices.Sorted(maps.Keys(s.skills)) {
		equipped := s.skills[key]
		def, ok := s.catalog.Skill(equipped.Name)
		if !ok {
			s.anomaly(anomalyUnknownDefinition, equipped.Name, "equipped skill missing from catalog")
			continue
		}

		for i, base := range def.BaseValues {
			amount, ok := s.resolveValue(def, base.Value)
			if !ok {
				s.anomaly(anomalyBadValue, def.Name, "unresolvable base value "+base.Value)
				continue
			}
			layer := stats.ParseLayer(base.Modifier)
			state.AddMod(stats.StatKey(base.Stat, layer), stats.Mod{
				ConsumerID: stats.SkillConsumerID(def.Name, "base", i),
				Source:     def.Name,
				Amount:     amount,
				Layer:      layer,
				Meta:       stats.Meta{"value": base.Value},
			})
		}

		rows, fallback := def.Levels[equipped.Level], false
		if len(rows) == 0 {
			rows, fallback = def.Levels[ReferenceLevel], true
		}
		for i, row := range rows {
			layer := stats.ParseLayer(row.Modifier)
			state.AddMod(stats.StatKey(row.Stat, layer), stats.Mod{
				ConsumerID: stats.SkillConsumerID(def.Name, "level", i),
				Source:     def.Name,
				Amount:     row.Amount,
				Layer:      layer,
				Meta:       stats.Meta{"level": equipped.Level, "fallback": fallback},
			})
		}

		state.AddMod(SkillLevelStat(def.Name), stats.Mod{
			ConsumerID: stats.SkillConsumerID(def.Name, "skill_level", 0),
			Source:     def.Name,
			Amount:     float64(equipped.Level),
			Layer:      stats.LayerSimple,
			Meta:       stats.Meta{"level": equipped.Level},
		})
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (s *Skills) Delta() stats.Delta {
	return s.delta(s.BuildTrackedState())
}

// SkillLevelStat names the synthetic level stat of a skill.
func SkillLevelStat(skill string) string {
	return "SkillLevel_" + stats.NormalizeName(skill)
}

// equippedDefs returns the catalog definitions of every equipped skill.
func (s *Skills) equippedDefs() []catalog.SkillDef {
	if s == nil || s.catalog == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]catalog.SkillDef, 0, len(s.skills))
	for _, key := range slices.Sorted(maps.Keys(s.skills)) {
		if def, ok := s.catalog.Skill(s.skills[key].Name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

func (s *Skills) resolveValue(def catalog.SkillDef, expr string) (float64, bool) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, valueConst):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(expr, valueConst)), 64)
		return v, err == nil
	case strings.HasPrefix(expr, valueRandom):
		low, high, ok := strings.Cut(strings.TrimPrefix(expr, valueRandom), ",")
		if !ok {
			return 0, false
		}
		lo, err := strconv.ParseFloat(strings.TrimSpace(low), 64)
		if err != nil {
			return 0, false
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(high), 64)
		if err != nil {
			return 0, false
		}
		return lo + s.randomFloat()*(hi-lo), true
	case strings.HasPrefix(expr, valueDeep):
		var current any = def.Properties
		for _, part := range strings.Split(strings.TrimPrefix(expr, valueDeep), ".") {
			node, ok := current.(map[string]any)
			if !ok {
				return 0, false
			}
			if current, ok = node[part]; !ok {
				return 0, false
			}
		}
		return toFloat(current)
	default:
		v, ok := def.Properties[expr]
		if !ok {
			return 0, false
		}
		return toFloat(v)
	}
}

func (s *Skills) randomFloat() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneSkills(m map[string]EquippedSkill) map[string]EquippedSkill {
	return maps.Clone(m)
}

func equalSkills(a, b map[string]EquippedSkill) bool {
	return maps.Equal(a, b)
}
