package sources

import (
	"strings"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// TagCatalog reports which tags are damage types.
type TagCatalog interface {
	IsDamageType(tag string) bool
}

// SkillTags derives per-skill tag flags from the skills adapter. It has no
// mutation surface of its own.
type SkillTags struct {
	tracked
	skills  *Skills
	catalog TagCatalog
}

// NewSkillTags constructs the skill tag adapter on top of skills.
func NewSkillTags(skills *Skills, cat TagCatalog, opts ...Option) *SkillTags {
	t := &SkillTags{skills: skills, catalog: cat}
	t.init(NameSkillTags, opts)
	return t
}

// Hash joins the names of the equipped skills.
func (t *SkillTags) Hash() string {
	defs := t.skills.equippedDefs()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, stats.NormalizeName(def.Name))
	}
	return strings.Join(names, "|")
}

// BuildTrackedState emits {skill}_tag_Everything and one {skill}_tag_{Tag}
// flag per declared non-damage tag of every equipped skill.
func (t *SkillTags) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	for _, def := range t.skills.equippedDefs() {
		skill := stats.NormalizeName(def.Name)
		t.addTag(&state, def, skill, converter.EverythingTag)
		seen := map[string]struct{}{converter.EverythingTag: {}}
		for _, tag := range def.Tags {
			normalized := stats.NormalizeName(tag)
			if normalized == "" {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			if t.catalog != nil && t.catalog.IsDamageType(tag) {
				continue
			}
			t.addTag(&state, def, skill, normalized)
		}
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (t *SkillTags) Delta() stats.Delta {
	return t.delta(t.BuildTrackedState())
}

// SkillTagFlag names the flag a skill raises for tag.
func SkillTagFlag(skill, tag string) string {
	return stats.NormalizeName(skill) + "_tag_" + stats.NormalizeName(tag)
}

func (t *SkillTags) addTag(state *stats.TrackedState, def catalog.SkillDef, skill, tag string) {
	state.AddFlag(SkillTagFlag(skill, tag), stats.Flag{
		ConsumerID: stats.TagConsumerID(skill, tag),
		Source:     def.Name,
		Enabled:    true,
		Meta:       stats.Meta{"skill": def.Name, "tag": tag},
	})
}
