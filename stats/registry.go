package stats

import (
	"strconv"
	"strings"
)

// System identifies the contribution source family used as the first segment
// of a consumer id.
type System string

const (
	SystemGear          System = "gear"
	SystemSkill         System = "skill"
	SystemRelic         System = "relic"
	SystemConstellation System = "constellation"
	SystemBell          System = "bell"
	SystemStatus        System = "status"
	SystemTag           System = "tag"
	SystemWorldTier     System = "worldtier"
)

// ConsumerID composes {system}:{owner}:{node}[:{index}...]. Ids must be
// reproducible from the originating allocation alone.
func ConsumerID(system System, owner, node string, indices ...int) string {
	var b strings.Builder
	b.WriteString(string(system))
	b.WriteByte(':')
	b.WriteString(owner)
	b.WriteByte(':')
	b.WriteString(node)
	for _, idx := range indices {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(idx))
	}
	return b.String()
}

// BellConsumerID returns bell:{bellId}:{nodeId}:{affixIndex}.
func BellConsumerID(bellID, nodeID string, affixIndex int) string {
	return ConsumerID(SystemBell, bellID, nodeID, affixIndex)
}

// StatusConsumerID returns status:{source}:{statusId}:{modIndex}.
func StatusConsumerID(source, statusID string, modIndex int) string {
	return ConsumerID(SystemStatus, source, statusID, modIndex)
}

// TagConsumerID returns tag:{normalizedSkillName}:{normalizedTag}.
func TagConsumerID(skill, tag string) string {
	return ConsumerID(SystemTag, NormalizeName(skill), NormalizeName(tag))
}

// GearConsumerID returns gear:{slot}:{defId}:{modIndex}.
func GearConsumerID(slot, defID string, modIndex int) string {
	return ConsumerID(SystemGear, slot, defID, modIndex)
}

// SkillConsumerID returns skill:{normalizedSkill}:{kind}:{index}.
func SkillConsumerID(skill, kind string, index int) string {
	return ConsumerID(SystemSkill, NormalizeName(skill), kind, index)
}

// RelicConsumerID returns relic:{instanceId}@{x},{y}:{slot}:{index}.
func RelicConsumerID(instanceID string, x, y int, slot string, index int) string {
	owner := instanceID + "@" + strconv.Itoa(x) + "," + strconv.Itoa(y)
	return ConsumerID(SystemRelic, owner, slot, index)
}

// ConstellationConsumerID returns constellation:{constellationId}:{nodeId}:{index}.
func ConstellationConsumerID(constellationID, nodeID string, index int) string {
	return ConsumerID(SystemConstellation, constellationID, nodeID, index)
}

// WorldTierConsumerID returns worldtier:{tier}:mod:{modIndex}.
func WorldTierConsumerID(tier string, modIndex int) string {
	return ConsumerID(SystemWorldTier, tier, "mod", modIndex)
}

// NormalizeName strips whitespace and punctuation so display names can be used
// inside stat names and ids: "Frost Nova!" becomes "FrostNova".
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
