package sources

import (
	"testing"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

const fixtureCatalog = `
rarities:
  - name: rare
    min: 0.8
    max: 1.2
gear:
  - id: iron_helm
    name: Iron Helm
    slot: Head
    rarity: rare
    modifiers:
      - stat: Armor
        value: 10
      - stat: Life
        type: increased
        value: 5
  - id: steel_helm
    name: Steel Helm
    slot: Head
    modifiers:
      - stat: Armor
        value: 20
skills:
  - name: Frost Nova
    tags: [Spell, Cold, AoE, Spell]
    properties:
      radius: 4
      scaling:
        cold:
          ratio: 1.5
    base_values:
      - stat: Radius
        value: radius
      - stat: ColdRatio
        value: DEEP:scaling.cold.ratio
        modifier: mult
      - stat: Cooldown
        value: CONST:8
      - stat: Jitter
        value: RANDOM:1,2
    levels:
      1:
        - stat: Damage
          amount: 10
      20:
        - stat: Damage
          amount: 200
    max_level: 25
  - name: Cleave
    tags: [Melee, Physical]
    levels:
      20:
        - stat: Damage
          amount: 50
relics:
  - id: fang
    name: Bloodied Fang
    shape:
      - {x: 0, y: 0}
      - {x: 1, y: 0}
      - {x: 0, y: 1}
    special:
      - type: tag_stat
        tag: Melee
        stat: DamageModifier
        amount: 0.1
        modifier: multadd
    primary:
      - type: stat
        stat: CritChance
        amount: 2
      - type: teleport
constellations:
  - id: crane
    name: Crane
    nodes:
      - id: root
        devotion: {ascendant: 1}
        affixes:
          - type: stat
            stat: Armor
            amount: 5
      - id: left
        parent: root
        max_level: 2
        affixes:
          - type: stat
            stat: Life
            amount: 3
      - id: right
        parent: root
    mastery:
      - type: flag
        flag: CraneMastery
  - id: tortoise
    name: Tortoise
    requirements: {ascendant: 1}
    nodes:
      - id: shell
        affixes:
          - type: stat
            stat: Block
            amount: 4
bells:
  - id: dawn
    name: Dawn Bell
    nodes:
      - id: a
        affixes:
          - type: stat
            stat: Speed
            amount: 1
      - id: b
        requires: [a]
        affixes:
          - type: stat
            stat: Speed
            amount: 2
  - id: dusk
    name: Dusk Bell
    nodes:
      - id: x
        affixes:
          - type: stat
            stat: Haste
            amount: 7
statuses:
  - id: frenzy
    name: Frenzy
    max_stacks: 3
    mods:
      - type: stat
        stat: AttackSpeed
        amount: 5
world_tiers:
  - id: t3
    name: Torment
    mods:
      - type: stat
        stat: MonsterLife
        amount: 200
        modifier: more
damage_types: [Cold, Physical]
`

func loadFixture(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(catalog.Bytes("fixture.yaml", []byte(fixtureCatalog)))
	if err != nil {
		t.Fatalf("failed to load fixture catalog: %v", err)
	}
	return c
}

func converters() *converter.Registry {
	return converter.Default()
}

func modIDs(state stats.TrackedState, stat string) []string {
	ids := make([]string, 0, len(state.Mods[stat]))
	for _, mod := range state.Mods[stat] {
		ids = append(ids, mod.ConsumerID)
	}
	return ids
}

func assertIdempotent(t *testing.T, src Source) {
	t.Helper()
	first := src.Delta()
	if !first.HasChanges {
		t.Fatalf("%s: expected first delta to report changes", src.Name())
	}
	if second := src.Delta(); second.HasChanges {
		t.Fatalf("%s: expected unchanged state to produce no delta, got %+v", src.Name(), second)
	}
}

func requireSuccess(t *testing.T, res Result) {
	t.Helper()
	if !res.Success {
		t.Fatalf("expected mutation to succeed, got %q", res.Error)
	}
}
