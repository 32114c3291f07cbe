package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"buildcalc/server/internal/sources"
	"buildcalc/server/stats"
)

// ConstellationNode is one allocated node in a build file.
type ConstellationNode struct {
	Constellation string `yaml:"constellation"`
	Node          string `yaml:"node"`
	Level         int    `yaml:"level,omitempty"`
}

// BellBuild selects the active bell and the nodes allocated per bell.
type BellBuild struct {
	Active string              `yaml:"active,omitempty"`
	Nodes  map[string][]string `yaml:"nodes,omitempty"`
}

// Build is the on-disk description of a character build.
type Build struct {
	Gear           map[string]sources.EquippedItem `yaml:"gear,omitempty"`
	Skills         []sources.EquippedSkill         `yaml:"skills,omitempty"`
	Relics         []sources.RelicPlacement        `yaml:"relics,omitempty"`
	Constellations []ConstellationNode             `yaml:"constellations,omitempty"`
	Bells          BellBuild                       `yaml:"bells,omitempty"`
	Statuses       []sources.ActiveStatus          `yaml:"statuses,omitempty"`
	WorldTier      string                          `yaml:"world_tier,omitempty"`
}

// LoadBuild reads and decodes the build file at path.
func LoadBuild(path string) (Build, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Build{}, fmt.Errorf("build: %w", err)
	}
	b, err := DecodeBuild(data)
	if err != nil {
		return Build{}, fmt.Errorf("build: %s: %w", path, err)
	}
	return b, nil
}

// DecodeBuild decodes a build document. Unknown fields are rejected.
func DecodeBuild(data []byte) (Build, error) {
	var b Build
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return Build{}, err
	}
	return b, nil
}

// ApplyTo reconciles the adapters with the build: entries missing from the
// build are removed and listed entries are applied. Applying the same build
// twice leaves every adapter unchanged. Every rejected mutation is reported.
func (b Build) ApplyTo(a *Adapters) error {
	var errs []error
	check := func(what string, res sources.Result) {
		if !res.Success {
			errs = append(errs, fmt.Errorf("%s: %s", what, res.Error))
		}
	}

	for slot := range a.Gear.Equipped() {
		if _, keep := b.Gear[slot]; !keep {
			check("unequip "+slot, a.Gear.Unequip(slot))
		}
	}
	for _, slot := range sortedKeys(b.Gear) {
		item := b.Gear[slot]
		check("equip "+slot, a.Gear.Equip(slot, item.DefID, item.Roll))
	}

	for _, skill := range a.Skills.Equipped() {
		if !slices.ContainsFunc(b.Skills, func(s sources.EquippedSkill) bool { return sameSkill(s.Name, skill.Name) }) {
			check("unequip skill "+skill.Name, a.Skills.Unequip(skill.Name))
		}
	}
	for _, skill := range b.Skills {
		level := skill.Level
		if level == 0 {
			level = 1
		}
		check("equip skill "+skill.Name, a.Skills.Equip(skill.Name, level))
	}

	for _, placed := range a.Relics.Placements() {
		if !slices.Contains(b.Relics, placed) {
			check("remove relic "+placed.InstanceID, a.Relics.Remove(placed.InstanceID))
		}
	}
	// A relic may move into a cell another listed relic is about to leave.
	errs = append(errs, settle(b.Relics, func(relic sources.RelicPlacement) (string, sources.Result) {
		return "place relic " + relic.InstanceID, a.Relics.Place(relic.InstanceID, relic.DefID, relic.X, relic.Y)
	})...)

	errs = append(errs, b.applyConstellations(a.Constellations)...)
	errs = append(errs, b.applyBells(a.Bells)...)

	for _, active := range a.Statuses.Active() {
		if !slices.ContainsFunc(b.Statuses, func(s sources.ActiveStatus) bool {
			return s.Source == active.Source && s.StatusID == active.StatusID
		}) {
			check("remove status "+active.StatusID, a.Statuses.Remove(active.Source, active.StatusID))
		}
	}
	for _, status := range b.Statuses {
		stacks := status.Stacks
		if stacks == 0 {
			stacks = 1
		}
		check("apply status "+status.StatusID, a.Statuses.Apply(status.Source, status.StatusID, stacks))
	}

	check("select world tier "+b.WorldTier, a.WorldTier.Select(b.WorldTier))
	return errors.Join(errs...)
}

func (b Build) applyConstellations(c *sources.Constellations) []error {
	want := make(map[string]map[string]int)
	for _, node := range b.Constellations {
		if want[node.Constellation] == nil {
			want[node.Constellation] = make(map[string]int)
		}
		want[node.Constellation][node.Node] = max(node.Level, 1)
	}
	for id, nodes := range c.Allocated() {
		for node := range nodes {
			if _, keep := want[id][node]; keep {
				continue
			}
			// An earlier cascade may already have removed it.
			if _, still := c.Allocated()[id][node]; still {
				c.Deallocate(id, node)
			}
		}
	}

	pending := slices.Clone(b.Constellations)
	return settle(pending, func(node ConstellationNode) (string, sources.Result) {
		return "allocate " + node.Constellation + ":" + node.Node, c.Allocate(node.Constellation, node.Node, max(node.Level, 1))
	})
}

func (b Build) applyBells(bells *sources.Bells) []error {
	type bellNode struct{ bell, node string }

	// Dependents must go first; settle retries until nothing else can be removed.
	var stale []bellNode
	for bellID, nodes := range bells.Allocations() {
		for _, node := range nodes {
			if !slices.Contains(b.Bells.Nodes[bellID], node) {
				stale = append(stale, bellNode{bell: bellID, node: node})
			}
		}
	}
	errs := settle(stale, func(n bellNode) (string, sources.Result) {
		return "deallocate " + n.bell + ":" + n.node, bells.Deallocate(n.bell, n.node)
	})

	var wanted []bellNode
	for _, bellID := range sortedKeys(b.Bells.Nodes) {
		for _, node := range b.Bells.Nodes[bellID] {
			wanted = append(wanted, bellNode{bell: bellID, node: node})
		}
	}
	errs = append(errs, settle(wanted, func(n bellNode) (string, sources.Result) {
		return "allocate " + n.bell + ":" + n.node, bells.Allocate(n.bell, n.node)
	})...)

	if res := bells.SetActive(b.Bells.Active); !res.Success {
		errs = append(errs, fmt.Errorf("activate bell %s: %s", b.Bells.Active, res.Error))
	}
	return errs
}

// settle applies every item, retrying failed ones while a pass makes
// progress, so ordering dependencies inside a list resolve themselves.
func settle[T any](items []T, apply func(T) (string, sources.Result)) []error {
	for len(items) > 0 {
		var retry []T
		var errs []error
		for _, item := range items {
			what, res := apply(item)
			if !res.Success {
				retry = append(retry, item)
				errs = append(errs, fmt.Errorf("%s: %s", what, res.Error))
			}
		}
		if len(retry) == 0 {
			return nil
		}
		if len(retry) == len(items) {
			return errs
		}
		items = retry
	}
	return nil
}

func sameSkill(a, b string) bool {
	return stats.NormalizeName(a) == stats.NormalizeName(b)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
