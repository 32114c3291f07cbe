package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"buildcalc/server/stats"
)

type source interface {
	Load() ([]byte, error)
	Path() string
}

type fileSource struct {
	path string
}

func (f fileSource) Load() ([]byte, error) {
	return os.ReadFile(f.path)
}

func (f fileSource) Path() string {
	return f.path
}

type bytesSource struct {
	name string
	data []byte
}

func (b bytesSource) Load() ([]byte, error) {
	return b.data, nil
}

func (b bytesSource) Path() string {
	return b.name
}

// Bytes wraps an in-memory document so tests and embedded data can be loaded
// like files.
func Bytes(name string, data []byte) source {
	return bytesSource{name: name, data: data}
}

// Catalog is the read-only game definition store consulted by the source
// adapters. Later sources override entries of earlier ones with the same id.
// Call Reload to pick up on-disk changes.
type Catalog struct {
	mu      sync.RWMutex
	sources []source

	rarities       map[string]Rarity
	gear           map[string]GearDef
	skills         map[string]SkillDef
	relics         map[string]RelicDef
	constellations map[string]ConstellationDef
	bells          map[string]BellDef
	statuses       map[string]StatusDef
	worldTiers     map[string]WorldTierDef
	damageTypes    map[string]struct{}
}

// DefaultPaths returns the canonical catalog locations relative to the module root.
func DefaultPaths() []string {
	return []string{
		filepath.Join("config", "catalog", "base.yaml"),
		filepath.Join("config", "catalog", "overrides.yaml"),
	}
}

// Load constructs a Catalog from the provided file paths. Missing files are
// skipped.
func Load(paths ...string) (*Catalog, error) {
	sources := make([]source, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		sources = append(sources, fileSource{path: trimmed})
	}
	return New(sources...)
}

// New constructs a Catalog from arbitrary sources.
func New(sources ...source) (*Catalog, error) {
	c := &Catalog{sources: append([]source(nil), sources...)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-parses every source and swaps the lookup tables atomically.
// Lookups on a nil Catalog report nothing found.
func (c *Catalog) Reload() error {
	if c == nil {
		return nil
	}
	next := &Catalog{}
	next.reset()
	for _, src := range c.sources {
		data, err := src.Load()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("catalog: failed loading %s: %w", src.Path(), err)
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return fmt.Errorf("catalog: failed parsing %s: %w", src.Path(), err)
		}
		if err := next.merge(doc); err != nil {
			return fmt.Errorf("catalog: %s: %w", src.Path(), err)
		}
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rarities = next.rarities
	c.gear = next.gear
	c.skills = next.skills
	c.relics = next.relics
	c.constellations = next.constellations
	c.bells = next.bells
	c.statuses = next.statuses
	c.worldTiers = next.worldTiers
	c.damageTypes = next.damageTypes
	return nil
}

func decodeDocument(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, nil
		}
		return Document{}, err
	}
	return doc, nil
}

func (c *Catalog) reset() {
	c.rarities = make(map[string]Rarity)
	c.gear = make(map[string]GearDef)
	c.skills = make(map[string]SkillDef)
	c.relics = make(map[string]RelicDef)
	c.constellations = make(map[string]ConstellationDef)
	c.bells = make(map[string]BellDef)
	c.statuses = make(map[string]StatusDef)
	c.worldTiers = make(map[string]WorldTierDef)
	c.damageTypes = make(map[string]struct{})
}

func (c *Catalog) merge(doc Document) error {
	if err := mergeSection(c.rarities, doc.Rarities, "rarity", func(r Rarity) string { return r.Name }); err != nil {
		return err
	}
	if err := mergeSection(c.gear, doc.Gear, "gear", func(g GearDef) string { return g.ID }); err != nil {
		return err
	}
	if err := mergeSection(c.skills, doc.Skills, "skill", func(s SkillDef) string { return stats.NormalizeName(s.Name) }); err != nil {
		return err
	}
	if err := mergeSection(c.relics, doc.Relics, "relic", func(r RelicDef) string { return r.ID }); err != nil {
		return err
	}
	if err := mergeSection(c.constellations, doc.Constellations, "constellation", func(d ConstellationDef) string { return d.ID }); err != nil {
		return err
	}
	if err := mergeSection(c.bells, doc.Bells, "bell", func(b BellDef) string { return b.ID }); err != nil {
		return err
	}
	if err := mergeSection(c.statuses, doc.Statuses, "status", func(s StatusDef) string { return s.ID }); err != nil {
		return err
	}
	if err := mergeSection(c.worldTiers, doc.WorldTiers, "world tier", func(w WorldTierDef) string { return w.ID }); err != nil {
		return err
	}
	for _, tag := range doc.DamageTypes {
		c.damageTypes[strings.ToLower(stats.NormalizeName(tag))] = struct{}{}
	}
	return nil
}

func mergeSection[T any](dst map[string]T, entries []T, kind string, id func(T) string) error {
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		key := strings.TrimSpace(id(entry))
		if key == "" {
			return fmt.Errorf("%s entry missing id", kind)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate %s id %q", kind, key)
		}
		seen[key] = struct{}{}
		dst[key] = entry
	}
	return nil
}

func (c *Catalog) validate() error {
	for id, def := range c.gear {
		if def.Rarity == "" {
			continue
		}
		if _, ok := c.rarities[def.Rarity]; !ok {
			return fmt.Errorf("gear %q references unknown rarity %q", id, def.Rarity)
		}
	}
	for id, def := range c.constellations {
		nodes := make(map[string]struct{}, len(def.Nodes))
		for _, node := range def.Nodes {
			if _, dup := nodes[node.ID]; dup {
				return fmt.Errorf("constellation %q has duplicate node %q", id, node.ID)
			}
			nodes[node.ID] = struct{}{}
		}
		for _, node := range def.Nodes {
			if node.Parent == "" {
				continue
			}
			if _, ok := nodes[node.Parent]; !ok {
				return fmt.Errorf("constellation %q node %q references unknown parent %q", id, node.ID, node.Parent)
			}
		}
	}
	for id, def := range c.bells {
		nodes := make(map[string]struct{}, len(def.Nodes))
		for _, node := range def.Nodes {
			nodes[node.ID] = struct{}{}
		}
		for _, node := range def.Nodes {
			for _, req := range node.Requires {
				if _, ok := nodes[req]; !ok {
					return fmt.Errorf("bell %q node %q requires unknown node %q", id, node.ID, req)
				}
			}
		}
	}
	return nil
}

// Rarity returns the rarity with the given name.
func (c *Catalog) Rarity(name string) (Rarity, bool) {
	if c == nil {
		return Rarity{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rarities[name]
	return r, ok
}

// Gear returns the item definition with the given id.
func (c *Catalog) Gear(id string) (GearDef, bool) {
	if c == nil {
		return GearDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.gear[id]
	return g, ok
}

// Skill returns the skill with the given display or normalised name.
func (c *Catalog) Skill(name string) (SkillDef, bool) {
	if c == nil {
		return SkillDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[stats.NormalizeName(name)]
	return s, ok
}

// Relic returns the relic with the given id.
func (c *Catalog) Relic(id string) (RelicDef, bool) {
	if c == nil {
		return RelicDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.relics[id]
	return r, ok
}

// Constellation returns the constellation with the given id.
func (c *Catalog) Constellation(id string) (ConstellationDef, bool) {
	if c == nil {
		return ConstellationDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.constellations[id]
	return d, ok
}

// Bell returns the bell with the given id.
func (c *Catalog) Bell(id string) (BellDef, bool) {
	if c == nil {
		return BellDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bells[id]
	return b, ok
}

// Status returns the status with the given id.
func (c *Catalog) Status(id string) (StatusDef, bool) {
	if c == nil {
		return StatusDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[id]
	return s, ok
}

// WorldTier returns the world tier with the given id.
func (c *Catalog) WorldTier(id string) (WorldTierDef, bool) {
	if c == nil {
		return WorldTierDef{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.worldTiers[id]
	return w, ok
}

// IsDamageType reports whether tag names a damage type, ignoring case.
func (c *Catalog) IsDamageType(tag string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.damageTypes[strings.ToLower(stats.NormalizeName(tag))]
	return ok
}
