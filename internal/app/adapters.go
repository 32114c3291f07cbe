package app

import (
	"math/rand"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/internal/sources"
)

// Adapters groups the source adapters contributing to one entity.
type Adapters struct {
	Gear           *sources.Gear
	Skills         *sources.Skills
	Relics         *sources.Relics
	Constellations *sources.Constellations
	Bells          *sources.Bells
	Statuses       *sources.Statuses
	SkillTags      *sources.SkillTags
	WorldTier      *sources.WorldTier
}

// GridSize bounds the relic inventory.
type GridSize struct {
	Width  int `env:"WIDTH"`
	Height int `env:"HEIGHT"`
}

// NewAdapters constructs every adapter over cat. The options are shared so
// all adapters report to the same publisher and notifier.
func NewAdapters(cat *catalog.Catalog, converters *converter.Registry, grid GridSize, rng *rand.Rand, opts ...sources.Option) *Adapters {
	if converters == nil {
		converters = converter.Default()
	}
	skills := sources.NewSkills(cat, rng, opts...)
	return &Adapters{
		Gear:           sources.NewGear(cat, opts...),
		Skills:         skills,
		Relics:         sources.NewRelics(cat, converters, grid.Width, grid.Height, opts...),
		Constellations: sources.NewConstellations(cat, converters, opts...),
		Bells:          sources.NewBells(cat, converters, opts...),
		Statuses:       sources.NewStatuses(cat, converters, opts...),
		SkillTags:      sources.NewSkillTags(skills, cat, opts...),
		WorldTier:      sources.NewWorldTier(cat, converters, opts...),
	}
}

// Sources lists the adapters in merge order.
func (a *Adapters) Sources() []sources.Source {
	return []sources.Source{
		a.Gear,
		a.Skills,
		a.SkillTags,
		a.Relics,
		a.Constellations,
		a.Bells,
		a.Statuses,
		a.WorldTier,
	}
}
