package sources

import (
	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// WorldTierCatalog is the lookup surface the world tier adapter needs.
type WorldTierCatalog interface {
	WorldTier(id string) (catalog.WorldTierDef, bool)
}

// WorldTier tracks the selected world tier.
type WorldTier struct {
	tracked
	catalog    WorldTierCatalog
	converters *converter.Registry
	tier       string
}

// NewWorldTier constructs the world tier adapter.
func NewWorldTier(cat WorldTierCatalog, converters *converter.Registry, opts ...Option) *WorldTier {
	w := &WorldTier{catalog: cat, converters: converters}
	w.init(NameWorldTier, opts)
	return w
}

// Select picks tier. An empty id clears the selection.
func (w *WorldTier) Select(tier string) Result {
	return mutate(&w.tracked, &w.tier, func(current *string) error {
		if tier != "" {
			if w.catalog == nil {
				return reason(ReasonUnknownDefinition, tier)
			}
			if _, ok := w.catalog.WorldTier(tier); !ok {
				return reason(ReasonUnknownDefinition, tier)
			}
		}
		*current = tier
		return nil
	}, identity[string], equal[string])
}

// Selected returns the selected tier id.
func (w *WorldTier) Selected() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tier
}

// Hash returns the selected tier id.
func (w *WorldTier) Hash() string {
	return w.Selected()
}

// BuildTrackedState converts the selected tier's mods.
func (w *WorldTier) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	tier := w.Selected()
	if w.catalog == nil || tier == "" {
		return state
	}
	def, ok := w.catalog.WorldTier(tier)
	if !ok {
		w.anomaly(anomalyUnknownDefinition, tier, "selected world tier missing from catalog")
		return state
	}
	label := def.Name
	if label == "" {
		label = def.ID
	}
	for i, effect := range def.Mods {
		ctx := converter.Context{
			ConsumerID: stats.WorldTierConsumerID(def.ID, i),
			Source:     label,
		}
		out, ok := w.converters.Convert(effect, ctx)
		if !ok {
			w.anomaly(anomalyUnknownEffect, effect.Type, ctx.ConsumerID+" skipped")
			continue
		}
		out.ApplyTo(&state)
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (w *WorldTier) Delta() stats.Delta {
	return w.delta(w.BuildTrackedState())
}

func identity[T any](v T) T {
	return v
}

func equal[T comparable](a, b T) bool {
	return a == b
}
