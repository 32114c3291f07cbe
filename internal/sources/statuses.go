package sources

import (
	"cmp"
	"maps"
	"slices"
	"strconv"
	"strings"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/stats"
)

// StatusCatalog is the lookup surface the status adapter needs.
type StatusCatalog interface {
	Status(id string) (catalog.StatusDef, bool)
}

// statusKey identifies one application of a status.
type statusKey struct {
	Source   string
	StatusID string
}

// ActiveStatus is one applied status and its stack count.
type ActiveStatus struct {
	Source   string `json:"source" yaml:"source"`
	StatusID string `json:"statusId" yaml:"id"`
	Stacks   int    `json:"stacks" yaml:"stacks"`
}

// Statuses tracks active statuses keyed by (source, status).
type Statuses struct {
	tracked
	catalog    StatusCatalog
	converters *converter.Registry
	active     map[statusKey]int
}

// NewStatuses constructs the status adapter.
func NewStatuses(cat StatusCatalog, converters *converter.Registry, opts ...Option) *Statuses {
	s := &Statuses{catalog: cat, converters: converters, active: make(map[statusKey]int)}
	s.init(NameStatuses, opts)
	return s
}

// Apply sets the stacks of statusID applied by source, clamped to the
// status's maximum.
func (s *Statuses) Apply(source, statusID string, stacks int) Result {
	return mutate(&s.tracked, &s.active, func(active *map[statusKey]int) error {
		if s.catalog == nil {
			return reason(ReasonUnknownDefinition, statusID)
		}
		def, ok := s.catalog.Status(statusID)
		if !ok {
			return reason(ReasonUnknownDefinition, statusID)
		}
		if stacks < 1 {
			return reason(ReasonInvalidStacks, strconv.Itoa(stacks))
		}
		if def.MaxStacks > 0 && stacks > def.MaxStacks {
			stacks = def.MaxStacks
		}
		(*active)[statusKey{Source: source, StatusID: statusID}] = stacks
		return nil
	}, cloneStatuses, equalStatuses)
}

// Remove clears statusID applied by source.
func (s *Statuses) Remove(source, statusID string) Result {
	return mutate(&s.tracked, &s.active, func(active *map[statusKey]int) error {
		key := statusKey{Source: source, StatusID: statusID}
		if _, ok := (*active)[key]; !ok {
			return reason(ReasonNotActive, source+":"+statusID)
		}
		delete(*active, key)
		return nil
	}, cloneStatuses, equalStatuses)
}

// Clear removes every active status.
func (s *Statuses) Clear() Result {
	return mutate(&s.tracked, &s.active, func(active *map[statusKey]int) error {
		clear(*active)
		return nil
	}, cloneStatuses, equalStatuses)
}

// Active lists active statuses ordered by source then status.
func (s *Statuses) Active() []ActiveStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActiveStatus, 0, len(s.active))
	for _, key := range s.sortedKeys() {
		out = append(out, ActiveStatus{Source: key.Source, StatusID: key.StatusID, Stacks: s.active[key]})
	}
	return out
}

// Hash joins sorted source:status:stacks tuples.
func (s *Statuses) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, 0, len(s.active))
	for _, key := range s.sortedKeys() {
		parts = append(parts, key.Source+":"+key.StatusID+":"+strconv.Itoa(s.active[key]))
	}
	return strings.Join(parts, "|")
}

// BuildTrackedState converts every active status's mods scaled by stacks and
// raises one status_{id} flag per status. When several sources apply the same
// status, the first source in sorted order owns the flag.
func (s *Statuses) BuildTrackedState() stats.TrackedState {
	state := stats.NewTrackedState()
	if s.catalog == nil {
		return state
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	raised := make(map[string]bool)
	for _, key := range s.sortedKeys() {
		stacks := s.active[key]
		def, ok := s.catalog.Status(key.StatusID)
		if !ok {
			s.anomaly(anomalyUnknownDefinition, key.StatusID, "active status missing from catalog")
			continue
		}
		label := def.Name
		if label == "" {
			label = def.ID
		}
		for i, effect := range def.Mods {
			ctx := converter.Context{
				ConsumerID: stats.StatusConsumerID(key.Source, def.ID, i),
				Source:     label,
				Scale:      float64(stacks),
				Meta:       stats.Meta{"stacks": stacks, "source": key.Source},
			}
			out, ok := s.converters.Convert(effect, ctx)
			if !ok {
				s.anomaly(anomalyUnknownEffect, effect.Type, ctx.ConsumerID+" skipped")
				continue
			}
			out.ApplyTo(&state)
		}
		if raised[def.ID] {
			continue
		}
		raised[def.ID] = true
		state.AddFlag(StatusFlag(def.ID), stats.Flag{
			ConsumerID: stats.ConsumerID(stats.SystemStatus, key.Source, def.ID),
			Source:     label,
			Enabled:    true,
			Meta:       stats.Meta{"stacks": stacks},
		})
	}
	return state
}

// Delta rebuilds the state and diffs it against the last committed one.
func (s *Statuses) Delta() stats.Delta {
	return s.delta(s.BuildTrackedState())
}

// StatusFlag names the flag raised while a status is active.
func StatusFlag(statusID string) string {
	return "status_" + statusID
}

func (s *Statuses) sortedKeys() []statusKey {
	return slices.SortedFunc(maps.Keys(s.active), func(a, b statusKey) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.StatusID, b.StatusID))
	})
}

func cloneStatuses(m map[statusKey]int) map[statusKey]int {
	return maps.Clone(m)
}

func equalStatuses(a, b map[statusKey]int) bool {
	return maps.Equal(a, b)
}
