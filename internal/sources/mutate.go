package sources

import (
	"errors"
	"fmt"
	"maps"
)

// Validation failure reasons reported through Result.Error.
const (
	ReasonUnknownDefinition = "unknown definition"
	ReasonUnknownNode       = "unknown node"
	ReasonSlotMismatch      = "item does not fit slot"
	ReasonInvalidRoll       = "roll must be within [0,1]"
	ReasonInvalidLevel      = "invalid level"
	ReasonInvalidStacks     = "stacks must be positive"
	ReasonNotEquipped       = "nothing equipped"
	ReasonNotAllocated      = "node not allocated"
	ReasonParentMissing     = "parent node not allocated"
	ReasonRequirementsUnmet = "devotion requirements not met"
	ReasonPrerequisites     = "prerequisite nodes not allocated"
	ReasonHasDependents     = "other allocated nodes depend on this node"
	ReasonOutOfBounds       = "placement outside the grid"
	ReasonCellOccupied      = "cell already occupied"
	ReasonNotPlaced         = "relic not placed"
	ReasonNotActive         = "status not active"
)

func reason(r, ref string) error {
	if ref == "" {
		return errors.New(r)
	}
	return fmt.Errorf("%s: %s", r, ref)
}

// mutate applies fn to state under the adapter lock, rolling back when fn
// fails. When the state changed the version is incremented and the notifier
// runs once the lock is released.
func mutate[T any](t *tracked, state *T, fn func(*T) error, clone func(T) T, equal func(T, T) bool) Result {
	if state == nil || fn == nil || clone == nil || equal == nil {
		return succeeded()
	}

	t.mu.Lock()
	before := clone(*state)
	if err := fn(state); err != nil {
		*state = before
		t.mu.Unlock()
		return failed(err)
	}
	if equal(before, *state) {
		t.mu.Unlock()
		return succeeded()
	}
	t.version++
	notify := t.notify
	t.mu.Unlock()

	if notify != nil {
		notify(t.name)
	}
	return succeeded()
}

func cloneNested[K comparable, K2 comparable, V any](m map[K]map[K2]V) map[K]map[K2]V {
	if m == nil {
		return nil
	}
	out := make(map[K]map[K2]V, len(m))
	for k, inner := range m {
		out[k] = maps.Clone(inner)
	}
	return out
}

func equalNested[K comparable, K2 comparable, V comparable](a, b map[K]map[K2]V) bool {
	return maps.EqualFunc(a, b, func(x, y map[K2]V) bool { return maps.Equal(x, y) })
}
