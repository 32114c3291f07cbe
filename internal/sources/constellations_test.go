package sources

import (
	"slices"
	"strings"
	"testing"
)

func TestConstellationCascadeRemovesDependents(t *testing.T) {
	c := NewConstellations(loadFixture(t), converters())
	requireSuccess(t, c.Allocate("crane", "root", 1))
	requireSuccess(t, c.Allocate("crane", "left", 1))
	requireSuccess(t, c.Allocate("crane", "right", 1))

	res := c.Deallocate("crane", "root")
	if !res.Success {
		t.Fatalf("expected deallocation to succeed, got %q", res.Error)
	}
	if len(res.CascadedNodes) != 2 {
		t.Fatalf("expected 2 cascaded nodes, got %v", res.CascadedNodes)
	}
	if !slices.Equal(res.CascadedNodes, []string{"crane:left", "crane:right"}) {
		t.Fatalf("unexpected cascade %v", res.CascadedNodes)
	}
	if len(c.Allocated()) != 0 {
		t.Fatalf("expected nothing allocated, got %+v", c.Allocated())
	}
}

func TestConstellationCascadeFollowsDevotion(t *testing.T) {
	c := NewConstellations(loadFixture(t), converters())
	if res := c.Allocate("tortoise", "shell", 1); res.Success || !strings.HasPrefix(res.Error, ReasonRequirementsUnmet) {
		t.Fatalf("expected unmet requirements, got %+v", res)
	}
	requireSuccess(t, c.Allocate("crane", "root", 1))
	requireSuccess(t, c.Allocate("tortoise", "shell", 1))
	if got := c.DevotionTotals()["ascendant"]; got != 1 {
		t.Fatalf("expected one ascendant point, got %d", got)
	}

	res := c.Deallocate("crane", "root")
	if !slices.Equal(res.CascadedNodes, []string{"tortoise:shell"}) {
		t.Fatalf("expected tortoise to lose its requirement, got %v", res.CascadedNodes)
	}
}

func TestConstellationAllocationRules(t *testing.T) {
	c := NewConstellations(loadFixture(t), converters())
	if res := c.Allocate("crane", "left", 1); res.Success || !strings.HasPrefix(res.Error, ReasonParentMissing) {
		t.Fatalf("expected missing parent, got %+v", res)
	}
	requireSuccess(t, c.Allocate("crane", "root", 1))
	if res := c.Allocate("crane", "left", 3); res.Success || !strings.HasPrefix(res.Error, ReasonInvalidLevel) {
		t.Fatalf("expected level above max to fail, got %+v", res)
	}
	if res := c.Allocate("crane", "wing", 1); res.Success || !strings.HasPrefix(res.Error, ReasonUnknownNode) {
		t.Fatalf("expected unknown node, got %+v", res)
	}
	if res := c.Deallocate("crane", "left"); res.Success {
		t.Fatal("expected deallocating an unallocated node to fail")
	}
}

func TestConstellationMasteryRequiresMaxLevels(t *testing.T) {
	c := NewConstellations(loadFixture(t), converters())
	requireSuccess(t, c.Allocate("crane", "root", 1))
	requireSuccess(t, c.Allocate("crane", "left", 1))
	requireSuccess(t, c.Allocate("crane", "right", 1))
	if _, ok := c.BuildTrackedState().Flags["CraneMastery"]; ok {
		t.Fatal("expected no mastery while a node is below max level")
	}
	assertIdempotent(t, c)

	requireSuccess(t, c.Allocate("crane", "left", 2))
	delta := c.Delta()
	flags := delta.Flags["CraneMastery"]
	if len(flags) != 1 || flags[0].ConsumerID != "constellation:crane:mastery:0" {
		t.Fatalf("expected mastery flag to be added, got %+v", delta.Flags)
	}
	life := delta.Stats["Life.add"]
	if len(life) != 1 || life[0].Amount != 6 || life[0].ConsumerID != "constellation:crane:left:0" {
		t.Fatalf("expected level scaled life, got %+v", life)
	}
	if ids := delta.RemoveStats["Life.add"]; len(ids) != 1 {
		t.Fatalf("expected the level change to replace the old mod, got %+v", delta.RemoveStats)
	}
}
