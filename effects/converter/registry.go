package converter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"buildcalc/server/stats"
)

// Effect is a skill-behaviour affix attached to a relic or constellation node.
// Type selects the converter; the remaining fields are interpreted by it.
type Effect struct {
	Type        string             `yaml:"type" json:"type" jsonschema:"title=Effect type,description=Selects the registered converter,minLength=1"`
	Stat        string             `yaml:"stat,omitempty" json:"stat,omitempty"`
	Tag         string             `yaml:"tag,omitempty" json:"tag,omitempty"`
	Flag        string             `yaml:"flag,omitempty" json:"flag,omitempty"`
	Amount      float64            `yaml:"amount,omitempty" json:"amount,omitempty"`
	Modifier    string             `yaml:"modifier,omitempty" json:"modifier,omitempty" jsonschema:"description=Modifier type mapped to a layer; unknown values fall back to add"`
	Condition   string             `yaml:"condition,omitempty" json:"condition,omitempty"`
	Calculation string             `yaml:"calculation,omitempty" json:"calculation,omitempty"`
	Params      map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

// Context carries the identity and scaling of the allocation that owns the
// effect.
type Context struct {
	ConsumerID string
	Source     string
	// Scale multiplies Amount; zero is treated as 1.
	Scale float64
	Meta  stats.Meta
}

func (c Context) scaled(amount float64) float64 {
	if c.Scale == 0 {
		return amount
	}
	return amount * c.Scale
}

// StatMod pairs a mod with the stat key it targets.
type StatMod struct {
	Stat string
	Mod  stats.Mod
}

// NamedFlag pairs a flag with its flag name.
type NamedFlag struct {
	Name string
	Flag stats.Flag
}

// Output is what a converter contributes for one effect.
type Output struct {
	Mods       []StatMod
	Flags      []NamedFlag
	Broadcasts []stats.Broadcast
}

// ApplyTo appends the output to the provided tracked state.
func (o Output) ApplyTo(state *stats.TrackedState) {
	for _, m := range o.Mods {
		state.AddMod(m.Stat, m.Mod)
	}
	for _, f := range o.Flags {
		state.AddFlag(f.Name, f.Flag)
	}
	for _, b := range o.Broadcasts {
		state.AddBroadcast(b)
	}
}

// Converter turns an effect into contributions.
type Converter interface {
	Convert(effect Effect, ctx Context) Output
}

// Handler is optionally implemented by converters that only accept a subset
// of the effects registered under their type.
type Handler interface {
	CanHandle(effect Effect) bool
}

// Func adapts a function into a Converter.
type Func func(effect Effect, ctx Context) Output

// Convert implements Converter.
func (f Func) Convert(effect Effect, ctx Context) Output {
	return f(effect, ctx)
}

type guarded struct {
	Converter
	canHandle func(Effect) bool
}

func (g guarded) CanHandle(effect Effect) bool {
	return g.canHandle(effect)
}

// When attaches a CanHandle predicate to a converter.
func When(predicate func(Effect) bool, conv Converter) Converter {
	if predicate == nil {
		return conv
	}
	return guarded{Converter: conv, canHandle: predicate}
}

var (
	errEmptyType    = errors.New("effect type must not be empty")
	errNilConverter = errors.New("converter must not be nil")
)

// Registry maps effect types to converters tried in registration order.
type Registry struct {
	byType map[string][]Converter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]Converter)}
}

// Register appends conv to the converters consulted for effectType.
func (r *Registry) Register(effectType string, conv Converter) error {
	key := strings.TrimSpace(effectType)
	if key == "" {
		return errEmptyType
	}
	if conv == nil {
		return fmt.Errorf("converter %q: %w", key, errNilConverter)
	}
	if r.byType == nil {
		r.byType = make(map[string][]Converter)
	}
	r.byType[key] = append(r.byType[key], conv)
	return nil
}

// MustRegister registers conv and panics on invalid input. Useful for
// package-level defaults.
func (r *Registry) MustRegister(effectType string, conv Converter) {
	if err := r.Register(effectType, conv); err != nil {
		panic(err)
	}
}

// Lookup returns the first converter able to handle the effect.
func (r *Registry) Lookup(effect Effect) (Converter, bool) {
	if r == nil {
		return nil, false
	}
	for _, conv := range r.byType[strings.TrimSpace(effect.Type)] {
		if handler, ok := conv.(Handler); ok && !handler.CanHandle(effect) {
			continue
		}
		return conv, true
	}
	return nil, false
}

// Convert runs the first matching converter. ok is false when no converter
// accepts the effect.
func (r *Registry) Convert(effect Effect, ctx Context) (Output, bool) {
	conv, ok := r.Lookup(effect)
	if !ok {
		return Output{}, false
	}
	return conv.Convert(effect, ctx), true
}

// Types lists the registered effect types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.byType))
	for key := range r.byType {
		types = append(types, key)
	}
	sort.Strings(types)
	return types
}
