package converter

import "buildcalc/server/stats"

// Built-in effect types.
const (
	TypeStat    = "stat"
	TypeTagStat = "tag_stat"
	TypeFlag    = "flag"
)

// EverythingTag is the tag every equipped skill carries.
const EverythingTag = "Everything"

// Default returns a registry populated with the built-in converters.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(TypeStat, When(hasStat, Func(convertStat)))
	// Tagged stat bonuses fan out through a broadcast unless the tag is
	// Everything, which targets the plain stat.
	r.MustRegister(TypeTagStat, When(hasSpecificTag, Func(convertTagBroadcast)))
	r.MustRegister(TypeTagStat, When(hasStat, Func(convertStat)))
	r.MustRegister(TypeFlag, When(func(e Effect) bool { return e.Flag != "" }, Func(convertFlag)))
	return r
}

func hasStat(e Effect) bool {
	return e.Stat != ""
}

func hasSpecificTag(e Effect) bool {
	return e.Stat != "" && e.Tag != "" && e.Tag != EverythingTag
}

func convertStat(e Effect, ctx Context) Output {
	layer := stats.ParseLayer(e.Modifier)
	return Output{Mods: []StatMod{{
		Stat: stats.StatKey(e.Stat, layer),
		Mod: stats.Mod{
			ConsumerID:  ctx.ConsumerID,
			Source:      ctx.Source,
			Amount:      ctx.scaled(e.Amount),
			Layer:       layer,
			Condition:   e.Condition,
			Calculation: e.Calculation,
			Meta:        ctx.Meta.Clone(),
		},
	}}}
}

func convertTagBroadcast(e Effect, ctx Context) Output {
	return Output{Broadcasts: []stats.Broadcast{{
		ConsumerID: ctx.ConsumerID,
		FlagSuffix: "tag_" + stats.NormalizeName(e.Tag),
		StatSuffix: e.Stat,
		Contribution: stats.Contribution{
			Source:      ctx.Source,
			Amount:      ctx.scaled(e.Amount),
			Layer:       stats.ParseLayer(e.Modifier),
			Condition:   e.Condition,
			Calculation: e.Calculation,
			Meta:        ctx.Meta.Clone(),
		},
	}}}
}

func convertFlag(e Effect, ctx Context) Output {
	enabled := true
	if v, ok := e.Params["enabled"]; ok && v == 0 {
		enabled = false
	}
	return Output{Flags: []NamedFlag{{
		Name: e.Flag,
		Flag: stats.Flag{ConsumerID: ctx.ConsumerID, Source: ctx.Source, Enabled: enabled, Meta: ctx.Meta.Clone()},
	}}}
}
