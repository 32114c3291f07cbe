// Package engine is the request/response boundary to the external stat
// evaluation engine.
package engine

import (
	"encoding/json"

	"buildcalc/server/stats"
)

// Methods understood by the engine.
const (
	MethodBuild   = "build"
	MethodEval    = "eval"
	MethodExplain = "explain"
)

// EntityDelta is the per-entity section of an evaluation request.
type EntityDelta struct {
	RemoveStats map[string][]string     `json:"removeStats"`
	RemoveFlags []string                `json:"removeFlags"`
	Stats       map[string][]stats.Mod  `json:"stats"`
	Flags       map[string][]stats.Flag `json:"flags"`
}

// BroadcastDelta retracts and adds wildcard contributions for one entity.
type BroadcastDelta struct {
	Remove []stats.BroadcastRemoval `json:"remove"`
	Add    []stats.Broadcast        `json:"add"`
}

// EvaluateRequest applies a delta to one or more entities and asks for the
// listed outputs.
type EvaluateRequest struct {
	SetEntity map[string]EntityDelta    `json:"setEntity"`
	Outputs   map[string][]string       `json:"outputs"`
	Broadcast map[string]BroadcastDelta `json:"broadcast,omitempty"`
}

// BuildRequest asks the engine to construct the stat graph of an entity from
// scratch, discarding any state it held for it.
type BuildRequest struct {
	Entity  string   `json:"entity"`
	Outputs []string `json:"outputs,omitempty"`
}

// ExplainRequest asks for the contribution breakdown of one stat.
type ExplainRequest struct {
	Entity string `json:"entity"`
	Stat   string `json:"stat"`
}

// EntityResult is the engine's answer for one entity. Values are numbers or
// strings.
type EntityResult struct {
	Values map[string]any `json:"values"`
	Error  string         `json:"error,omitempty"`
}

// Number returns the numeric value of name.
func (r EntityResult) Number(name string) (float64, bool) {
	v, ok := r.Values[name].(float64)
	return v, ok
}

// EvaluateResponse maps entity ids to their results.
type EvaluateResponse map[string]EntityResult

// Explanation is the engine's raw breakdown tree. Formatting it is left to
// the caller.
type Explanation struct {
	Entity string          `json:"entity"`
	Stat   string          `json:"stat"`
	Tree   json.RawMessage `json:"tree"`
}

// NewEvaluateRequest converts a merged delta for entityID into a request.
// The broadcast section is omitted when the delta carries no broadcast
// changes.
func NewEvaluateRequest(entityID string, delta stats.Delta, outputs []string) EvaluateRequest {
	entity := EntityDelta{
		RemoveStats: delta.RemoveStats,
		RemoveFlags: delta.RemoveFlags,
		Stats:       delta.Stats,
		Flags:       delta.Flags,
	}
	if entity.RemoveStats == nil {
		entity.RemoveStats = map[string][]string{}
	}
	if entity.RemoveFlags == nil {
		entity.RemoveFlags = []string{}
	}
	if entity.Stats == nil {
		entity.Stats = map[string][]stats.Mod{}
	}
	if entity.Flags == nil {
		entity.Flags = map[string][]stats.Flag{}
	}
	req := EvaluateRequest{
		SetEntity: map[string]EntityDelta{entityID: entity},
		Outputs:   map[string][]string{entityID: append([]string{}, outputs...)},
	}
	if len(delta.Broadcasts) > 0 || len(delta.RemoveBroadcasts) > 0 {
		bd := BroadcastDelta{Remove: delta.RemoveBroadcasts, Add: delta.Broadcasts}
		if bd.Remove == nil {
			bd.Remove = []stats.BroadcastRemoval{}
		}
		if bd.Add == nil {
			bd.Add = []stats.Broadcast{}
		}
		req.Broadcast = map[string]BroadcastDelta{entityID: bd}
	}
	return req
}

// Delta converts the section of req addressed to entityID back into a delta.
func (req EvaluateRequest) Delta(entityID string) stats.Delta {
	entity := req.SetEntity[entityID]
	d := stats.Delta{
		Stats:       entity.Stats,
		RemoveStats: entity.RemoveStats,
		Flags:       entity.Flags,
		RemoveFlags: entity.RemoveFlags,
	}
	if bd, ok := req.Broadcast[entityID]; ok {
		d.Broadcasts = bd.Add
		d.RemoveBroadcasts = bd.Remove
	}
	return d
}

// envelope frames every call on the wire. Seq correlates responses.
type envelope struct {
	Seq    uint64 `json:"seq"`
	Method string `json:"method"`
	Params any    `json:"params"`
}
