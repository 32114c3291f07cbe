package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"buildcalc/server/internal/telemetry"
	"buildcalc/server/stats"
)

// Memory is an in-process reference engine. It keeps the tracked state of
// every built entity by applying incoming deltas and computes a stat as
// (base + add) * (1 + multadd/100) * product(1 + mult/100), including
// broadcasts whose suffix pair matches the stat name. Flags evaluate to 1 or 0.
type Memory struct {
	mu       sync.Mutex
	entities map[string]stats.TrackedState
	requests []EvaluateRequest
	failNext string
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

// NewMemory constructs an empty reference engine.
func NewMemory(logger telemetry.Logger) *Memory {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return &Memory{
		entities: make(map[string]stats.TrackedState),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// FailNext makes the next call report msg as an engine error.
func (m *Memory) FailNext(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = msg
}

// Requests returns every evaluation request received so far.
func (m *Memory) Requests() []EvaluateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EvaluateRequest(nil), m.requests...)
}

// State returns the engine's view of entity.
func (m *Memory) State(entity string) (stats.TrackedState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.entities[entity]
	return state.Clone(), ok
}

// Build resets the entity graph.
func (m *Memory) Build(_ context.Context, req BuildRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if req.Entity == "" {
		return fmt.Errorf("%w: missing entity", ErrEngine)
	}
	m.entities[req.Entity] = stats.NewTrackedState()
	return nil
}

// Eval applies the request and computes the requested outputs.
func (m *Memory) Eval(_ context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	resp := m.evaluate(req)
	for id, res := range resp {
		if res.Error != "" {
			return nil, fmt.Errorf("%w: entity %s: %s", ErrEngine, id, res.Error)
		}
	}
	return resp, nil
}

// Explain lists the contributions feeding stat.
func (m *Memory) Explain(_ context.Context, req ExplainRequest) (Explanation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return Explanation{}, err
	}
	tree, err := m.explain(req)
	if err != nil {
		return Explanation{}, err
	}
	return Explanation{Entity: req.Entity, Stat: req.Stat, Tree: tree}, nil
}

// ServeHTTP upgrades the connection and answers framed calls until the peer
// disconnects.
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Printf("engine: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply, err := json.Marshal(m.handle(r.Context(), payload))
		if err != nil {
			m.logger.Printf("engine: failed to encode reply: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

type wireReply struct {
	Seq    uint64 `json:"seq"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

type wireCall struct {
	Seq    uint64          `json:"seq"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (m *Memory) handle(ctx context.Context, payload []byte) wireReply {
	var call wireCall
	if err := json.Unmarshal(payload, &call); err != nil {
		return wireReply{Error: "malformed call: " + err.Error()}
	}
	reply := wireReply{Seq: call.Seq}
	switch call.Method {
	case MethodBuild:
		var req BuildRequest
		if err := json.Unmarshal(call.Params, &req); err != nil {
			reply.Error = err.Error()
			return reply
		}
		if err := m.Build(ctx, req); err != nil {
			reply.Result = map[string]string{"error": trimEngineErr(err)}
			return reply
		}
		reply.Result = map[string]bool{"ok": true}
	case MethodEval:
		var req EvaluateRequest
		if err := json.Unmarshal(call.Params, &req); err != nil {
			reply.Error = err.Error()
			return reply
		}
		m.mu.Lock()
		if err := m.takeFailure(); err != nil {
			reply.Result = map[string]string{"error": trimEngineErr(err)}
		} else {
			reply.Result = m.evaluate(req)
		}
		m.mu.Unlock()
	case MethodExplain:
		var req ExplainRequest
		if err := json.Unmarshal(call.Params, &req); err != nil {
			reply.Error = err.Error()
			return reply
		}
		explanation, err := m.Explain(ctx, req)
		if err != nil {
			reply.Result = map[string]string{"error": trimEngineErr(err)}
			return reply
		}
		reply.Result = explanation.Tree
	default:
		reply.Error = "unknown method " + call.Method
	}
	return reply
}

func (m *Memory) takeFailure() error {
	if m.failNext == "" {
		return nil
	}
	msg := m.failNext
	m.failNext = ""
	return fmt.Errorf("%w: %s", ErrEngine, msg)
}

func (m *Memory) evaluate(req EvaluateRequest) EvaluateResponse {
	m.requests = append(m.requests, req)
	resp := make(EvaluateResponse, len(req.Outputs))
	for id := range req.SetEntity {
		state, ok := m.entities[id]
		if !ok {
			resp[id] = EntityResult{Error: "entity not built"}
			continue
		}
		m.entities[id] = stats.Apply(state, req.Delta(id))
	}
	for id, outputs := range req.Outputs {
		if res, failed := resp[id]; failed && res.Error != "" {
			continue
		}
		state, ok := m.entities[id]
		if !ok {
			resp[id] = EntityResult{Error: "entity not built"}
			continue
		}
		values := make(map[string]any, len(outputs))
		for _, name := range outputs {
			values[name] = value(state, name)
		}
		resp[id] = EntityResult{Values: values}
	}
	return resp
}

type explainedContribution struct {
	ConsumerID string      `json:"consumer_id"`
	Source     string      `json:"source"`
	Amount     float64     `json:"amount"`
	Layer      stats.Layer `json:"layer"`
}

func (m *Memory) explain(req ExplainRequest) (json.RawMessage, error) {
	state, ok := m.entities[req.Entity]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s not built", ErrEngine, req.Entity)
	}
	var parts []explainedContribution
	for _, c := range contributionsFor(state, req.Stat) {
		parts = append(parts, explainedContribution{ConsumerID: c.id, Source: c.source, Amount: c.amount, Layer: c.layer})
	}
	return json.Marshal(map[string]any{
		"stat":          req.Stat,
		"value":         value(state, req.Stat),
		"contributions": parts,
	})
}

type contribution struct {
	id     string
	source string
	amount float64
	layer  stats.Layer
}

func contributionsFor(state stats.TrackedState, name string) []contribution {
	var out []contribution
	keys := []string{name}
	for _, layer := range []stats.Layer{stats.LayerBase, stats.LayerAdd, stats.LayerMultAdd, stats.LayerMult} {
		keys = append(keys, stats.StatKey(name, layer))
	}
	for _, key := range keys {
		for _, mod := range state.Mods[key] {
			out = append(out, contribution{id: mod.ConsumerID, source: mod.Source, amount: mod.Amount, layer: mod.Layer})
		}
	}
	for _, b := range state.Broadcasts {
		if strings.HasSuffix(name, "_"+b.FlagSuffix+"_"+b.StatSuffix) {
			out = append(out, contribution{id: b.ConsumerID, source: b.Contribution.Source, amount: b.Contribution.Amount, layer: b.Contribution.Layer})
		}
	}
	return out
}

func value(state stats.TrackedState, name string) float64 {
	if flags := state.Flags[name]; len(flags) > 0 {
		if flags[0].Enabled {
			return 1
		}
		return 0
	}
	var base, add, increased float64
	more := 1.0
	for _, c := range contributionsFor(state, name) {
		switch c.layer {
		case stats.LayerBase:
			base += c.amount
		case stats.LayerMultAdd:
			increased += c.amount
		case stats.LayerMult:
			more *= 1 + c.amount/100
		default:
			add += c.amount
		}
	}
	return (base + add) * (1 + increased/100) * more
}

func trimEngineErr(err error) string {
	return strings.TrimPrefix(err.Error(), ErrEngine.Error()+": ")
}
