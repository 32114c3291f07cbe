package engine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// decodeResponse extracts the sequence id and either the result or the
// transport-level error of a response frame.
func decodeResponse(payload []byte) (uint64, response, bool) {
	if !gjson.ValidBytes(payload) {
		return 0, response{}, false
	}
	fields := gjson.GetManyBytes(payload, "seq", "result", "error")
	if !fields[0].Exists() || fields[0].Type != gjson.Number {
		return 0, response{}, false
	}
	seq := fields[0].Uint()
	if msg := fields[2]; msg.Exists() && msg.Type != gjson.Null {
		return seq, response{err: fmt.Errorf("%w: %s", ErrEngine, msg.String())}, true
	}
	raw := fields[1].Raw
	if raw == "" {
		raw = "null"
	}
	return seq, response{result: json.RawMessage(raw)}, true
}

// topLevelError reports an { "error": ... } result.
func topLevelError(result json.RawMessage) error {
	msg := gjson.GetBytes(result, "error")
	if msg.Exists() && msg.Type == gjson.String && msg.String() != "" {
		return fmt.Errorf("%w: %s", ErrEngine, msg.String())
	}
	return nil
}

// decodeEvaluate reads { <entityId>: { values, error? } } or a top-level
// error. A per-entity error fails the whole response.
func decodeEvaluate(result json.RawMessage) (EvaluateResponse, error) {
	if err := topLevelError(result); err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(result)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: unexpected evaluate result %.80s", ErrEngine, result)
	}
	out := make(EvaluateResponse)
	var failure error
	parsed.ForEach(func(key, entity gjson.Result) bool {
		res := EntityResult{Values: make(map[string]any)}
		entity.Get("values").ForEach(func(name, value gjson.Result) bool {
			switch value.Type {
			case gjson.Number:
				res.Values[name.String()] = value.Float()
			case gjson.String:
				res.Values[name.String()] = value.String()
			case gjson.True, gjson.False:
				res.Values[name.String()] = value.Bool()
			}
			return true
		})
		if msg := entity.Get("error"); msg.Exists() && msg.String() != "" {
			res.Error = msg.String()
			failure = fmt.Errorf("%w: entity %s: %s", ErrEngine, key.String(), res.Error)
			return false
		}
		out[key.String()] = res
		return true
	})
	if failure != nil {
		return nil, failure
	}
	return out, nil
}
