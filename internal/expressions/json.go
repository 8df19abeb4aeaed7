package expressions

import "encoding/json"

// toJSONValue round-trips v through encoding/json so structs (file references,
// payment confirmations) and typed slices become plain maps, slices and float64s,
// the only shapes CEL and jq accept.
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
