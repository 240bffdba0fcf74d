package types

import (
	"fmt"
	"strconv"
)

// Invocation is one named operation sent by the controller
type Invocation struct {
	ID     string                 `json:"id,omitempty" msgpack:"id,omitempty"`
	Method string                 `json:"method" msgpack:"method"`
	Params map[string]interface{} `json:"params,omitempty" msgpack:"params,omitempty"`
}

// String returns a string parameter, empty when missing
func (inv Invocation) String(name string) string {
	v, ok := inv.Params[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns a boolean parameter, false when missing
func (inv Invocation) Bool(name string) bool {
	switch v := inv.Params[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Int returns an integer parameter.
//
// JSON numbers decode as float64 and msgpack integers as int8..uint64, so
// every numeric type is accepted.
func (inv Invocation) Int(name string) (int, error) {
	v, ok := inv.Params[name]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("parameter %q has unsupported type %T", name, v)
	}
}
