// Package params reads typed values out of the loosely typed parameter bags
// engines receive. Values arrive from Go callers, decoded JSON, CUE and
// Starlark, so numbers may be any of int, int64 or float64.
package params

import (
	"fmt"
	"strconv"
)

// String returns p[key] when it is a non-empty string, otherwise def.
func String(p map[string]interface{}, key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Float returns p[key] as a float64, otherwise def.
func Float(p map[string]interface{}, key string, def float64) float64 {
	if f, ok := toFloat(p[key]); ok {
		return f
	}
	return def
}

// Int returns p[key] as an int, truncating floats, otherwise def.
func Int(p map[string]interface{}, key string, def int) int {
	if f, ok := toFloat(p[key]); ok {
		return int(f)
	}
	return def
}

// Map returns p[key] when it is a map.
func Map(p map[string]interface{}, key string) map[string]interface{} {
	switch m := p[key].(type) {
	case map[string]interface{}:
		return m
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return nil
}

// List returns p[key] when it is a list.
func List(p map[string]interface{}, key string) []interface{} {
	switch l := p[key].(type) {
	case []interface{}:
		return l
	case []map[string]interface{}:
		out := make([]interface{}, len(l))
		for i, v := range l {
			out[i] = v
		}
		return out
	case []string:
		out := make([]interface{}, len(l))
		for i, v := range l {
			out[i] = v
		}
		return out
	}
	return nil
}

// Stringify renders v for logs and templates.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
