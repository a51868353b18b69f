package codec

import (
	"reflect"

	jsonx "wasp/internal/shared/json"
)

// Generic rewrites typed containers as map[string]any and []any, at any
// depth, so that files and references held in a []Record, a []*FileValue or
// a map[string]T are visible to the walkers. Files, references, byte slices
// and scalars are returned unchanged; a nil pointer becomes nil. The input
// is not modified.
func Generic(v any) any {
	switch value := v.(type) {
	case nil, string, bool, []byte, jsonx.Number:
		return v
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[key] = Generic(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = Generic(child)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	switch v.(type) {
	case File, Reference:
		return v
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		if rv.IsNil() {
			return map[string]any{}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Generic(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Generic(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// GenericMap is Generic for a record.
func GenericMap(record map[string]any) map[string]any {
	return Generic(record).(map[string]any)
}
