package wasp

import (
	"fmt"
	"sort"
	"strconv"

	"wasp/internal/codec"
	jsonx "wasp/internal/shared/json"
)

// Record is a mapping from tag to value. Values are string, bool, int64,
// float64, nil, nested Record, []any, *FileValue or *ReferenceValue; typed
// containers such as []Record or []*FileValue are accepted on writes.
// Records from the server also carry _id, version, conduit_mutable, date and
// unique_name.
type Record = map[string]any

// Reserved tags.
const (
	TagID             = "_id"
	TagVersion        = "version"
	TagMutable        = "conduit_mutable"
	TagDate           = "date"
	TagUniqueName     = "unique_name"
	TagConduitVersion = "conduitVersion"
)

var serverManagedTags = []string{TagDate, TagID, TagConduitVersion, TagUniqueName, TagVersion}

// RecordID returns the record's _id, or "" when it has none.
func RecordID(record Record) string {
	if record == nil {
		return ""
	}
	switch id := record[TagID].(type) {
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// RecordVersion returns the record's version, or 0 when absent or not numeric.
func RecordVersion(record Record) int64 {
	switch v := record[TagVersion].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case jsonx.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// IsMutableRecord reports the record's conduit_mutable flag, which defaults
// to true.
func IsMutableRecord(record Record) bool {
	if mutable, ok := record[TagMutable].(bool); ok {
		return mutable
	}
	return true
}

// Strip returns a deep copy of record without server-managed tags at any
// depth, including inside typed containers such as []Record. File and
// reference values are shared, not copied.
func Strip(record Record) Record {
	return stripValue(codec.GenericMap(record)).(Record)
}

func stripValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			if isServerManaged(key) {
				continue
			}
			out[key] = stripValue(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = stripValue(child)
		}
		return out
	default:
		return v
	}
}

func isServerManaged(tag string) bool {
	for _, managed := range serverManagedTags {
		if managed == tag {
			return true
		}
	}
	return false
}

// CloseRecord closes every FileValue in record, returning the first error.
func CloseRecord(record Record) error {
	var first error
	walkFiles(record, func(f *FileValue) {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	})
	return first
}

// walkFiles calls fn for every FileValue in v, at any depth and inside typed
// containers.
func walkFiles(v any, fn func(*FileValue)) {
	walkLeaves(codec.Generic(v), func(leaf any) {
		if file, ok := leaf.(*FileValue); ok {
			fn(file)
		}
	})
}

// walkReferences calls fn for every ReferenceValue in v.
func walkReferences(v any, fn func(*ReferenceValue)) {
	walkLeaves(codec.Generic(v), func(leaf any) {
		if ref, ok := leaf.(*ReferenceValue); ok {
			fn(ref)
		}
	})
}

func walkLeaves(v any, fn func(any)) {
	switch value := v.(type) {
	case map[string]any:
		for _, child := range value {
			walkLeaves(child, fn)
		}
	case []any:
		for _, child := range value {
			walkLeaves(child, fn)
		}
	default:
		fn(v)
	}
}

// sortByVersion orders records oldest first, keeping server order for ties.
func sortByVersion(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return RecordVersion(records[i]) < RecordVersion(records[j])
	})
}
