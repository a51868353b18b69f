// Package codec converts between server JSON and record values. Decoding goes
// through a small node tree so file and reference markers are recognized in
// one place; encoding produces either a JSON document with side-channel
// binary parts, a dotted query, or a bracket-nested form.
package codec

import (
	"fmt"
	"strconv"

	jsonx "wasp/internal/shared/json"
)

// Wire markers.
const (
	TypeKey            = "type"
	TypeMongoFile      = "mongo_file"
	TypeMongoReference = "mongo_reference"
	TypeConduitFile    = "conduit_file"

	KeyMongoID         = "mongo_id"
	KeyMongoCollection = "mongo_collection"
	KeyName            = "name"
)

// Node is one element of a decoded server document.
type Node interface {
	isNode()
}

// Primitive is a leaf: string, bool, int64, float64, nil, or an already
// materialized value.
type Primitive struct {
	Value any
}

// Mapping is a JSON object.
type Mapping map[string]Node

// Sequence is a JSON array.
type Sequence []Node

// FilePlaceholder marks a file stored on the server.
type FilePlaceholder struct {
	ID   string
	Name string
}

// ReferencePlaceholder marks a pointer to a record in another collection.
type ReferencePlaceholder struct {
	Collection string
	ID         string
}

func (Primitive) isNode()            {}
func (Mapping) isNode()              {}
func (Sequence) isNode()             {}
func (FilePlaceholder) isNode()      {}
func (ReferencePlaceholder) isNode() {}

// Entry returns the wire form of the reference.
func (r ReferencePlaceholder) Entry() map[string]any {
	return map[string]any{
		TypeKey:            TypeMongoReference,
		KeyMongoCollection: r.Collection,
		KeyMongoID:         r.ID,
	}
}

// Parse decodes JSON into a node tree.
func Parse(data []byte) (Node, error) {
	var raw any
	if err := jsonx.UnmarshalNumbers(data, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return FromValue(raw), nil
}

// FromValue builds a node tree from a generic value. Values that are neither
// maps nor slices become primitives unchanged.
func FromValue(v any) Node {
	switch value := v.(type) {
	case map[string]any:
		if marker, ok := placeholder(value); ok {
			return marker
		}
		mapping := make(Mapping, len(value))
		for key, child := range value {
			mapping[key] = FromValue(child)
		}
		return mapping
	case []any:
		seq := make(Sequence, len(value))
		for i, child := range value {
			seq[i] = FromValue(child)
		}
		return seq
	case jsonx.Number:
		return Primitive{Value: number(value)}
	default:
		return Primitive{Value: v}
	}
}

func placeholder(m map[string]any) (Node, bool) {
	kind, _ := m[TypeKey].(string)
	switch kind {
	case TypeMongoFile:
		return FilePlaceholder{ID: stringOf(m[KeyMongoID]), Name: stringOf(m[KeyName])}, true
	case TypeMongoReference:
		return ReferencePlaceholder{Collection: stringOf(m[KeyMongoCollection]), ID: stringOf(m[KeyMongoID])}, true
	}
	return nil, false
}

func number(n jsonx.Number) any {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(string(n), 64); err == nil {
		return f
	}
	return string(n)
}

func stringOf(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case jsonx.Number:
		return string(value)
	default:
		return fmt.Sprint(value)
	}
}
