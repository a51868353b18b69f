package codec

// Binder turns placeholders into live values bound to a client.
type Binder interface {
	BindFile(FilePlaceholder) any
	BindReference(ReferencePlaceholder) any
}

// Materialize converts a node tree into generic values. Maps become
// map[string]any and sequences []any. A nil binder leaves placeholders as
// their node values.
func Materialize(n Node, binder Binder) any {
	switch node := n.(type) {
	case nil:
		return nil
	case Primitive:
		return node.Value
	case Mapping:
		out := make(map[string]any, len(node))
		for key, child := range node {
			out[key] = Materialize(child, binder)
		}
		return out
	case Sequence:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = Materialize(child, binder)
		}
		return out
	case FilePlaceholder:
		if binder == nil {
			return node
		}
		return binder.BindFile(node)
	case ReferencePlaceholder:
		if binder == nil {
			return node
		}
		return binder.BindReference(node)
	}
	return nil
}

// DecodeValue walks an already generic tree and binds any placeholders it
// still contains. Bound values pass through, so decoding twice is the same as
// decoding once.
func DecodeValue(v any, binder Binder) any {
	return Materialize(FromValue(v), binder)
}

// Decode parses data and materializes it in one step.
func Decode(data []byte, binder Binder) (any, error) {
	node, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Materialize(node, binder), nil
}
