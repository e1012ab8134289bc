package plugin

// Row is one unit of pipeline data: the engine's in-memory representation of
// what a source yielded and what transforms rewrite. Keys map directly to
// schema field names.
type Row map[string]any

// DeepCopy returns a copy of the row that shares no mutable substructure
// with the original.
//
// Fork and expand hand row data to sibling tokens; a shallow copy would let
// a mutation in one branch leak into its siblings and corrupt the lineage
// those tokens record. Deep copy here is mandatory, not defensive.
func (r Row) DeepCopy() Row {
	if r == nil {
		return nil
	}

	out := make(Row, len(r))
	for k, v := range r {
		out[k] = deepCopyValue(v)
	}

	return out
}

// deepCopyValue copies the JSON-shaped subset of Go values. Scalars are
// immutable and pass through; maps and slices recurse.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = deepCopyValue(inner)
		}

		return out
	case Row:
		return map[string]any(tv.DeepCopy())
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = deepCopyValue(inner)
		}

		return out
	case []map[string]any:
		out := make([]map[string]any, len(tv))
		for i, inner := range tv {
			copied := deepCopyValue(map[string]any(inner))
			out[i], _ = copied.(map[string]any)
		}

		return out
	default:
		return v
	}
}

// DeepCopyRows deep-copies a slice of rows.
func DeepCopyRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.DeepCopy()
	}

	return out
}
