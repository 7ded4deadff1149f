package record

// Meta carries the per-field last-writer-wins timestamp as an ISO-8601 UTC
// string. Lexicographic order on the string equals temporal order.
type Meta struct {
	Timestamp string `json:"timestamp"`
}

// FieldValue is a single slot of a materialized value: the stored value plus
// its meta. For included relations Value holds a nested Materialized (one) or
// []Materialized (many) and Meta is nil.
type FieldValue struct {
	Value any   `json:"value"`
	Meta  *Meta `json:"_meta,omitempty"`
}

// Materialized is the canonical value/meta form of a record: a mapping from
// field name to FieldValue. The bare id field carries no meta.
type Materialized map[string]FieldValue

// ID returns the record's id, or "" if absent.
func (m Materialized) ID() string {
	fv, ok := m[idField]
	if !ok {
		return ""
	}
	s, _ := fv.Value.(string)
	return s
}

const idField = "id"

// Timestamp returns the meta timestamp of a field, or "" when the field is
// absent or carries no meta.
func (m Materialized) Timestamp(field string) string {
	fv, ok := m[field]
	if !ok || fv.Meta == nil {
		return ""
	}
	return fv.Meta.Timestamp
}

// Plain projects the materialized tree down to bare values. Nested relations
// become map[string]any (one) or []map[string]any (many).
func (m Materialized) Plain() map[string]any {
	out := make(map[string]any, len(m))
	for name, fv := range m {
		out[name] = plainValue(fv.Value)
	}
	return out
}

func plainValue(v any) any {
	switch val := v.(type) {
	case Materialized:
		return val.Plain()
	case []Materialized:
		list := make([]map[string]any, len(val))
		for i, m := range val {
			list[i] = m.Plain()
		}
		return list
	case nil:
		return nil
	default:
		return val
	}
}

// FromPlain builds a materialized value stamping every non-id field with the
// given timestamp. Used by clients and facades that start from bare values.
func FromPlain(plain map[string]any, ts string) Materialized {
	out := make(Materialized, len(plain))
	for name, v := range plain {
		if name == idField {
			out[name] = FieldValue{Value: v}
			continue
		}
		out[name] = FieldValue{Value: v, Meta: &Meta{Timestamp: ts}}
	}
	return out
}
