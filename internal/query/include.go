package query

import "syncwire/internal/schema"

// Include is a tree paralleling relations. A leaf is true (include with no
// further descent); an interior node is a nested include object. Includes
// shape the projection only, never which rows match.
type Include map[string]any

// Child returns the nested include under a relation name: nil when the
// relation is not included, an empty Include for a leaf.
func (inc Include) Child(name string) (Include, bool) {
	v, ok := inc[name]
	if !ok {
		return nil, false
	}
	switch c := v.(type) {
	case bool:
		if !c {
			return nil, false
		}
		return Include{}, true
	case Include:
		return c, true
	case map[string]any:
		return Include(c), true
	default:
		return nil, false
	}
}

// MergeInclude unions two include trees, descending where both sides do.
func MergeInclude(a, b Include) Include {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make(Include, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		prev, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		pc, _ := Include{k: prev}.Child(k)
		bc, _ := Include{k: v}.Child(k)
		merged := MergeInclude(pc, bc)
		if len(merged) == 0 {
			out[k] = true
		} else {
			out[k] = merged
		}
	}
	return out
}

// IncludeFor computes the include tree required to evaluate the predicate's
// relational descents in memory. Shallow predicates yield nil.
func IncludeFor(reg *schema.Registry, resource string, w Where) Include {
	var inc Include
	for key, cond := range w {
		switch key {
		case opAnd, opOr:
			for _, sub := range asWhereList(cond) {
				inc = MergeInclude(inc, IncludeFor(reg, resource, sub))
			}
		default:
			rel := reg.Relation(resource, key)
			if rel == nil {
				continue
			}
			nested := IncludeFor(reg, rel.Target, asWhere(cond))
			if inc == nil {
				inc = Include{}
			}
			if len(nested) == 0 {
				inc[key] = true
			} else {
				inc[key] = nested
			}
		}
	}
	return inc
}
