package query

import (
	"fmt"

	"syncwire/internal/schema"
)

// Where is the predicate tree in its raw wire shape. Keys are field names,
// relation names, or the compound operators "$and" / "$or". A field key maps
// to either a shorthand value (meaning $eq) or an operator object such as
// {"$gte": 10}. A relation key maps to a nested Where evaluated against the
// related entity; descent across a many-relation is existential.
type Where map[string]any

// Comparison operators accepted in a leaf operator object.
const (
	OpEq  = "$eq"
	OpIn  = "$in"
	OpNot = "$not"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpLt  = "$lt"
	OpLte = "$lte"

	opAnd = "$and"
	opOr  = "$or"
)

// And combines two predicates under $and. Either side may be nil.
func And(a, b Where) Where {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return Where{opAnd: []any{a, b}}
}

// Matches evaluates the predicate against a plain record. Relation descents
// read the nested value attached under the relation name, so the record must
// have been fetched with the include derived by IncludeFor when the predicate
// is not shallow.
func Matches(reg *schema.Registry, resource string, w Where, rec map[string]any) bool {
	if len(w) == 0 {
		return true
	}
	for key, cond := range w {
		switch key {
		case opAnd:
			for _, sub := range asWhereList(cond) {
				if !Matches(reg, resource, sub, rec) {
					return false
				}
			}
		case opOr:
			matched := false
			for _, sub := range asWhereList(cond) {
				if Matches(reg, resource, sub, rec) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if rel := reg.Relation(resource, key); rel != nil {
				if !matchRelation(reg, rel, cond, rec[key]) {
					return false
				}
				continue
			}
			if !matchLeaf(rec[key], cond) {
				return false
			}
		}
	}
	return true
}

func matchRelation(reg *schema.Registry, rel *schema.Relation, cond any, relVal any) bool {
	sub := asWhere(cond)
	switch v := relVal.(type) {
	case map[string]any:
		return Matches(reg, rel.Target, sub, v)
	case []map[string]any:
		for _, item := range v {
			if Matches(reg, rel.Target, sub, item) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok && Matches(reg, rel.Target, sub, m) {
				return true
			}
		}
		return false
	default:
		// A one-relation with a null foreign key never matches.
		return false
	}
}

func matchLeaf(val any, cond any) bool {
	ops, ok := operatorObject(cond)
	if !ok {
		return equal(val, cond)
	}
	for op, arg := range ops {
		if !applyOp(op, val, arg) {
			return false
		}
	}
	return true
}

func applyOp(op string, val, arg any) bool {
	switch op {
	case OpEq:
		return equal(val, arg)
	case OpNot:
		return !matchLeaf(val, arg)
	case OpIn:
		list, _ := arg.([]any)
		for _, item := range list {
			if equal(val, item) {
				return true
			}
		}
		return false
	case OpGt:
		return compare(val, arg) > 0
	case OpGte:
		return compare(val, arg) >= 0
	case OpLt:
		return compare(val, arg) < 0
	case OpLte:
		return compare(val, arg) <= 0
	default:
		return false
	}
}

// operatorObject reports whether cond is an operator object ({"$op": ...})
// rather than a shorthand literal.
func operatorObject(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return nil, false
		}
	}
	return m, true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	sa, sb := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func asWhere(v any) Where {
	switch w := v.(type) {
	case Where:
		return w
	case map[string]any:
		return Where(w)
	default:
		return nil
	}
}

func asWhereList(v any) []Where {
	switch list := v.(type) {
	case []Where:
		return list
	case []any:
		out := make([]Where, 0, len(list))
		for _, item := range list {
			if w := asWhere(item); w != nil {
				out = append(out, w)
			}
		}
		return out
	default:
		return nil
	}
}

// IsShallow reports whether the predicate references only fields of the
// resource itself, with no relational descent.
func IsShallow(reg *schema.Registry, resource string, w Where) bool {
	for key, cond := range w {
		switch key {
		case opAnd, opOr:
			for _, sub := range asWhereList(cond) {
				if !IsShallow(reg, resource, sub) {
					return false
				}
			}
		default:
			if reg.Relation(resource, key) != nil {
				return false
			}
		}
	}
	return true
}

// UniqueEq extracts a top-level {field: value} or {field: {$eq: value}} leaf
// when the predicate is exactly one such condition on the given column.
// The batching loader uses this to find the discriminating key of a lookup.
func UniqueEq(w Where, column string) (any, bool) {
	cond, ok := w[column]
	if !ok {
		return nil, false
	}
	if ops, isOp := operatorObject(cond); isOp {
		if len(ops) == 1 {
			if v, ok := ops[OpEq]; ok {
				return v, true
			}
		}
		return nil, false
	}
	return cond, true
}
