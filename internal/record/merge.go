package record

import "sort"

// Merge applies input onto existing under per-field last-writer-wins. A field
// of input is accepted iff existing has no timestamp for it or input's
// timestamp is strictly greater. The id field is always carried through.
// existing may be nil (insert case), in which case every field is accepted.
func Merge(input, existing Materialized) (merged Materialized, accepted []string) {
	merged = make(Materialized, len(existing)+len(input))
	for name, fv := range existing {
		merged[name] = fv
	}
	for name, fv := range input {
		if name == idField {
			merged[name] = FieldValue{Value: fv.Value}
			continue
		}
		if fv.Meta == nil {
			// A field without meta cannot win against anything recorded.
			if existing.Timestamp(name) == "" {
				merged[name] = fv
				accepted = append(accepted, name)
			}
			continue
		}
		prev := existing.Timestamp(name)
		if prev == "" || fv.Meta.Timestamp > prev {
			merged[name] = fv
			accepted = append(accepted, name)
		}
	}
	sort.Strings(accepted)
	return merged, accepted
}

// AcceptedOnly returns a copy of m restricted to the id field plus the given
// accepted field names. This is the payload shape a mutation envelope carries.
func AcceptedOnly(m Materialized, accepted []string) Materialized {
	out := make(Materialized, len(accepted)+1)
	if fv, ok := m[idField]; ok {
		out[idField] = FieldValue{Value: fv.Value}
	}
	for _, name := range accepted {
		if fv, ok := m[name]; ok {
			out[name] = fv
		}
	}
	return out
}
