package schema

// RelationKind distinguishes the two relation variants.
type RelationKind string

const (
	// One means the owning side stores a foreign key in Column referencing Target.id.
	One RelationKind = "one"
	// Many is the inverse: rows of Target whose Column equals this row's id.
	Many RelationKind = "many"
)

// Relation is declared separately from the entity it belongs to. Its name is
// independent of any column.
type Relation struct {
	Name   string       `json:"name"`
	Kind   RelationKind `json:"kind"`
	Source string       `json:"source"` // entity the relation is declared on
	Target string       `json:"target"`
	Column string       `json:"column"` // local FK column for one, foreign column on target for many
}

func (r *Relation) IsOne() bool {
	return r.Kind == One
}

func (r *Relation) IsMany() bool {
	return r.Kind == Many
}
