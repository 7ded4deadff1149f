package schema

// FieldType enumerates the atomic field kinds an entity may declare.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeID        FieldType = "id"
	TypeEnum      FieldType = "enum"
	TypeJSON      FieldType = "json"
	TypeDate      FieldType = "date"
	TypeReference FieldType = "reference"
)

type Field struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Enum       []string  `json:"enum,omitempty"`
	References string    `json:"references,omitempty"` // target entity for reference fields
	Nullable   bool      `json:"nullable,omitempty"`
	Unique     bool      `json:"unique,omitempty"`
	Indexed    bool      `json:"indexed,omitempty"`
}

// Entity is a named collection of typed fields. Every entity has an implicit
// string primary key field named "id"; declaring it explicitly is allowed but
// its type must be "id".
type Entity struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

const IDField = "id"

// Field returns a pointer to the field with the given name, or nil.
func (e *Entity) Field(name string) *Field {
	if name == IDField {
		return &Field{Name: IDField, Type: TypeID}
	}
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity declares a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.Field(name) != nil
}

// FieldNames returns the id field followed by all declared field names.
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields)+1)
	names = append(names, IDField)
	for _, f := range e.Fields {
		if f.Name == IDField {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// MetaColumns returns the field names that carry a meta timestamp.
// The id field has none.
func (e *Entity) MetaColumns() []string {
	var names []string
	for _, f := range e.Fields {
		if f.Name == IDField {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// MetaTable returns the name of the entity's meta shadow table.
func (e *Entity) MetaTable() string {
	return e.Name + "_meta"
}
