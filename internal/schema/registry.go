package schema

import "fmt"

// Registry indexes entities and relations for lookup by the storage engine,
// the mutation router, and the live query engine.
type Registry struct {
	entities  map[string]*Entity
	relations map[string]map[string]*Relation // source entity -> relation name -> relation
}

func NewRegistry() *Registry {
	return &Registry{
		entities:  make(map[string]*Entity),
		relations: make(map[string]map[string]*Relation),
	}
}

// AddEntity registers an entity. Re-registering a name replaces the previous
// definition.
func (r *Registry) AddEntity(e *Entity) {
	r.entities[e.Name] = e
}

// AddRelation registers a relation under its source entity.
func (r *Registry) AddRelation(rel *Relation) error {
	if r.entities[rel.Source] == nil {
		return fmt.Errorf("relation %s: unknown source entity %s", rel.Name, rel.Source)
	}
	if r.entities[rel.Target] == nil {
		return fmt.Errorf("relation %s: unknown target entity %s", rel.Name, rel.Target)
	}
	if r.relations[rel.Source] == nil {
		r.relations[rel.Source] = make(map[string]*Relation)
	}
	r.relations[rel.Source][rel.Name] = rel
	return nil
}

// Entity returns the entity with the given name, or nil.
func (r *Registry) Entity(name string) *Entity {
	return r.entities[name]
}

// Entities returns all registered entities.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	return out
}

// Relation returns the named relation declared on the given entity, or nil.
func (r *Registry) Relation(entity, name string) *Relation {
	return r.relations[entity][name]
}

// Relations returns all relations declared on the given entity.
func (r *Registry) Relations(entity string) []*Relation {
	rels := r.relations[entity]
	out := make([]*Relation, 0, len(rels))
	for _, rel := range rels {
		out = append(out, rel)
	}
	return out
}

// OutgoingRelations returns the one-relations of an entity, the ones whose
// foreign key lives in a local column.
func (r *Registry) OutgoingRelations(entity string) []*Relation {
	var out []*Relation
	for _, rel := range r.relations[entity] {
		if rel.IsOne() {
			out = append(out, rel)
		}
	}
	return out
}
