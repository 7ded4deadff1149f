package query

import (
	"testing"

	"syncwire/internal/schema"
)

func TestHashStability(t *testing.T) {
	q1 := Raw{
		Resource: "posts",
		Where:    Where{"title": "T", "views": map[string]any{"$gte": float64(10)}},
		Include:  Include{"author": true},
		Limit:    5,
	}
	q2 := Raw{
		Resource: "posts",
		Where:    Where{"views": map[string]any{"$gte": float64(10)}, "title": "T"},
		Include:  Include{"author": true},
		Limit:    5,
	}
	if Hash(q1) != Hash(q2) {
		t.Fatalf("equivalent queries hashed differently: %s vs %s", Hash(q1), Hash(q2))
	}

	q3 := q1
	q3.Limit = 6
	if Hash(q1) == Hash(q3) {
		t.Fatal("queries with different limits must not collide")
	}

	q4 := q1
	q4.LastSyncedAt = "2026-01-01T00:00:00.000Z"
	if Hash(q1) != Hash(q4) {
		t.Fatal("lastSyncedAt must not participate in query identity")
	}
}

func TestHashDistinguishesWhere(t *testing.T) {
	a := Raw{Resource: "users", Where: Where{"name": "John"}}
	b := Raw{Resource: "users", Where: Where{"name": "Jane"}}
	if Hash(a) == Hash(b) {
		t.Fatal("different predicates must not collide")
	}
}

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	reg.AddEntity(&schema.Entity{Name: "users", Fields: []schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "age", Type: schema.TypeNumber},
	}})
	reg.AddEntity(&schema.Entity{Name: "posts", Fields: []schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "views", Type: schema.TypeNumber},
		{Name: "authorId", Type: schema.TypeReference, References: "users"},
	}})
	if err := reg.AddRelation(&schema.Relation{Name: "author", Kind: schema.One, Source: "posts", Target: "users", Column: "authorId"}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	if err := reg.AddRelation(&schema.Relation{Name: "posts", Kind: schema.Many, Source: "users", Target: "posts", Column: "authorId"}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	return reg
}

func TestMatchesShorthandAndOperators(t *testing.T) {
	reg := newTestRegistry(t)
	rec := map[string]any{"id": "u1", "name": "John", "age": float64(30)}

	cases := []struct {
		name string
		w    Where
		want bool
	}{
		{"shorthand eq", Where{"name": "John"}, true},
		{"shorthand eq miss", Where{"name": "Jane"}, false},
		{"explicit eq", Where{"name": map[string]any{"$eq": "John"}}, true},
		{"gte", Where{"age": map[string]any{"$gte": float64(30)}}, true},
		{"gt miss", Where{"age": map[string]any{"$gt": float64(30)}}, false},
		{"in", Where{"name": map[string]any{"$in": []any{"Jane", "John"}}}, true},
		{"empty in", Where{"name": map[string]any{"$in": []any{}}}, false},
		{"not", Where{"name": map[string]any{"$not": "Jane"}}, true},
		{"eq null miss", Where{"name": nil}, false},
		{"and", Where{"$and": []any{Where{"name": "John"}, Where{"age": float64(30)}}}, true},
		{"or", Where{"$or": []any{Where{"name": "Jane"}, Where{"age": float64(30)}}}, true},
		{"or miss", Where{"$or": []any{Where{"name": "Jane"}, Where{"age": float64(31)}}}, false},
	}
	for _, tc := range cases {
		if got := Matches(reg, "users", tc.w, rec); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchesRelationDescent(t *testing.T) {
	reg := newTestRegistry(t)

	post := map[string]any{
		"id": "p1", "title": "T", "authorId": "u1",
		"author": map[string]any{"id": "u1", "name": "John"},
	}
	w := Where{"author": map[string]any{"name": "John"}}
	if !Matches(reg, "posts", w, post) {
		t.Fatal("one-relation descent should match")
	}

	// Null foreign key: descent yields false.
	orphan := map[string]any{"id": "p2", "title": "T", "authorId": nil, "author": nil}
	if Matches(reg, "posts", w, orphan) {
		t.Fatal("descent into null relation must not match")
	}

	// Many descent is existential.
	user := map[string]any{
		"id": "u1", "name": "John",
		"posts": []map[string]any{
			{"id": "p1", "title": "A"},
			{"id": "p2", "title": "B"},
		},
	}
	if !Matches(reg, "users", Where{"posts": map[string]any{"title": "B"}}, user) {
		t.Fatal("many-relation descent should match when at least one row matches")
	}
	if Matches(reg, "users", Where{"posts": map[string]any{"title": "C"}}, user) {
		t.Fatal("many-relation descent should not match when no row matches")
	}
}

func TestIsShallowAndIncludeFor(t *testing.T) {
	reg := newTestRegistry(t)

	if !IsShallow(reg, "posts", Where{"title": "T"}) {
		t.Fatal("field-only predicate is shallow")
	}
	if IsShallow(reg, "posts", Where{"author": map[string]any{"name": "John"}}) {
		t.Fatal("relational predicate is not shallow")
	}

	inc := IncludeFor(reg, "posts", Where{"author": map[string]any{"name": "John"}, "title": "T"})
	child, ok := inc.Child("author")
	if !ok {
		t.Fatalf("expected author include, got %v", inc)
	}
	if len(child) != 0 {
		t.Fatalf("expected leaf include for author, got %v", child)
	}
}
