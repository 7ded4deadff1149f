package store

import (
	"strings"
	"testing"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

func testStore(t *testing.T, dialect string) *Store {
	t.Helper()
	reg := schema.NewRegistry()
	reg.AddEntity(&schema.Entity{Name: "users", Fields: []schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "age", Type: schema.TypeNumber},
	}})
	reg.AddEntity(&schema.Entity{Name: "posts", Fields: []schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "authorId", Type: schema.TypeReference, References: "users"},
	}})
	if err := reg.AddRelation(&schema.Relation{Name: "author", Kind: schema.One, Source: "posts", Target: "users", Column: "authorId"}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	if err := reg.AddRelation(&schema.Relation{Name: "posts", Kind: schema.Many, Source: "users", Target: "posts", Column: "authorId"}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	return &Store{Dialect: NewDialect(dialect), Registry: reg}
}

func TestCompileSelectShallowWhere(t *testing.T) {
	s := testStore(t, "postgres")
	sqlStr, args, err := s.compileSelect(query.Raw{
		Resource: "users",
		Where:    query.Where{"name": "John"},
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, want := range []string{"FROM users AS t1", "t1.name = $1", "AS _meta", "LIMIT 10"} {
		if !strings.Contains(sqlStr, want) {
			t.Fatalf("missing %q in:\n%s", want, sqlStr)
		}
	}
	if len(args) != 1 || args[0] != "John" {
		t.Fatalf("args: %v", args)
	}
}

func TestCompileSelectOneDescentUsesLeftJoin(t *testing.T) {
	s := testStore(t, "postgres")
	sqlStr, args, err := s.compileSelect(query.Raw{
		Resource: "posts",
		Where:    query.Where{"author": map[string]any{"name": "John"}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(sqlStr, "LEFT JOIN users AS") {
		t.Fatalf("expected left join for one-descent:\n%s", sqlStr)
	}
	if len(args) != 1 || args[0] != "John" {
		t.Fatalf("args: %v", args)
	}
}

func TestCompileSelectManyDescentUsesExists(t *testing.T) {
	s := testStore(t, "postgres")
	sqlStr, _, err := s.compileSelect(query.Raw{
		Resource: "users",
		Where:    query.Where{"posts": map[string]any{"title": "T"}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(sqlStr, "EXISTS (SELECT 1 FROM posts AS") {
		t.Fatalf("expected EXISTS for many-descent:\n%s", sqlStr)
	}
}

func TestCompileSelectInclude(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		s := testStore(t, dialect)
		sqlStr, _, err := s.compileSelect(query.Raw{
			Resource: "posts",
			Include:  query.Include{"author": true},
		})
		if err != nil {
			t.Fatalf("%s compile: %v", dialect, err)
		}
		if !strings.Contains(sqlStr, "AS author") {
			t.Fatalf("%s: missing include column:\n%s", dialect, sqlStr)
		}
		if dialect == "sqlite" && !strings.Contains(sqlStr, "json_object(") {
			t.Fatalf("sqlite must use json_object:\n%s", sqlStr)
		}
		if dialect == "postgres" && !strings.Contains(sqlStr, "json_build_object(") {
			t.Fatalf("postgres must use json_build_object:\n%s", sqlStr)
		}
	}
}

func TestCompileSelectManyIncludeAggregates(t *testing.T) {
	s := testStore(t, "postgres")
	sqlStr, _, err := s.compileSelect(query.Raw{
		Resource: "users",
		Include:  query.Include{"posts": true},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(sqlStr, "json_agg(") {
		t.Fatalf("expected json_agg for many include:\n%s", sqlStr)
	}
}

func TestCompileLeafOperators(t *testing.T) {
	s := testStore(t, "postgres")

	cases := []struct {
		name string
		w    query.Where
		want string
	}{
		{"null eq uses IS", query.Where{"name": nil}, "t1.name IS NULL"},
		{"not null uses IS NOT", query.Where{"name": map[string]any{"$not": nil}}, "t1.name IS NOT NULL"},
		{"empty in matches nothing", query.Where{"name": map[string]any{"$in": []any{}}}, "1 = 0"},
		{"in expands", query.Where{"name": map[string]any{"$in": []any{"a", "b"}}}, "t1.name IN ($1, $2)"},
		{"gte", query.Where{"age": map[string]any{"$gte": float64(21)}}, "t1.age >= $1"},
	}
	for _, tc := range cases {
		sqlStr, _, err := s.compileSelect(query.Raw{Resource: "users", Where: tc.w})
		if err != nil {
			t.Fatalf("%s: compile: %v", tc.name, err)
		}
		if !strings.Contains(sqlStr, tc.want) {
			t.Fatalf("%s: missing %q in:\n%s", tc.name, tc.want, sqlStr)
		}
	}
}

func TestCompileSelectSortOutermost(t *testing.T) {
	s := testStore(t, "sqlite")
	sqlStr, _, err := s.compileSelect(query.Raw{
		Resource: "users",
		Sort:     []query.Sort{{Field: "name", Dir: "desc"}},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(sqlStr, "ORDER BY t1.name DESC") {
		t.Fatalf("missing order clause:\n%s", sqlStr)
	}
}

func TestMaterializeRowParsesMetaAndIncludes(t *testing.T) {
	s := testStore(t, "sqlite")
	e := s.Registry.Entity("posts")
	row := map[string]any{
		"id":       "p1",
		"title":    "T",
		"authorId": "u1",
		"_meta":    `{"title":"2026-01-01T00:00:01.000Z","authorId":"2026-01-01T00:00:01.000Z"}`,
		"author":   `{"id":"u1","name":"John","age":30,"_meta":{"name":"2026-01-01T00:00:01.000Z"}}`,
	}
	m := materializeRow(s.Registry, e, row, query.Include{"author": true})
	if m.ID() != "p1" {
		t.Fatalf("id: %v", m.ID())
	}
	if m.Timestamp("title") != "2026-01-01T00:00:01.000Z" {
		t.Fatalf("title meta: %q", m.Timestamp("title"))
	}
	author, ok := m["author"].Value.(record.Materialized)
	if !ok {
		t.Fatalf("author value type: %T", m["author"].Value)
	}
	if author.ID() != "u1" {
		t.Fatalf("author id: %q", author.ID())
	}
	if author.Timestamp("name") != "2026-01-01T00:00:01.000Z" {
		t.Fatalf("author name meta: %q", author.Timestamp("name"))
	}
}
