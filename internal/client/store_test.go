package client

import (
	"testing"

	"syncwire/internal/query"
	"syncwire/internal/record"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(testRegistry(t))
	put := func(resource, id, ts string, fields map[string]any) {
		payload := record.FromPlain(fields, ts)
		payload["id"] = record.FieldValue{Value: id}
		s.ApplyInsert(resource, id, payload)
	}
	put("users", "u1", "2026-01-01T00:00:01.000Z", map[string]any{"name": "Ada"})
	put("users", "u2", "2026-01-01T00:00:01.000Z", map[string]any{"name": "Grace"})
	put("posts", "p1", "2026-01-01T00:00:02.000Z", map[string]any{"title": "B", "authorId": "u1"})
	put("posts", "p2", "2026-01-01T00:00:02.000Z", map[string]any{"title": "A", "authorId": "u2"})
	put("posts", "p3", "2026-01-01T00:00:02.000Z", map[string]any{"title": "C", "authorId": "u1"})
	return s
}

func TestStoreQuerySortAndLimit(t *testing.T) {
	s := seedStore(t)
	rows := s.Query("posts").Sort("title", "asc").Get()
	if len(rows) != 3 || rows[0].ID() != "p2" || rows[2].ID() != "p3" {
		t.Fatalf("sort order wrong: %v", rows)
	}
	one := s.Query("posts").One("p2").Get()
	if len(one) != 1 || one[0]["title"].Value != "A" {
		t.Fatalf("one: %v", one)
	}
}

func TestStoreQueryRelationalPredicate(t *testing.T) {
	s := seedStore(t)
	rows := s.Query("posts").Where(query.Where{"author": query.Where{"name": "Ada"}}).Sort("title", "asc").Get()
	if len(rows) != 2 || rows[0].ID() != "p1" || rows[1].ID() != "p3" {
		t.Fatalf("relational predicate resolved wrong rows: %v", rows)
	}
}

func TestStoreQueryIncludeResolvesLocally(t *testing.T) {
	s := seedStore(t)
	rec := s.Query("posts").One("p1").Include(query.Include{"author": true}).First()
	if rec == nil {
		t.Fatal("p1 missing")
	}
	author, ok := rec["author"].Value.(record.Materialized)
	if !ok || author["name"].Value != "Ada" {
		t.Fatalf("author include: %v", rec["author"].Value)
	}

	users := s.Query("users").One("u1").Include(query.Include{"posts": true}).First()
	if users != nil {
		// users has no declared posts relation; include is ignored.
		if _, ok := users["posts"]; ok {
			t.Fatalf("undeclared include must be skipped: %v", users)
		}
	}
}

func TestStoreRestoreAfterOverlayUpdate(t *testing.T) {
	s := seedStore(t)
	prev := s.Snapshot("posts", "p1")
	s.ApplyUpdate("posts", "p1", record.FromPlain(map[string]any{"title": "Z"}, "2026-01-01T00:00:09.000Z"))
	if s.Query("posts").One("p1").First()["title"].Value != "Z" {
		t.Fatal("update not applied")
	}
	s.Restore("posts", "p1", prev)
	if got := s.Query("posts").One("p1").First()["title"].Value; got != "B" {
		t.Fatalf("restore must bring the snapshot back, got %v", got)
	}
}
