package record

import (
	"testing"
	"time"
)

func ts(s string) *Meta { return &Meta{Timestamp: s} }

func TestMergeAcceptsNewerFields(t *testing.T) {
	existing := Materialized{
		"id":   {Value: "u1"},
		"name": {Value: "A", Meta: ts("2026-01-01T00:00:02.000Z")},
	}
	input := Materialized{
		"id":   {Value: "u1"},
		"name": {Value: "B", Meta: ts("2026-01-01T00:00:03.000Z")},
	}
	merged, accepted := Merge(input, existing)
	if len(accepted) != 1 || accepted[0] != "name" {
		t.Fatalf("expected name accepted, got %v", accepted)
	}
	if merged["name"].Value != "B" {
		t.Fatalf("expected merged name B, got %v", merged["name"].Value)
	}
}

func TestMergeRejectsStaleFields(t *testing.T) {
	// Insert name at t=2, then update at t=1: all fields lose.
	existing := Materialized{
		"id":   {Value: "u1"},
		"name": {Value: "A", Meta: ts("2026-01-01T00:00:02.000Z")},
	}
	input := Materialized{
		"id":   {Value: "u1"},
		"name": {Value: "B", Meta: ts("2026-01-01T00:00:01.000Z")},
	}
	merged, accepted := Merge(input, existing)
	if len(accepted) != 0 {
		t.Fatalf("expected empty accepted set, got %v", accepted)
	}
	if merged["name"].Value != "A" {
		t.Fatalf("stale write must keep A, got %v", merged["name"].Value)
	}
	if merged["name"].Meta.Timestamp != "2026-01-01T00:00:02.000Z" {
		t.Fatalf("stale write must keep original timestamp, got %s", merged["name"].Meta.Timestamp)
	}
}

func TestMergeEqualTimestampLoses(t *testing.T) {
	stamp := "2026-01-01T00:00:02.000Z"
	existing := Materialized{"name": {Value: "A", Meta: ts(stamp)}}
	input := Materialized{"name": {Value: "B", Meta: ts(stamp)}}
	_, accepted := Merge(input, existing)
	if len(accepted) != 0 {
		t.Fatalf("equal timestamp must not win, got %v", accepted)
	}
}

func TestMergeAgainstNilTarget(t *testing.T) {
	input := Materialized{
		"id":    {Value: "u1"},
		"name":  {Value: "A", Meta: ts("2026-01-01T00:00:01.000Z")},
		"email": {Value: "a@x", Meta: ts("2026-01-01T00:00:01.000Z")},
	}
	_, accepted := Merge(input, nil)
	if len(accepted) != 2 {
		t.Fatalf("all non-id fields accepted on insert, got %v", accepted)
	}
}

func TestPlainProjection(t *testing.T) {
	m := Materialized{
		"id":    {Value: "p1"},
		"title": {Value: "T", Meta: ts("2026-01-01T00:00:01.000Z")},
		"author": {Value: Materialized{
			"id":   {Value: "u1"},
			"name": {Value: "John", Meta: ts("2026-01-01T00:00:01.000Z")},
		}},
		"tags": {Value: []Materialized{
			{"id": {Value: "t1"}, "label": {Value: "go", Meta: ts("2026-01-01T00:00:01.000Z")}},
		}},
	}
	plain := m.Plain()
	if plain["title"] != "T" {
		t.Fatalf("title: %v", plain["title"])
	}
	author, ok := plain["author"].(map[string]any)
	if !ok || author["name"] != "John" {
		t.Fatalf("author projection: %v", plain["author"])
	}
	tags, ok := plain["tags"].([]map[string]any)
	if !ok || len(tags) != 1 || tags[0]["label"] != "go" {
		t.Fatalf("tags projection: %v", plain["tags"])
	}
}

func TestClockStrictlyIncreases(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClockAt(func() time.Time { return fixed })
	a := c.Next()
	b := c.Next()
	if !(b > a) {
		t.Fatalf("timestamps must strictly increase: %s then %s", a, b)
	}
}

func TestTimestampLexicographicOrder(t *testing.T) {
	early := FormatTime(time.Date(2026, 1, 1, 9, 59, 59, 0, time.UTC))
	late := FormatTime(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	if !(early < late) {
		t.Fatalf("lexicographic order must match temporal order: %s vs %s", early, late)
	}
}
