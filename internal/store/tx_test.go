package store

import (
	"context"
	"errors"
	"testing"

	"syncwire/internal/config"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

type recordingNotifier struct {
	muts  []*record.Mutation
	snaps []map[string]any
}

func (n *recordingNotifier) Publish(mut *record.Mutation, snapshot map[string]any) {
	n.muts = append(n.muts, mut)
	n.snaps = append(n.snaps, snapshot)
}

// sqliteStore opens a throwaway on-disk sqlite database with the tasks schema.
func sqliteStore(t *testing.T) (*Store, *recordingNotifier) {
	t.Helper()
	reg := schema.NewRegistry()
	reg.AddEntity(&schema.Entity{Name: "tasks", Fields: []schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "status", Type: schema.TypeString},
	}})
	ctx := context.Background()
	st, err := New(ctx, config.StorageConfig{Dialect: "sqlite", Path: t.TempDir(), Name: "sync"}, reg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	n := &recordingNotifier{}
	st.SetNotifier(n)
	return st, n
}

const (
	ts0 = "2026-01-01T00:00:00.000Z"
	ts1 = "2026-01-01T00:00:01.000Z"
	ts2 = "2026-01-01T00:00:02.000Z"
)

func TestInsertThenStaleUpdateLosesPerField(t *testing.T) {
	st, _ := sqliteStore(t)
	ctx := context.Background()

	_, accepted, err := st.Insert(ctx, "tasks", "t1",
		record.FromPlain(map[string]any{"title": "A", "status": "open"}, ts1), "m1")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(accepted) != 2 {
		t.Fatalf("insert must accept both fields, got %v", accepted)
	}

	if _, _, err := st.Insert(ctx, "tasks", "t1",
		record.FromPlain(map[string]any{"title": "B"}, ts2), "m2"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate insert must fail with ErrAlreadyExists, got %v", err)
	}

	// Entirely stale payload: nothing accepted, nothing written.
	res, accepted, err := st.Update(ctx, "tasks", "t1",
		record.FromPlain(map[string]any{"title": "Stale"}, ts0), "m3")
	if err != nil || res != nil || accepted != nil {
		t.Fatalf("stale update must be a silent no-op, got res=%v accepted=%v err=%v", res, accepted, err)
	}
	rec, err := st.FindByID(ctx, "tasks", "t1", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec["title"].Value != "A" {
		t.Fatalf("stale field must keep the stored value, got %v", rec["title"].Value)
	}

	// Mixed payload: only the newer field wins.
	merged, accepted, err := st.Update(ctx, "tasks", "t1", record.Materialized{
		"title":  {Value: "B", Meta: &record.Meta{Timestamp: ts2}},
		"status": {Value: "closed", Meta: &record.Meta{Timestamp: ts0}},
	}, "m4")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != "title" {
		t.Fatalf("only the newer field may win, got %v", accepted)
	}
	if merged["title"].Value != "B" || merged["status"].Value != "open" {
		t.Fatalf("merged row wrong: title=%v status=%v", merged["title"].Value, merged["status"].Value)
	}
}

func TestUpdateMissingRowFailsNotFound(t *testing.T) {
	st, _ := sqliteStore(t)
	_, _, err := st.Update(context.Background(), "tasks", "ghost",
		record.FromPlain(map[string]any{"title": "X"}, ts1), "m1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionPublishesOnceAfterCommit(t *testing.T) {
	st, n := sqliteStore(t)
	ctx := context.Background()

	err := st.Transaction(ctx, func(tx *Tx) error {
		if _, _, err := tx.Insert(ctx, "tasks", "t1",
			record.FromPlain(map[string]any{"title": "A", "status": "open"}, ts1), "m1"); err != nil {
			return err
		}
		if len(n.muts) != 0 {
			t.Errorf("mutation published before commit: %v", n.muts)
		}
		_, _, err := tx.Update(ctx, "tasks", "t1",
			record.FromPlain(map[string]any{"status": "done"}, ts2), "m2")
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if len(n.muts) != 2 {
		t.Fatalf("expected insert+update published, got %d", len(n.muts))
	}
	if n.muts[0].ID != "m1" || n.muts[0].Procedure != record.ProcedureInsert {
		t.Fatalf("first publication wrong: %+v", n.muts[0])
	}
	if n.muts[1].ID != "m2" || n.muts[1].Procedure != record.ProcedureUpdate {
		t.Fatalf("second publication wrong: %+v", n.muts[1])
	}
	if n.snaps[1]["status"] != "done" {
		t.Fatalf("update snapshot must be the post-commit row, got %v", n.snaps[1])
	}
}

func TestRollbackDiscardsWritesAndMutations(t *testing.T) {
	st, n := sqliteStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.Transaction(ctx, func(tx *Tx) error {
		if _, _, err := tx.Insert(ctx, "tasks", "t1",
			record.FromPlain(map[string]any{"title": "A"}, ts1), "m1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transaction error must surface, got %v", err)
	}
	if len(n.muts) != 0 {
		t.Fatalf("rolled-back work must not fan out, got %v", n.muts)
	}
	if _, err := st.FindByID(ctx, "tasks", "t1", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back row must be absent, got %v", err)
	}
}

func TestNestedSavepointFoldsAndRollsBack(t *testing.T) {
	st, n := sqliteStore(t)
	ctx := context.Background()

	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := tx.Insert(ctx, "tasks", "t1",
		record.FromPlain(map[string]any{"title": "A"}, ts1), "m1"); err != nil {
		t.Fatalf("insert t1: %v", err)
	}

	// Committed savepoint: its mutations fold into the parent.
	child, err := tx.Begin(ctx)
	if err != nil {
		t.Fatalf("begin child: %v", err)
	}
	if _, _, err := child.Insert(ctx, "tasks", "t2",
		record.FromPlain(map[string]any{"title": "B"}, ts1), "m2"); err != nil {
		t.Fatalf("insert t2: %v", err)
	}
	if err := child.Commit(ctx); err != nil {
		t.Fatalf("commit child: %v", err)
	}

	// Rolled-back savepoint: its writes and mutations vanish.
	aborted, err := tx.Begin(ctx)
	if err != nil {
		t.Fatalf("begin aborted: %v", err)
	}
	if _, _, err := aborted.Insert(ctx, "tasks", "t3",
		record.FromPlain(map[string]any{"title": "C"}, ts1), "m3"); err != nil {
		t.Fatalf("insert t3: %v", err)
	}
	if err := aborted.Rollback(ctx); err != nil {
		t.Fatalf("rollback aborted: %v", err)
	}

	if len(n.muts) != 0 {
		t.Fatalf("nothing may publish before the outermost commit, got %v", n.muts)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(n.muts) != 2 || n.muts[0].ID != "m1" || n.muts[1].ID != "m2" {
		t.Fatalf("expected m1 and m2 in commit order, got %v", n.muts)
	}
	if _, err := st.FindByID(ctx, "tasks", "t2", nil); err != nil {
		t.Fatalf("savepoint-committed row must persist: %v", err)
	}
	if _, err := st.FindByID(ctx, "tasks", "t3", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("savepoint-rolled-back row must be absent, got %v", err)
	}
}
