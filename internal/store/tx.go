package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"syncwire/internal/record"
)

type pendingMutation struct {
	mut      *record.Mutation
	snapshot map[string]any
}

// Tx is a storage view inside a transaction. Nested Begin calls produce
// savepoints. Mutations emitted by writes are buffered in a per-transaction
// stack: a nested commit folds the child stack into the parent, a rollback
// discards it, and only the outermost commit publishes to the notifier.
type Tx struct {
	store     *Store
	sqlTx     *sql.Tx
	parent    *Tx
	savepoint string
	depth     int
	pending   []pendingMutation
	done      bool
}

// Begin starts a new transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{store: s, sqlTx: sqlTx}, nil
}

// Begin opens a nested transaction backed by a savepoint.
func (t *Tx) Begin(ctx context.Context) (*Tx, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	sp := fmt.Sprintf("sp_%d", t.depth+1)
	if _, err := t.sqlTx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &Tx{store: t.store, sqlTx: t.sqlTx, parent: t, savepoint: sp, depth: t.depth + 1}, nil
}

// Commit finishes the transaction. For a nested transaction the savepoint is
// released and buffered mutations propagate to the parent; for the outermost
// transaction the buffered mutations are published exactly once.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	if t.parent != nil {
		if _, err := t.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("release savepoint: %w", err)
		}
		t.parent.pending = append(t.parent.pending, t.pending...)
		t.pending = nil
		return nil
	}
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if n := t.store.notifier; n != nil {
		for _, pm := range t.pending {
			n.Publish(pm.mut, pm.snapshot)
		}
	}
	t.pending = nil
	return nil
}

// Rollback aborts the transaction and discards its mutation buffer, so no
// fan-out occurs for aborted work. Safe to call after Commit.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	if t.parent != nil {
		if _, err := t.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
			return fmt.Errorf("rollback to savepoint: %w", err)
		}
		return nil
	}
	if err := t.sqlTx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Transaction runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logrus.WithError(rbErr).Error("store: rollback failed")
		}
		return err
	}
	return tx.Commit(ctx)
}

func (t *Tx) push(mut *record.Mutation, snapshot map[string]any) {
	t.pending = append(t.pending, pendingMutation{mut: mut, snapshot: snapshot})
}
