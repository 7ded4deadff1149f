package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"syncwire/internal/schema"
)

// deferredFK is a foreign-key constraint whose target table had not been
// created yet when its owner was visited. Replayed after all tables exist.
type deferredFK struct {
	table  string
	column string
	target string
}

// Init brings the physical layout in line with the registry: a value table
// and a meta shadow table per entity, enum types up-front, declared indices,
// foreign keys with deferral for forward references. Idempotent; duplicate
// errors from concurrent init are tolerated.
func (s *Store) Init(ctx context.Context) error {
	var deferred []deferredFK
	created := make(map[string]bool)

	for _, e := range s.Registry.Entities() {
		if err := s.initEntity(ctx, e, created, &deferred); err != nil {
			return fmt.Errorf("init %s: %w", e.Name, err)
		}
		created[e.Name] = true
	}

	for _, fk := range deferred {
		if err := s.addForeignKey(ctx, fk); err != nil {
			return fmt.Errorf("replay fk %s.%s: %w", fk.table, fk.column, err)
		}
	}
	return nil
}

func (s *Store) initEntity(ctx context.Context, e *schema.Entity, created map[string]bool, deferred *[]deferredFK) error {
	for _, f := range e.Fields {
		for _, ddl := range s.Dialect.EnumDDL(e.Name, &f) {
			if _, err := s.DB.ExecContext(ctx, ddl); err != nil && !s.Dialect.IsDuplicate(err) {
				return fmt.Errorf("create enum type: %w", err)
			}
		}
	}

	exists, err := s.Dialect.TableExists(ctx, s.DB, e.Name)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		if err := s.createTables(ctx, e, created, deferred); err != nil {
			return err
		}
	} else {
		if err := s.alterTables(ctx, e, created, deferred); err != nil {
			return err
		}
	}

	return s.createIndexes(ctx, e)
}

func (s *Store) createTables(ctx context.Context, e *schema.Entity, created map[string]bool, deferred *[]deferredFK) error {
	cols := []string{"id TEXT PRIMARY KEY"}
	for _, f := range e.Fields {
		if f.Name == schema.IDField {
			continue
		}
		cols = append(cols, s.columnDef(e, &f, created, deferred))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", e.Name, strings.Join(cols, ",\n  "))
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil && !s.Dialect.IsDuplicate(err) {
		return fmt.Errorf("create table %s: %w", e.Name, err)
	}

	metaCols := []string{fmt.Sprintf("id TEXT PRIMARY KEY REFERENCES %s(id)", e.Name)}
	for _, name := range e.MetaColumns() {
		metaCols = append(metaCols, name+" VARCHAR(32)")
	}
	metaDDL := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", e.MetaTable(), strings.Join(metaCols, ",\n  "))
	if _, err := s.DB.ExecContext(ctx, metaDDL); err != nil && !s.Dialect.IsDuplicate(err) {
		return fmt.Errorf("create meta table %s: %w", e.MetaTable(), err)
	}
	return nil
}

func (s *Store) alterTables(ctx context.Context, e *schema.Entity, created map[string]bool, deferred *[]deferredFK) error {
	existing, err := s.Dialect.GetColumns(ctx, s.DB, e.Name)
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}
	for _, f := range e.Fields {
		if f.Name == schema.IDField {
			continue
		}
		want := s.Dialect.ColumnType(e.Name, &f)
		if have, ok := existing[f.Name]; ok {
			if !strings.EqualFold(have, want) {
				logrus.WithFields(logrus.Fields{
					"entity": e.Name,
					"column": f.Name,
					"have":   have,
					"want":   want,
				}).Warn("store: column type mismatch, not auto-migrated")
			}
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", e.Name, s.columnDef(e, &f, created, deferred))
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil && !s.Dialect.IsDuplicate(err) {
			return fmt.Errorf("add column %s.%s: %w", e.Name, f.Name, err)
		}
	}

	metaExisting, err := s.Dialect.GetColumns(ctx, s.DB, e.MetaTable())
	if err != nil {
		return fmt.Errorf("get meta columns: %w", err)
	}
	for _, name := range e.MetaColumns() {
		if _, ok := metaExisting[name]; ok {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s VARCHAR(32)", e.MetaTable(), name)
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil && !s.Dialect.IsDuplicate(err) {
			return fmt.Errorf("add meta column %s.%s: %w", e.MetaTable(), name, err)
		}
	}
	return nil
}

// columnDef builds the DDL for one column. Reference fields whose target
// table does not exist yet get their FK deferred instead of inlined.
func (s *Store) columnDef(e *schema.Entity, f *schema.Field, created map[string]bool, deferred *[]deferredFK) string {
	// Columns stay nullable: partial writes under per-field LWW may leave
	// fields unset, and a cleared relation stores NULL.
	col := f.Name + " " + s.Dialect.ColumnType(e.Name, f)
	if f.Unique {
		col += " UNIQUE"
	}
	if f.Type == schema.TypeReference && f.References != "" {
		if created[f.References] || f.References == e.Name {
			col += fmt.Sprintf(" REFERENCES %s(id)", f.References)
		} else {
			*deferred = append(*deferred, deferredFK{table: e.Name, column: f.Name, target: f.References})
		}
	}
	return col
}

func (s *Store) addForeignKey(ctx context.Context, fk deferredFK) error {
	if s.Dialect.Name() == "sqlite" {
		// SQLite cannot add FK constraints after table creation.
		logrus.WithFields(logrus.Fields{"table": fk.table, "column": fk.column}).
			Debug("store: skipping deferred FK on sqlite")
		return nil
	}
	ddl := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT fk_%s_%s FOREIGN KEY (%s) REFERENCES %s(id)",
		fk.table, fk.table, fk.column, fk.column, fk.target)
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil && !s.Dialect.IsDuplicate(err) {
		return err
	}
	return nil
}

func (s *Store) createIndexes(ctx context.Context, e *schema.Entity) error {
	for _, f := range e.Fields {
		if !f.Indexed || f.Name == schema.IDField {
			continue
		}
		ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			e.Name, f.Name, e.Name, f.Name)
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil && !s.Dialect.IsDuplicate(err) {
			return fmt.Errorf("create index on %s.%s: %w", e.Name, f.Name, err)
		}
	}
	return nil
}
