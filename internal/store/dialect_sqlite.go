package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"syncwire/internal/schema"
)

type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) ColumnType(entity string, f *schema.Field) string {
	switch f.Type {
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeJSON:
		return "TEXT"
	case schema.TypeDate:
		return "TEXT"
	default:
		// string, id, enum (no native enum type), reference
		return "TEXT"
	}
}

func (d *SQLiteDialect) EnumDDL(entity string, f *schema.Field) []string {
	// SQLite has no enum types; enum fields are plain TEXT.
	return nil
}

func (d *SQLiteDialect) JSONObject(pairs []string) string {
	return "json_object(" + strings.Join(pairs, ", ") + ")"
}

func (d *SQLiteDialect) JSONArrayAgg(objExpr, orderExpr string) string {
	// json_group_array yields '[]' over zero rows; ORDER BY inside the
	// aggregate is not supported, callers order the subquery instead.
	return fmt.Sprintf("json_group_array(%s)", objExpr)
}

func (d *SQLiteDialect) JSONRef(expr string) string {
	// Without json(...) a nested JSON value would be embedded as a string.
	return "json(" + expr + ")"
}

func (d *SQLiteDialect) InExpr(col string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
}

func (d *SQLiteDialect) UpsertClause(keyCol string, setCols []string) string {
	if len(setCols) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", keyCol)
	}
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", keyCol, strings.Join(sets, ", "))
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = colType
	}
	return cols, rows.Err()
}

func (d *SQLiteDialect) IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}
