package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"syncwire/internal/schema"
)

type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) ColumnType(entity string, f *schema.Field) string {
	switch f.Type {
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeJSON:
		return "JSONB"
	case schema.TypeDate:
		return "TIMESTAMPTZ"
	case schema.TypeEnum:
		return enumTypeName(entity, f.Name)
	default:
		// string, id, reference
		return "TEXT"
	}
}

func (d *PostgresDialect) EnumDDL(entity string, f *schema.Field) []string {
	if f.Type != schema.TypeEnum {
		return nil
	}
	vals := make([]string, len(f.Enum))
	for i, v := range f.Enum {
		vals[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return []string{fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)",
		enumTypeName(entity, f.Name), strings.Join(vals, ", "))}
}

func enumTypeName(entity, field string) string {
	return entity + "_" + field + "_enum"
}

func (d *PostgresDialect) JSONObject(pairs []string) string {
	return "json_build_object(" + strings.Join(pairs, ", ") + ")"
}

func (d *PostgresDialect) JSONArrayAgg(objExpr, orderExpr string) string {
	if orderExpr != "" {
		return fmt.Sprintf("COALESCE(json_agg(%s ORDER BY %s), '[]'::json)", objExpr, orderExpr)
	}
	return fmt.Sprintf("COALESCE(json_agg(%s), '[]'::json)", objExpr)
}

func (d *PostgresDialect) JSONRef(expr string) string {
	return expr
}

func (d *PostgresDialect) InExpr(col string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
}

func (d *PostgresDialect) UpsertClause(keyCol string, setCols []string) string {
	if len(setCols) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", keyCol)
	}
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", keyCol, strings.Join(sets, ", "))
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		table,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) GetColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = 'public'`,
		table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *PostgresDialect) IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 42701 duplicate_column, 42710 duplicate_object, 42P07 duplicate_table.
	switch pgErr.Code {
	case "42701", "42710", "42P07":
		return true
	}
	return false
}
