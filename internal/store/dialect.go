package store

import (
	"context"
	"database/sql"
	"fmt"

	"syncwire/internal/schema"
)

// Dialect abstracts database-specific SQL generation: JSON aggregation for
// relational includes, column-type mapping, error classification.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// ColumnType maps a schema field to the database DDL type.
	ColumnType(entity string, f *schema.Field) string

	// EnumDDL returns the statements needed to declare an enum field's type
	// up-front, or nil when the dialect folds enums into varchar.
	EnumDDL(entity string, f *schema.Field) []string

	// JSONObject builds a JSON object expression from alternating
	// 'key', valueExpr pairs.
	JSONObject(pairs []string) string

	// JSONArrayAgg aggregates objExpr rows into a JSON array, never NULL.
	JSONArrayAgg(objExpr, orderExpr string) string

	// JSONRef wraps a subexpression that already yields JSON so that nesting
	// preserves structure (SQLite needs json(...), Postgres passes through).
	JSONRef(expr string) string

	// InExpr builds a SQL IN expression over the given values.
	InExpr(col string, pb ParamBuilder, values []any) string

	// UpsertClause returns the ON CONFLICT clause updating setCols on a
	// conflict against keyCol.
	UpsertClause(keyCol string, setCols []string) string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, db *sql.DB, table string) (bool, error)

	// GetColumns returns existing column names and types for a table.
	GetColumns(ctx context.Context, db *sql.DB, table string) (map[string]string, error)

	// IsDuplicate reports whether the error is a duplicate column/object
	// error from a concurrent init, which init tolerates.
	IsDuplicate(err error) bool
}

// ParamBuilder accumulates query parameters and generates dialect-specific
// placeholders.
type ParamBuilder interface {
	Add(v any) string
	Params() []any
	Count() int
}

// NewDialect creates a Dialect for the given name ("postgres" or "sqlite").
func NewDialect(name string) Dialect {
	switch name {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }
func (p *pgParamBuilder) Count() int    { return p.n }

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
func (p *sqliteParamBuilder) Count() int    { return p.n }
