package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

// compiler turns a raw query into one parameterized SELECT. The meta shadow
// is projected as a single JSON column _meta; every include becomes a
// correlated subquery producing a JSON object (one) or JSON array (many).
type compiler struct {
	reg *schema.Registry
	d   Dialect
	pb  ParamBuilder
	n   int
}

func (c *compiler) alias(prefix string) string {
	c.n++
	return fmt.Sprintf("%s%d", prefix, c.n)
}

func (s *Store) compileSelect(q query.Raw) (string, []any, error) {
	e := s.Registry.Entity(q.Resource)
	if e == nil {
		return "", nil, fmt.Errorf("unknown resource %q", q.Resource)
	}
	c := &compiler{reg: s.Registry, d: s.Dialect, pb: s.Dialect.NewParamBuilder()}
	base := c.alias("t")

	cols := make([]string, 0, len(e.Fields)+2)
	for _, name := range e.FieldNames() {
		cols = append(cols, base+"."+name)
	}
	cols = append(cols, c.metaSubquery(e, base)+" AS _meta")
	for _, relName := range sortedIncludeKeys(q.Include) {
		rel := s.Registry.Relation(e.Name, relName)
		if rel == nil {
			return "", nil, fmt.Errorf("unknown include %q on %s", relName, e.Name)
		}
		child, _ := q.Include.Child(relName)
		cols = append(cols, c.includeSubquery(rel, child, base)+" AS "+relName)
	}

	var joins []string
	var conds []string
	if len(q.Where) > 0 {
		cond, err := c.compileWhere(e, q.Where, base, &joins)
		if err != nil {
			return "", nil, err
		}
		if cond != "" {
			conds = append(conds, cond)
		}
	}
	if q.LastSyncedAt != "" {
		conds = append(conds, c.changedSince(e, base, q.LastSyncedAt))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s AS %s", strings.Join(cols, ", "), e.Name, base)
	for _, j := range joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	if len(q.Sort) > 0 {
		parts := make([]string, len(q.Sort))
		for i, srt := range q.Sort {
			dir := "ASC"
			if strings.EqualFold(srt.Dir, "desc") {
				dir = "DESC"
			}
			if !e.HasField(srt.Field) {
				return "", nil, fmt.Errorf("unknown sort field %q on %s", srt.Field, e.Name)
			}
			parts[i] = base + "." + srt.Field + " " + dir
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), c.pb.Params(), nil
}

// metaSubquery projects the meta shadow row as one JSON object.
func (c *compiler) metaSubquery(e *schema.Entity, base string) string {
	m := c.alias("m")
	var pairs []string
	for _, name := range e.MetaColumns() {
		pairs = append(pairs, "'"+name+"'", m+"."+name)
	}
	return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s.id = %s.id)",
		c.d.JSONObject(pairs), e.MetaTable(), m, m, base)
}

// includeSubquery emits the correlated subquery for one relation, recursively
// applying nested includes.
func (c *compiler) includeSubquery(rel *schema.Relation, inc query.Include, parent string) string {
	target := c.reg.Entity(rel.Target)
	a := c.alias("t")
	obj := c.objectExpr(target, a, inc)
	if rel.IsOne() {
		return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s.id = %s.%s LIMIT 1)",
			obj, target.Name, a, a, parent, rel.Column)
	}
	return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s.%s = %s.id)",
		c.d.JSONArrayAgg(obj, a+".id"), target.Name, a, a, rel.Column, parent)
}

// objectExpr builds the JSON object for one row of entity e at alias a,
// carrying its fields, its _meta object, and any nested includes.
func (c *compiler) objectExpr(e *schema.Entity, a string, inc query.Include) string {
	var pairs []string
	pairs = append(pairs, "'id'", a+".id")
	for _, f := range e.Fields {
		if f.Name == schema.IDField {
			continue
		}
		expr := a + "." + f.Name
		if f.Type == schema.TypeJSON {
			expr = c.d.JSONRef(expr)
		}
		pairs = append(pairs, "'"+f.Name+"'", expr)
	}
	pairs = append(pairs, "'_meta'", c.d.JSONRef(c.metaSubquery(e, a)))
	for _, relName := range sortedIncludeKeys(inc) {
		rel := c.reg.Relation(e.Name, relName)
		if rel == nil {
			continue
		}
		child, _ := inc.Child(relName)
		pairs = append(pairs, "'"+relName+"'", c.d.JSONRef(c.includeSubquery(rel, child, a)))
	}
	return c.d.JSONObject(pairs)
}

// compileWhere compiles a predicate subtree. Joins needed by one-relation
// descents are appended to the sink of the nearest enclosing SELECT.
func (c *compiler) compileWhere(e *schema.Entity, w query.Where, a string, joins *[]string) (string, error) {
	var conds []string
	for _, key := range sortedWhereKeys(w) {
		cond := w[key]
		switch key {
		case "$and", "$or":
			subs := whereList(cond)
			parts := make([]string, 0, len(subs))
			for _, sub := range subs {
				p, err := c.compileWhere(e, sub, a, joins)
				if err != nil {
					return "", err
				}
				parts = append(parts, p)
			}
			sep := " AND "
			if key == "$or" {
				sep = " OR "
			}
			conds = append(conds, "("+strings.Join(parts, sep)+")")
		default:
			if rel := c.reg.Relation(e.Name, key); rel != nil {
				sql, err := c.compileRelation(rel, whereOf(cond), a, joins)
				if err != nil {
					return "", err
				}
				conds = append(conds, sql)
				continue
			}
			if !e.HasField(key) {
				return "", fmt.Errorf("unknown field %q on %s", key, e.Name)
			}
			conds = append(conds, c.compileLeaf(a+"."+key, cond))
		}
	}
	return strings.Join(conds, " AND "), nil
}

func (c *compiler) compileRelation(rel *schema.Relation, sub query.Where, a string, joins *[]string) (string, error) {
	target := c.reg.Entity(rel.Target)
	ja := c.alias("j")
	if rel.IsOne() {
		*joins = append(*joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s.id = %s.%s",
			target.Name, ja, ja, a, rel.Column))
		cond, err := c.compileWhere(target, sub, ja, joins)
		if err != nil {
			return "", err
		}
		if cond == "" {
			// Bare descent: require the related row to exist.
			return ja + ".id IS NOT NULL", nil
		}
		// The LEFT JOIN leaves ja.* NULL on a null FK, so the inner
		// conditions fail and the descent yields false.
		return "(" + cond + ")", nil
	}
	var innerJoins []string
	cond, err := c.compileWhere(target, sub, ja, &innerJoins)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "EXISTS (SELECT 1 FROM %s AS %s", target.Name, ja)
	for _, j := range innerJoins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	fmt.Fprintf(&b, " WHERE %s.%s = %s.id", ja, rel.Column, a)
	if cond != "" {
		b.WriteString(" AND (")
		b.WriteString(cond)
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String(), nil
}

func (c *compiler) compileLeaf(col string, cond any) string {
	ops, isOp := operatorShape(cond)
	if !isOp {
		return c.compileOp(col, query.OpEq, cond)
	}
	var parts []string
	for _, op := range sortedKeys(ops) {
		parts = append(parts, c.compileOp(col, op, ops[op]))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func (c *compiler) compileOp(col, op string, arg any) string {
	switch op {
	case query.OpEq:
		if arg == nil {
			return col + " IS NULL"
		}
		return col + " = " + c.pb.Add(arg)
	case query.OpNot:
		if arg == nil {
			return col + " IS NOT NULL"
		}
		inner := c.compileLeaf(col, arg)
		// Logical negation keeps NULL rows, unlike bare SQL NOT.
		return "(" + col + " IS NULL OR NOT (" + inner + "))"
	case query.OpIn:
		values, _ := arg.([]any)
		if len(values) == 0 {
			return "1 = 0"
		}
		return c.d.InExpr(col, c.pb, values)
	case query.OpGt:
		return col + " > " + c.pb.Add(arg)
	case query.OpGte:
		return col + " >= " + c.pb.Add(arg)
	case query.OpLt:
		return col + " < " + c.pb.Add(arg)
	case query.OpLte:
		return col + " <= " + c.pb.Add(arg)
	default:
		return "1 = 0"
	}
}

// changedSince keeps rows with at least one field written after the cursor.
func (c *compiler) changedSince(e *schema.Entity, base, since string) string {
	m := c.alias("m")
	cols := e.MetaColumns()
	if len(cols) == 0 {
		return "1 = 1"
	}
	parts := make([]string, len(cols))
	for i, name := range cols {
		parts[i] = fmt.Sprintf("%s.%s > %s", m, name, c.pb.Add(since))
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s.id = %s.id AND (%s))",
		e.MetaTable(), m, m, base, strings.Join(parts, " OR "))
}

func operatorShape(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return nil, false
		}
	}
	return m, true
}

func whereOf(v any) query.Where {
	switch w := v.(type) {
	case query.Where:
		return w
	case map[string]any:
		return query.Where(w)
	default:
		return nil
	}
}

func whereList(v any) []query.Where {
	switch list := v.(type) {
	case []query.Where:
		return list
	case []any:
		out := make([]query.Where, 0, len(list))
		for _, item := range list {
			if w := whereOf(item); w != nil {
				out = append(out, w)
			}
		}
		return out
	default:
		return nil
	}
}

func sortedWhereKeys(w query.Where) []string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIncludeKeys(inc query.Include) []string {
	keys := make([]string, 0, len(inc))
	for k := range inc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// materializeRow converts one scanned row (or one parsed include object)
// into the canonical value/meta tree.
func materializeRow(reg *schema.Registry, e *schema.Entity, row map[string]any, inc query.Include) record.Materialized {
	meta := map[string]any{}
	if parsed, ok := parseJSONColumn(row["_meta"]); ok {
		if m, ok := parsed.(map[string]any); ok {
			meta = m
		}
	}

	out := make(record.Materialized, len(e.Fields)+1)
	out[schema.IDField] = record.FieldValue{Value: stringOf(row[schema.IDField])}
	for _, f := range e.Fields {
		if f.Name == schema.IDField {
			continue
		}
		fv := record.FieldValue{Value: coerceFieldValue(&f, row[f.Name])}
		if ts, ok := meta[f.Name].(string); ok && ts != "" {
			fv.Meta = &record.Meta{Timestamp: ts}
		}
		out[f.Name] = fv
	}

	for _, relName := range sortedIncludeKeys(inc) {
		rel := reg.Relation(e.Name, relName)
		if rel == nil {
			continue
		}
		child, _ := inc.Child(relName)
		target := reg.Entity(rel.Target)
		parsed, ok := parseJSONColumn(row[relName])
		if !ok {
			out[relName] = record.FieldValue{Value: nil}
			continue
		}
		switch v := parsed.(type) {
		case map[string]any:
			out[relName] = record.FieldValue{Value: materializeRow(reg, target, v, child)}
		case []any:
			list := make([]record.Materialized, 0, len(v))
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					list = append(list, materializeRow(reg, target, m, child))
				}
			}
			out[relName] = record.FieldValue{Value: list}
		default:
			out[relName] = record.FieldValue{Value: nil}
		}
	}
	return out
}

func coerceFieldValue(f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case schema.TypeBoolean:
		switch n := v.(type) {
		case bool:
			return n
		case int64:
			return n != 0
		case float64:
			return n != 0
		}
	case schema.TypeNumber:
		switch n := v.(type) {
		case int64:
			return float64(n)
		case float64:
			return n
		}
	case schema.TypeJSON:
		if parsed, ok := parseJSONColumn(v); ok {
			return parsed
		}
		return nil
	case schema.TypeDate:
		if t, ok := v.(time.Time); ok {
			return record.FormatTime(t)
		}
	}
	return v
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
