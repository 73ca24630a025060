package keyset

import (
	"database/sql/driver"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Order is a keyset order: an ordered list of column definitions. The first column
// is the primary sort, the next one breaks its ties and so on.
type Order struct {
	columns []*ColumnOrderDefinition
}

// NewOrder builds an order from column definitions. Columns following a distinct
// column can never decide the order and are dropped.
func NewOrder(columns ...*ColumnOrderDefinition) (*Order, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no column definitions given", ErrInvalidOrder)
	}

	seen := make(map[string]struct{}, len(columns))
	for i, column := range columns {
		if column == nil {
			return nil, fmt.Errorf("%w: column definition #%d is nil", ErrInvalidOrder, i)
		}

		if _, ok := seen[column.attributeName]; ok {
			return nil, fmt.Errorf("%w: duplicate attribute '%s'", ErrInvalidOrder, column.attributeName)
		}
		seen[column.attributeName] = struct{}{}

		if column.distinct && i < len(columns)-1 {
			logger().Warn(
				"ignoring columns after a distinct column",
				zap.String("distinct_column", column.attributeName),
				zap.Strings("ignored", lo.Map(columns[i+1:], func(c *ColumnOrderDefinition, _ int) string {
					return c.attributeName
				})),
			)
			columns = columns[:i+1]
			break
		}
	}

	return &Order{columns: slices.Clone(columns)}, nil
}

// Columns returns the column definitions of the order.
func (o *Order) Columns() []*ColumnOrderDefinition {
	return slices.Clone(o.columns)
}

// AttributeNames returns the unique attribute names of the order.
func (o *Order) AttributeNames() []string {
	return lo.Uniq(lo.Map(o.columns, func(c *ColumnOrderDefinition, _ int) string {
		return c.attributeName
	}))
}

// IsComplete reports whether the order is total: it must end in a distinct,
// not nullable column.
func (o *Order) IsComplete() bool {
	if o == nil || len(o.columns) == 0 {
		return false
	}

	last := o.columns[len(o.columns)-1]

	return last.distinct && !last.IsNullable()
}

func (o *Order) validate() error {
	if o == nil {
		return fmt.Errorf("%w: order is nil", ErrInvalidOrder)
	}

	if !o.IsComplete() {
		return fmt.Errorf(
			"%w: the last column must be distinct and not nullable to paginate with keyset (%s)",
			ErrInvalidOrder, o.ToSQL(),
		)
	}

	return nil
}

// Reversed returns the order walking the opposite way. Column positions are kept.
func (o *Order) Reversed() (*Order, error) {
	columns := make([]*ColumnOrderDefinition, 0, len(o.columns))
	for _, column := range o.columns {
		reversed, err := column.Reverse()
		if err != nil {
			return nil, err
		}
		columns = append(columns, reversed)
	}

	return &Order{columns: columns}, nil
}

// ToSQL renders the ORDER BY list.
func (o *Order) ToSQL() string {
	return strings.Join(lo.Map(o.columns, func(c *ColumnOrderDefinition, _ int) string {
		return c.orderExpression.SQL()
	}), ", ")
}

// Build implements clause.Expression so the order can be used as an ORDER BY
// expression.
func (o *Order) Build(builder clause.Builder) {
	for i, column := range o.columns {
		if i > 0 {
			builder.WriteString(", ")
		}
		column.orderExpression.Build(builder)
	}
}

// Apply replaces the ORDER BY of the query with the order.
func (o *Order) Apply(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.OrderBy{Expression: o})
}

// Attach applies the order and bundles it with the query.
func (o *Order) Attach(db *gorm.DB) OrderedQuery {
	return OrderedQuery{DB: o.Apply(db), Order: o}
}

// Projections returns the select list exposing every column under its
// attribute name.
func (o *Order) Projections() []string {
	return lo.Map(o.columns, func(c *ColumnOrderDefinition, _ int) string {
		return c.projection()
	})
}

// extraProjections returns the select list items of AddToProjections columns.
func (o *Order) extraProjections() []string {
	return lo.FilterMap(o.columns, func(c *ColumnOrderDefinition, _ int) (string, bool) {
		return c.projection(), c.addToProjections
	})
}

// CursorAttributesForNode extracts the cursor values of a node.
func (o *Order) CursorAttributesForNode(node any) (map[string]any, error) {
	ret := make(map[string]any, len(o.columns))
	for _, column := range o.columns {
		value, err := column.Value(node)
		if err != nil {
			return nil, fmt.Errorf("cannot build cursor attributes: %w", err)
		}
		ret[column.attributeName] = value
	}

	return ret, nil
}

// hasComputedColumns reports whether a cursor needs values computed by the database.
func (o *Order) hasComputedColumns() bool {
	return lo.SomeBy(o.columns, (*ColumnOrderDefinition).isComputed)
}

// databaseKeys reads the projected order columns of the row the plain columns of
// node point at. Computed columns then carry the value the database compares with.
func (o *Order) databaseKeys(db *gorm.DB, node any) (map[string]any, error) {
	match := make(tDisjunct, 0, len(o.columns))
	for _, column := range o.columns {
		if column.isComputed() {
			continue
		}

		value, err := column.Value(node)
		if err != nil {
			return nil, fmt.Errorf("cannot locate row: %w", err)
		}

		columnSQL := column.columnExpression.SQL()
		if value == nil {
			match = append(match, tConjunct{Column: columnSQL, Operator: operatorIsNull})
		} else {
			match = append(match, tConjunct{Column: columnSQL, Value: value, Operator: operatorEq})
		}
	}

	if len(match) == 0 {
		return nil, fmt.Errorf("%w: cannot locate rows of an order without plain columns", ErrInvalidOrder)
	}

	var keys []map[string]any
	err := db.Clauses(match.toGORMExpression()).
		Select(strings.Join(o.Projections(), ", ")).
		Limit(1).
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("cannot read cursor attributes: %w", err)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("cannot read cursor attributes: row is gone")
	}

	return keys[0], nil
}

// BuildWhereValues builds the predicate matching rows strictly after the cursor.
// Returns nil when no values are given.
func (o *Order) BuildWhereValues(values map[string]any) (clause.Expression, error) {
	if len(values) == 0 {
		return nil, nil
	}

	if err := o.validateValues(values); err != nil {
		return nil, err
	}

	if o.rowComparable() {
		return o.toRowComparison(values).toGORMExpression(), nil
	}

	dnf, err := o.toDNF(values)
	if err != nil {
		return nil, err
	}

	if exp := dnf.toGORMExpression(); exp != nil {
		return exp, nil
	}

	return clause.Expr{SQL: "FALSE"}, nil
}

// WhereSQL returns the predicate of BuildWhereValues as SQL with "?" placeholders.
//
// Usage:
//
//	where, args, err := order.WhereSQL(cursorValues)
//	query := fmt.Sprintf("SELECT * FROM table WHERE %s ORDER BY %s", where, order.ToSQL())
func (o *Order) WhereSQL(values map[string]any) (string, []driver.Value, error) {
	if len(values) == 0 {
		return "TRUE", nil, nil
	}

	if err := o.validateValues(values); err != nil {
		return "", nil, err
	}

	if o.rowComparable() {
		sql, args := o.toRowComparison(values).toSQLClause()
		return sql, args, nil
	}

	dnf, err := o.toDNF(values)
	if err != nil {
		return "", nil, err
	}

	sql, args := dnf.toSQLClause()

	return sql, args, nil
}

// validateValues checks the cursor names every attribute of the order and
// carries no NULL for a not nullable column.
func (o *Order) validateValues(values map[string]any) error {
	expected := o.AttributeNames()
	given := lo.Keys(values)

	missing, extra := lo.Difference(expected, given)
	slices.Sort(missing)
	slices.Sort(extra)

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "Missing items: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		problems = append(problems, "Extra items: "+strings.Join(extra, ", "))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCursor, strings.Join(problems, ". "))
	}

	for _, column := range o.columns {
		if values[column.attributeName] == nil && !column.IsNullable() {
			return fmt.Errorf(
				"%w: attribute '%s' is NULL but the column is not nullable",
				ErrInvalidCursor, column.attributeName,
			)
		}
	}

	return nil
}

// rowComparable reports whether the compact "(a, b) > (x, y)" form applies.
func (o *Order) rowComparable() bool {
	if len(o.columns) < 2 {
		return false
	}

	direction := o.columns[0].direction

	return lo.EveryBy(o.columns, func(c *ColumnOrderDefinition) bool {
		return !c.IsNullable() && c.direction == direction
	})
}

func (o *Order) toRowComparison(values map[string]any) tRowComparison {
	return tRowComparison{
		Columns: lo.Map(o.columns, func(c *ColumnOrderDefinition, _ int) string {
			return c.columnExpression.SQL()
		}),
		Values: lo.Map(o.columns, func(c *ColumnOrderDefinition, _ int) any {
			return values[c.attributeName]
		}),
		Operator: o.columns[0].operator(),
	}
}

// toDNF expands the cursor into
//
//	(C1 O1 V1) OR (C1 = V1 AND C2 O2 V2) OR ... OR (C1 = V1 AND ... AND Cn On Vn)
//
// NULL values need explicit branches since no comparison with NULL is ever true:
//   - equality with a NULL value becomes "C IS NULL";
//   - NULLS LAST column, non-NULL value: both "C O V" and "C IS NULL" come after;
//   - NULLS LAST column, NULL value: nothing comes after on this column;
//   - NULLS FIRST column, non-NULL value: only "C O V" comes after;
//   - NULLS FIRST column, NULL value: every "C IS NOT NULL" comes after.
func (o *Order) toDNF(values map[string]any) (tDNF, error) {
	dnf := make(tDNF, 0, len(o.columns))
	prefix := make([]tConjunct, 0, len(o.columns))

	for _, column := range o.columns {
		columnSQL := column.columnExpression.SQL()
		value := values[column.attributeName]

		var after []tConjunct
		switch {
		case value != nil && column.nullable == NullsLast:
			after = []tConjunct{
				{Column: columnSQL, Value: value, Operator: column.operator()},
				{Column: columnSQL, Operator: operatorIsNull},
			}
		case value != nil:
			after = []tConjunct{{Column: columnSQL, Value: value, Operator: column.operator()}}
		case column.nullable == NullsFirst:
			after = []tConjunct{{Column: columnSQL, Operator: operatorIsNotNull}}
		}

		for _, conjunct := range after {
			disjunct := make(tDisjunct, 0, len(prefix)+1)
			disjunct = append(disjunct, prefix...)
			disjunct = append(disjunct, conjunct)
			dnf = append(dnf, disjunct)
		}

		if value == nil {
			prefix = append(prefix, tConjunct{Column: columnSQL, Operator: operatorIsNull})
		} else {
			prefix = append(prefix, tConjunct{Column: columnSQL, Value: value, Operator: operatorEq})
		}
	}

	return dnf, nil
}

// CursorConditionOption configures ApplyCursorConditions.
type CursorConditionOption interface {
	apply(*cursorConditionOptions)
}

type cursorConditionOptions struct {
	useUnionOptimization bool
	limit                int
}

type cursorConditionOptFunc func(*cursorConditionOptions)

func (f cursorConditionOptFunc) apply(o *cursorConditionOptions) {
	f(o)
}

// UnionOptimization rewrites the OR predicate of a two column order into a UNION ALL
// of independently ordered and limited queries. limit bounds every member.
func UnionOptimization(limit int) CursorConditionOption {
	return cursorConditionOptFunc(func(o *cursorConditionOptions) {
		o.useUnionOptimization = true
		o.limit = limit
	})
}

// ApplyCursorConditions restricts the query to rows strictly after the cursor and
// orders it. The query is not modified when values are empty, apart from ordering.
func (o *Order) ApplyCursorConditions(db *gorm.DB, values map[string]any, opts ...CursorConditionOption) (*gorm.DB, error) {
	options := cursorConditionOptions{}
	for _, opt := range opts {
		opt.apply(&options)
	}

	db = db.Session(&gorm.Session{})
	if extra := o.extraProjections(); len(extra) > 0 {
		db = withProjections(db, extra)
	}

	if len(values) == 0 {
		return o.Apply(db), nil
	}

	if options.useUnionOptimization && len(o.columns) == 2 {
		return o.applyUnion(db, values, options.limit)
	}

	exp, err := o.BuildWhereValues(values)
	if err != nil {
		return nil, err
	}

	return o.Apply(db.Clauses(exp)), nil
}

// applyUnion builds
//
//	SELECT * FROM (
//	  SELECT * FROM (<scope> WHERE <disjunct 1> ORDER BY <order> LIMIT n) AS union_member_1
//	  UNION ALL
//	  SELECT * FROM (<scope> WHERE <disjunct 2> ORDER BY <order> LIMIT n) AS union_member_2
//	) AS <table> ORDER BY <order>
//
// Every member runs on its own index range, which a single OR predicate may prevent.
// Members and the outer query share the projection list of the scope.
func (o *Order) applyUnion(db *gorm.DB, values map[string]any, limit int) (*gorm.DB, error) {
	if err := o.validateValues(values); err != nil {
		return nil, err
	}

	dnf, err := o.toDNF(values)
	if err != nil {
		return nil, err
	}

	table, err := tableName(db)
	if err != nil {
		return nil, err
	}

	if len(dnf) == 0 {
		return o.Apply(db.Where("FALSE")), nil
	}

	members := make([]string, 0, len(dnf))
	args := make([]any, 0, len(dnf))
	for i, disjunct := range dnf {
		member := o.Apply(db.Session(&gorm.Session{}).Clauses(disjunct.toGORMExpression()))
		if limit > 0 {
			member = member.Limit(limit)
		}

		members = append(members, fmt.Sprintf("SELECT * FROM (?) AS union_member_%d", i+1))
		args = append(args, member)
	}

	union := db.Session(&gorm.Session{NewDB: true}).Raw(strings.Join(members, " UNION ALL "), args...)
	outer := db.Session(&gorm.Session{NewDB: true}).Table(fmt.Sprintf("(?) AS %s", table), union)
	if limit > 0 {
		outer = outer.Limit(limit)
	}

	return o.Apply(outer), nil
}

// OrderedQuery bundles a query with the keyset order applied to it.
type OrderedQuery struct {
	DB    *gorm.DB
	Order *Order
}

// ExtractKeysetOrder returns the keyset order of the query.
func ExtractKeysetOrder(q OrderedQuery) (*Order, error) {
	if q.Order == nil {
		return nil, fmt.Errorf("%w: query has no keyset order", ErrInvalidOrder)
	}

	return q.Order, nil
}

func (q OrderedQuery) validate() error {
	if q.DB == nil {
		return fmt.Errorf("%w: query is nil", ErrInvalidOrder)
	}

	order, err := ExtractKeysetOrder(q)
	if err != nil {
		return err
	}

	return order.validate()
}

// session returns a query branch safe to modify without touching q.DB.
func (q OrderedQuery) session() *gorm.DB {
	return q.DB.Session(&gorm.Session{})
}

func tableName(db *gorm.DB) (string, error) {
	stmt := db.Statement
	if stmt.Table == "" && stmt.Model != nil {
		if err := stmt.Parse(stmt.Model); err != nil {
			return "", fmt.Errorf("cannot resolve table name: %w", err)
		}
	}

	if stmt.Table == "" {
		return "", fmt.Errorf("%w: query has no table", ErrInvalidOrder)
	}

	return stmt.Table, nil
}

// withProjections appends select list items to the current selection of the query.
func withProjections(db *gorm.DB, projections []string) *gorm.DB {
	selects := db.Statement.Selects
	if len(selects) == 0 {
		selects = []string{"*"}
	}

	return db.Select(strings.Join(append(slices.Clone(selects), projections...), ", "))
}
