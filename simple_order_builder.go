package keyset

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxNonPrimaryKeyColumns bounds how many non primary key columns are turned into
// a keyset order automatically. Larger orders have to be built with NewOrder.
const maxNonPrimaryKeyColumns = 2

// SimpleOrderBuilder turns the plain ORDER BY of a query into a keyset order by
// completing it with the primary key.
//
// Supported ORDER BY forms are structured columns (db.Order(clause.OrderByColumn{...}),
// Orderings.Apply) and expression terms attached with Terms. Raw string orders such
// as db.Order("name desc") cannot be introspected.
type SimpleOrderBuilder struct {
	inspector SchemaInspector
}

func NewSimpleOrderBuilder(inspector SchemaInspector) *SimpleOrderBuilder {
	return &SimpleOrderBuilder{inspector: inspector}
}

// orderTerm is an introspected ORDER BY term.
type orderTerm struct {
	source    OrderExpression
	expr      Expression
	column    ColumnRef
	direction Direction
	nulls     NullsPosition
}

func (t orderTerm) isFunction() bool {
	_, ok := t.expr.(NamedFunction)
	return ok
}

// columnDraft collects the arguments of a column definition until the last column
// is known and can be marked distinct.
type columnDraft struct {
	attributeName string
	order         OrderExpression
	opts          []ColumnOption
}

// Build returns the query ordered by a keyset order. The flag is false when the
// order cannot be converted and the caller should fall back to another pagination
// strategy; the query is then returned unchanged. Errors are only returned when
// the schema cannot be inspected.
func (b *SimpleOrderBuilder) Build(ctx context.Context, db *gorm.DB) (OrderedQuery, bool, error) {
	unsupported := OrderedQuery{DB: db}
	log := logger().With(zap.String("component", "simple_order_builder"))

	table, err := tableName(db)
	if err != nil {
		log.Debug("cannot build keyset order", zap.Error(err))
		return unsupported, false, nil
	}
	log = log.With(zap.String("table", table))

	if order, ok := attachedOrder(db); ok {
		return OrderedQuery{DB: db, Order: order}, true, nil
	}

	terms, ok := orderTermsOf(db, table)
	if !ok {
		log.Debug("order is not introspectable")
		return unsupported, false, nil
	}

	primaryKey, err := b.inspector.PrimaryKeyColumns(ctx, table)
	if err != nil {
		return unsupported, false, fmt.Errorf("cannot build keyset order: %w", err)
	}
	if len(primaryKey) == 0 {
		log.Debug("table has no primary key")
		return unsupported, false, nil
	}

	drafts, ok, err := b.columnDrafts(ctx, table, terms, primaryKey)
	if err != nil {
		return unsupported, false, fmt.Errorf("cannot build keyset order: %w", err)
	}
	if !ok {
		log.Debug("unsupported order shape", zap.Int("terms", len(terms)))
		return unsupported, false, nil
	}

	drafts[len(drafts)-1].opts = append(drafts[len(drafts)-1].opts, Distinct())

	columns := make([]*ColumnOrderDefinition, 0, len(drafts))
	for _, draft := range drafts {
		column, err := NewColumnOrderDefinition(draft.attributeName, draft.order, draft.opts...)
		if err != nil {
			log.Debug("cannot define order column", zap.Error(err))
			return unsupported, false, nil
		}
		columns = append(columns, column)
	}

	order, err := NewOrder(columns...)
	if err != nil {
		log.Debug("cannot build keyset order", zap.Error(err))
		return unsupported, false, nil
	}

	return order.Attach(db), true, nil
}

func (b *SimpleOrderBuilder) columnDrafts(
	ctx context.Context,
	table string,
	terms []orderTerm,
	primaryKey []string,
) ([]columnDraft, bool, error) {
	if len(terms) == 0 {
		return lo.Map(primaryKey, func(column string, _ int) columnDraft {
			return primaryKeyDraft(table, column, DirectionDESC)
		}), true, nil
	}

	isPrimaryKey := func(t orderTerm) bool {
		_, plain := t.expr.(ColumnRef)
		return plain && (t.column.Table == "" || t.column.Table == table) && slices.Contains(primaryKey, t.column.Name)
	}

	// Terms after the point where the primary key is complete cannot change the
	// order and are dropped.
	terms = totalOrderPrefix(terms, primaryKey, isPrimaryKey)

	nonPrimaryKey := lo.CountBy(terms, func(t orderTerm) bool { return !isPrimaryKey(t) })
	if nonPrimaryKey > maxNonPrimaryKeyColumns {
		return nil, false, nil
	}

	hasNullsHint := lo.SomeBy(terms, func(t orderTerm) bool { return t.nulls != "" })
	if hasNullsHint && nonPrimaryKey > 1 {
		return nil, false, nil
	}

	var (
		drafts        = make([]columnDraft, 0, len(terms)+len(primaryKey))
		seen          = make(map[string]struct{}, len(primaryKey))
		lastDirection = DirectionDESC
	)

	for _, term := range terms {
		if isPrimaryKey(term) {
			if term.nulls != "" {
				return nil, false, nil
			}

			if _, ok := seen[term.column.Name]; !ok {
				seen[term.column.Name] = struct{}{}
				drafts = append(drafts, primaryKeyDraft(term.column.Table, term.column.Name, term.direction))
			}
			lastDirection = term.direction

			continue
		}

		if term.nulls != "" && term.isFunction() {
			return nil, false, nil
		}

		draft, err := b.nonPrimaryKeyDraft(ctx, table, term)
		if err != nil {
			return nil, false, err
		}
		drafts = append(drafts, draft)
		lastDirection = term.direction
	}

	for _, column := range primaryKey {
		if _, ok := seen[column]; !ok {
			drafts = append(drafts, primaryKeyDraft(table, column, lastDirection))
		}
	}

	return drafts, true, nil
}

// totalOrderPrefix returns the terms up to the one completing the primary key.
func totalOrderPrefix(terms []orderTerm, primaryKey []string, isPrimaryKey func(orderTerm) bool) []orderTerm {
	seen := make(map[string]struct{}, len(primaryKey))
	for i, term := range terms {
		if !isPrimaryKey(term) {
			continue
		}

		seen[term.column.Name] = struct{}{}
		if len(seen) == len(primaryKey) {
			return terms[:i+1]
		}
	}

	return terms
}

func (b *SimpleOrderBuilder) nonPrimaryKeyDraft(ctx context.Context, table string, term orderTerm) (columnDraft, error) {
	notNull, err := b.inspector.HasNotNullConstraint(ctx, table, term.column.Name)
	if err != nil {
		return columnDraft{}, err
	}

	draft := columnDraft{attributeName: term.column.Name, order: term.source}

	switch {
	case notNull:
		draft.opts = []ColumnOption{WithNullable(NotNullable)}
	case term.nulls != "":
		draft.opts = []ColumnOption{WithNullable(nullableFromPosition(term.nulls))}
	default:
		ordering := Ordering{Expr: term.expr, Direction: term.direction}
		if term.direction == DirectionASC {
			draft.order = ordering.NullsLast()
			draft.opts = []ColumnOption{WithNullable(NullsLast)}
		} else {
			draft.order = ordering.NullsFirst()
			draft.opts = []ColumnOption{WithNullable(NullsFirst)}
		}
	}

	return draft, nil
}

func primaryKeyDraft(table, column string, direction Direction) columnDraft {
	return columnDraft{
		attributeName: column,
		order:         Ordering{Expr: ColumnRef{Table: table, Name: column}, Direction: direction},
		opts:          []ColumnOption{WithNullable(NotNullable)},
	}
}

func orderByClause(db *gorm.DB) (clause.OrderBy, bool) {
	c, ok := db.Statement.Clauses["ORDER BY"]
	if !ok || c.Expression == nil {
		return clause.OrderBy{}, false
	}

	orderBy, ok := c.Expression.(clause.OrderBy)

	return orderBy, ok
}

// attachedOrder returns the keyset order already applied to the query, if any.
func attachedOrder(db *gorm.DB) (*Order, bool) {
	orderBy, ok := orderByClause(db)
	if !ok {
		return nil, false
	}

	order, ok := orderBy.Expression.(*Order)

	return order, ok && order != nil
}

// orderTermsOf introspects the ORDER BY of the query. The flag is false when a
// term cannot be introspected.
func orderTermsOf(db *gorm.DB, table string) ([]orderTerm, bool) {
	orderBy, ok := orderByClause(db)
	if !ok {
		return nil, true
	}

	var source []OrderExpression
	switch expr := orderBy.Expression.(type) {
	case nil:
		for _, column := range orderBy.Columns {
			if column.Column.Raw || strings.HasPrefix(column.Column.Name, "~~~") {
				return nil, false
			}

			columnTable := column.Column.Table
			if columnTable == clause.CurrentTable {
				columnTable = table
			}

			source = append(source, Ordering{
				Expr:      ColumnRef{Table: columnTable, Name: column.Column.Name},
				Direction: lo.Ternary(column.Desc, DirectionDESC, DirectionASC),
			})
		}
	case OrderTerms:
		source = expr
	default:
		return nil, false
	}

	terms := make([]orderTerm, 0, len(source))
	for _, s := range source {
		term, ok := introspectTerm(s)
		if !ok {
			return nil, false
		}
		terms = append(terms, term)
	}

	return terms, true
}

func introspectTerm(source OrderExpression) (orderTerm, bool) {
	term := orderTerm{source: source}

	switch v := source.(type) {
	case Ordering:
		term.expr, term.direction = v.Expr, v.Direction
	case NullsOrdering:
		term.expr, term.direction, term.nulls = v.Expr, v.Direction, v.Nulls
	default:
		return orderTerm{}, false
	}

	switch expr := term.expr.(type) {
	case ColumnRef:
		term.column = expr
	case NamedFunction:
		column, ok := expr.column()
		if !ok {
			return orderTerm{}, false
		}
		term.column = column
	default:
		return orderTerm{}, false
	}

	return term, term.direction.Valid()
}
