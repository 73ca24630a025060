package keyset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Expression is a value expression usable in ORDER BY and WHERE clauses.
//
// Only the variants declared in this file are introspectable: ColumnRef,
// NamedFunction and RawExpression. RawExpression is opaque and can neither be
// reversed nor stripped of ordering metadata.
type Expression interface {
	SQL() string
	validate() error
}

// ColumnRef references a (optionally table qualified) column.
type ColumnRef struct {
	Table string
	Name  string
}

// Col parses "column" or "table.column" into a ColumnRef.
func Col(name string) ColumnRef {
	if table, column, ok := strings.Cut(name, "."); ok {
		return ColumnRef{Table: table, Name: column}
	}

	return ColumnRef{Name: name}
}

func (c ColumnRef) SQL() string {
	if c.Table == "" {
		return c.Name
	}

	return c.Table + "." + c.Name
}

func (c ColumnRef) validate() error {
	if !validColumnName(c.Name) || (c.Table != "" && !validColumnName(c.Table)) {
		return fmt.Errorf("%w: column name contains forbidden symbols '%s'", ErrInvalidColumn, c.SQL())
	}

	return nil
}

// NamedFunction is a single-argument SQL function call such as LOWER(name).
type NamedFunction struct {
	Name string
	Arg  Expression
}

var _functionNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Lower wraps the expression into LOWER(...).
func Lower(arg Expression) NamedFunction {
	return NamedFunction{Name: "LOWER", Arg: arg}
}

// Upper wraps the expression into UPPER(...).
func Upper(arg Expression) NamedFunction {
	return NamedFunction{Name: "UPPER", Arg: arg}
}

func (f NamedFunction) SQL() string {
	return fmt.Sprintf("%s(%s)", f.Name, f.Arg.SQL())
}

func (f NamedFunction) validate() error {
	if !_functionNameRegexp.MatchString(f.Name) {
		return fmt.Errorf("%w: invalid function name '%s'", ErrInvalidColumn, f.Name)
	}

	if f.Arg == nil {
		return fmt.Errorf("%w: function '%s' has no argument", ErrInvalidColumn, f.Name)
	}

	return f.Arg.validate()
}

// column returns the column the function is applied to, if any.
func (f NamedFunction) column() (ColumnRef, bool) {
	switch arg := f.Arg.(type) {
	case ColumnRef:
		return arg, true
	case NamedFunction:
		return arg.column()
	default:
		return ColumnRef{}, false
	}
}

// RawExpression is trusted SQL text. It is never parsed.
type RawExpression string

func (r RawExpression) SQL() string {
	return string(r)
}

func (r RawExpression) validate() error {
	if strings.TrimSpace(string(r)) == "" {
		return fmt.Errorf("%w: empty raw expression", ErrInvalidColumn)
	}

	return nil
}

// NullsPosition is the NULLS FIRST / NULLS LAST modifier of an ordering.
type NullsPosition string

const (
	NullsPositionFirst NullsPosition = "NULLS FIRST"
	NullsPositionLast  NullsPosition = "NULLS LAST"
)

func (n NullsPosition) Reverse() NullsPosition {
	return lo.Ternary(n == NullsPositionFirst, NullsPositionLast, NullsPositionFirst)
}

// OrderExpression is a single ORDER BY term.
type OrderExpression interface {
	clause.Expression
	SQL() string
}

// Ordering is "<expr> ASC|DESC".
type Ordering struct {
	Expr      Expression
	Direction Direction
}

func Asc(expr Expression) Ordering {
	return Ordering{Expr: expr, Direction: DirectionASC}
}

func Desc(expr Expression) Ordering {
	return Ordering{Expr: expr, Direction: DirectionDESC}
}

func (o Ordering) NullsFirst() NullsOrdering {
	return NullsOrdering{Ordering: o, Nulls: NullsPositionFirst}
}

func (o Ordering) NullsLast() NullsOrdering {
	return NullsOrdering{Ordering: o, Nulls: NullsPositionLast}
}

func (o Ordering) SQL() string {
	return fmt.Sprintf("%s %s", o.Expr.SQL(), o.Direction)
}

// Build implements clause.Expression.
func (o Ordering) Build(builder clause.Builder) {
	builder.WriteString(o.SQL())
}

// NullsOrdering is "<expr> ASC|DESC NULLS FIRST|LAST".
type NullsOrdering struct {
	Ordering
	Nulls NullsPosition
}

func (o NullsOrdering) SQL() string {
	return fmt.Sprintf("%s %s", o.Ordering.SQL(), o.Nulls)
}

// Build implements clause.Expression. MySQL has no NULLS FIRST/LAST syntax, so
// the placement is emulated with a leading "<expr> IS NULL" term there.
func (o NullsOrdering) Build(builder clause.Builder) {
	if dialectName(builder) != "mysql" {
		builder.WriteString(o.SQL())
		return
	}

	nullsDirection := lo.Ternary(o.Nulls == NullsPositionLast, DirectionASC, DirectionDESC)
	builder.WriteString(fmt.Sprintf("%s IS NULL %s, %s", o.Expr.SQL(), nullsDirection, o.Ordering.SQL()))
}

// RawOrder is an opaque ORDER BY term.
type RawOrder string

func (r RawOrder) SQL() string {
	return string(r)
}

// Build implements clause.Expression.
func (r RawOrder) Build(builder clause.Builder) {
	builder.WriteString(string(r))
}

// OrderTerms is a list of ORDER BY terms which stays introspectable when it is
// attached to a gorm statement.
type OrderTerms []OrderExpression

// Terms builds an ORDER BY clause from expression terms. gorm's Order only accepts
// strings and columns, so the clause is attached with Clauses:
//
//	db.Clauses(keyset.Terms(keyset.Asc(keyset.Lower(keyset.Col("name"))), keyset.Asc(keyset.Col("id"))))
func Terms(terms ...OrderExpression) clause.OrderBy {
	return clause.OrderBy{Expression: OrderTerms(terms)}
}

// Build implements clause.Expression.
func (t OrderTerms) Build(builder clause.Builder) {
	for i, term := range t {
		if i > 0 {
			builder.WriteString(", ")
		}
		term.Build(builder)
	}
}

func reverseOrderExpression(o OrderExpression) (OrderExpression, bool) {
	switch v := o.(type) {
	case Ordering:
		return Ordering{Expr: v.Expr, Direction: v.Direction.Reverse()}, true
	case NullsOrdering:
		return NullsOrdering{
			Ordering: Ordering{Expr: v.Expr, Direction: v.Direction.Reverse()},
			Nulls:    v.Nulls.Reverse(),
		}, true
	default:
		return nil, false
	}
}

func directionOf(o OrderExpression) (Direction, bool) {
	switch v := o.(type) {
	case Ordering:
		return v.Direction, true
	case NullsOrdering:
		return v.Direction, true
	default:
		return "", false
	}
}

func expressionOf(o OrderExpression) (Expression, bool) {
	switch v := o.(type) {
	case Ordering:
		return v.Expr, v.Expr != nil
	case NullsOrdering:
		return v.Expr, v.Expr != nil
	default:
		return nil, false
	}
}

func dialectName(builder clause.Builder) string {
	stmt, ok := builder.(*gorm.Statement)
	if !ok || stmt.DB == nil || stmt.DB.Config == nil || stmt.Dialector == nil {
		return ""
	}

	return stmt.Dialector.Name()
}
