package keyset

import (
	"fmt"

	"github.com/samber/lo"
)

// Nullable describes how NULL values of a column are placed in the order.
type Nullable string

const (
	NotNullable Nullable = "not_nullable"
	NullsFirst  Nullable = "nulls_first"
	NullsLast   Nullable = "nulls_last"
)

func (n Nullable) Valid() bool {
	return n == NotNullable || n == NullsFirst || n == NullsLast
}

// Reverse swaps nulls_first and nulls_last. NotNullable stays as is.
func (n Nullable) Reverse() Nullable {
	switch n {
	case NullsFirst:
		return NullsLast
	case NullsLast:
		return NullsFirst
	default:
		return n
	}
}

func nullableFromPosition(p NullsPosition) Nullable {
	return lo.Ternary(p == NullsPositionFirst, NullsFirst, NullsLast)
}

// ColumnOrderDefinition describes one column of a keyset order.
type ColumnOrderDefinition struct {
	attributeName           string
	columnExpression        Expression
	orderExpression         OrderExpression
	reversedOrderExpression OrderExpression
	direction               Direction
	nullable                Nullable
	distinct                bool
	addToProjections        bool
}

// ColumnOption configures a ColumnOrderDefinition.
type ColumnOption interface {
	apply(*ColumnOrderDefinition)
}

type columnOptFunc func(*ColumnOrderDefinition)

func (f columnOptFunc) apply(c *ColumnOrderDefinition) {
	f(c)
}

// WithColumnExpression sets the expression compared against cursor values. Required
// for RawOrder terms.
func WithColumnExpression(expr Expression) ColumnOption {
	return columnOptFunc(func(c *ColumnOrderDefinition) {
		c.columnExpression = expr
	})
}

// WithReversedOrderExpression sets the ORDER BY term used when paginating backwards.
func WithReversedOrderExpression(expr OrderExpression) ColumnOption {
	return columnOptFunc(func(c *ColumnOrderDefinition) {
		c.reversedOrderExpression = expr
	})
}

// WithDirection sets the direction explicitly. Required for RawOrder terms.
func WithDirection(direction Direction) ColumnOption {
	return columnOptFunc(func(c *ColumnOrderDefinition) {
		c.direction = direction
	})
}

// WithNullable sets NULL placement. Defaults to NotNullable.
func WithNullable(nullable Nullable) ColumnOption {
	return columnOptFunc(func(c *ColumnOrderDefinition) {
		c.nullable = nullable
	})
}

// Distinct marks the column (together with the columns before it) as unique.
func Distinct() ColumnOption {
	return columnOptFunc(func(c *ColumnOrderDefinition) {
		c.distinct = true
	})
}

// AddToProjections makes the column expression part of the select list, aliased
// as the attribute name.
func AddToProjections() ColumnOption {
	return columnOptFunc(func(c *ColumnOrderDefinition) {
		c.addToProjections = true
	})
}

// NewColumnOrderDefinition builds and validates a column definition. Direction and
// column expression are inferred from the order expression when not given.
func NewColumnOrderDefinition(
	attributeName string,
	orderExpression OrderExpression,
	opts ...ColumnOption,
) (*ColumnOrderDefinition, error) {
	c := &ColumnOrderDefinition{
		attributeName:   attributeName,
		orderExpression: orderExpression,
		nullable:        NotNullable,
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	if err := c.init(); err != nil {
		return nil, fmt.Errorf("column '%s': %w", attributeName, err)
	}

	return c, nil
}

func (c *ColumnOrderDefinition) init() error {
	if c.attributeName == "" {
		return fmt.Errorf("%w: attribute name is required", ErrInvalidColumn)
	}

	if c.orderExpression == nil {
		return fmt.Errorf("%w: order expression is required", ErrInvalidColumn)
	}

	if c.direction == "" {
		direction, ok := directionOf(c.orderExpression)
		if !ok {
			return fmt.Errorf(
				"%w: order direction cannot be inferred from '%s', set it explicitly",
				ErrInvalidColumn, c.orderExpression.SQL(),
			)
		}
		c.direction = direction
	}

	if !c.direction.Valid() {
		return fmt.Errorf("%w: invalid order direction '%s'", ErrInvalidColumn, c.direction)
	}

	if c.columnExpression == nil {
		expr, ok := expressionOf(c.orderExpression)
		if !ok {
			return fmt.Errorf(
				"%w: column expression cannot be derived from '%s', set it explicitly",
				ErrInvalidColumn, c.orderExpression.SQL(),
			)
		}
		c.columnExpression = expr
	}

	if err := c.columnExpression.validate(); err != nil {
		return err
	}

	if !c.nullable.Valid() {
		return fmt.Errorf("%w: invalid nullable value '%s'", ErrInvalidColumn, c.nullable)
	}

	if c.nullable != NotNullable && c.distinct {
		return fmt.Errorf("%w: a nullable column cannot be distinct", ErrInvalidColumn)
	}

	if c.addToProjections && !validColumnName(c.attributeName) {
		return fmt.Errorf("%w: projected attribute name '%s' is not a valid alias", ErrInvalidColumn, c.attributeName)
	}

	return nil
}

func (c *ColumnOrderDefinition) AttributeName() string {
	return c.attributeName
}

func (c *ColumnOrderDefinition) ColumnExpression() Expression {
	return c.columnExpression
}

func (c *ColumnOrderDefinition) OrderExpression() OrderExpression {
	return c.orderExpression
}

func (c *ColumnOrderDefinition) Direction() Direction {
	return c.direction
}

func (c *ColumnOrderDefinition) Nullable() Nullable {
	return c.nullable
}

func (c *ColumnOrderDefinition) IsNullable() bool {
	return c.nullable != NotNullable
}

func (c *ColumnOrderDefinition) IsDistinct() bool {
	return c.distinct
}

func (c *ColumnOrderDefinition) AddsToProjections() bool {
	return c.addToProjections
}

// Reverse returns a new definition ordering the opposite way.
func (c *ColumnOrderDefinition) Reverse() (*ColumnOrderDefinition, error) {
	reversed := c.reversedOrderExpression
	if reversed == nil {
		var ok bool
		reversed, ok = reverseOrderExpression(c.orderExpression)
		if !ok {
			return nil, fmt.Errorf(
				"%w: column '%s': cannot reverse '%s', set a reversed order expression",
				ErrInvalidColumn, c.attributeName, c.orderExpression.SQL(),
			)
		}
	}

	ret := *c
	ret.orderExpression = reversed
	ret.reversedOrderExpression = c.orderExpression
	ret.direction = c.direction.Reverse()
	ret.nullable = c.nullable.Reverse()

	return &ret, nil
}

// operator returns the strict "comes after" operator for the column.
func (c *ColumnOrderDefinition) operator() Operator {
	return c.direction.ForOperator()
}

// projection returns the select list item exposing the column under its attribute name.
func (c *ColumnOrderDefinition) projection() string {
	exprSQL := c.columnExpression.SQL()
	if exprSQL == c.attributeName {
		return exprSQL
	}

	return fmt.Sprintf("%s AS %s", exprSQL, c.attributeName)
}
