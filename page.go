package keyset

import (
	"context"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultPageSize = 20
	MaximumPageSize = 100
)

// IsNormalizedPageSizeMax clamps perPage into [1, maxPerPage]. Non-positive values
// fall back to DefaultPageSize. The flag reports whether perPage was kept as is.
func IsNormalizedPageSizeMax(perPage int, maxPerPage int) (int, bool) {
	if perPage <= 0 {
		return DefaultPageSize, false
	} else if perPage > maxPerPage {
		return maxPerPage, false
	}

	return perPage, true
}

func NormalizePageSizeMax(perPage int, maxPerPage int) int {
	ret, _ := IsNormalizedPageSizeMax(perPage, maxPerPage)
	return ret
}

func NormalizePageSize(perPage int) int {
	return NormalizePageSizeMax(perPage, MaximumPageSize)
}

// Page is a legacy keyset page: the ordering it was issued for, the values of the
// last row already seen and the page size.
type Page struct {
	orderBy     Orderings
	lowerBounds map[string]any
	perPage     int
}

// NewPage builds a page. perPage is normalized with NormalizePageSize.
func NewPage(orderBy Orderings, lowerBounds map[string]any, perPage int) (*Page, error) {
	if err := orderBy.validate(); err != nil {
		return nil, fmt.Errorf("cannot build page: %w", err)
	}

	return &Page{
		orderBy:     orderBy,
		lowerBounds: maps.Clone(lowerBounds),
		perPage:     NormalizePageSize(perPage),
	}, nil
}

func (p *Page) OrderBy() Orderings {
	return p.orderBy
}

func (p *Page) LowerBounds() map[string]any {
	return maps.Clone(p.lowerBounds)
}

func (p *Page) PerPage() int {
	return p.perPage
}

// Next returns the page following the row with the given values. The receiver is
// not modified.
func (p *Page) Next(lowerBounds map[string]any) *Page {
	return &Page{
		orderBy:     p.orderBy,
		lowerBounds: maps.Clone(lowerBounds),
		perPage:     p.perPage,
	}
}

// Validate checks that the order walks the same columns in the same directions the
// page was issued for.
func (p *Page) Validate(order *Order) error {
	if order == nil {
		return fmt.Errorf("%w: order is nil", ErrInvalidOrder)
	}

	if len(order.columns) != len(p.orderBy) {
		return fmt.Errorf("%w: page is ordered by (%s), query by (%s)", ErrOrderMismatch, p.orderBy.ToSQL(), order.ToSQL())
	}

	for i, column := range order.columns {
		expected := p.orderBy[i]
		if column.columnExpression.SQL() != expected.Column || column.direction != expected.Direction {
			return fmt.Errorf(
				"%w: column #%d is '%s %s', page expects '%s %s'",
				ErrOrderMismatch, i, column.columnExpression.SQL(), column.direction, expected.Column, expected.Direction,
			)
		}
	}

	return nil
}

// PaginatePage fetches the rows of a legacy page in one query and returns them with
// the following page, or nil when the end was reached. The query order must match
// page.OrderBy().
func PaginatePage[T any](ctx context.Context, q OrderedQuery, page *Page, getters Getters[T]) ([]T, *Page, error) {
	ctx, span := _tracer.Start(ctx, "keyset.PaginatePage")
	defer span.End()

	if err := q.validate(); err != nil {
		return nil, nil, recordSpanError(span, fmt.Errorf("cannot paginate page: %w", err))
	}

	if err := page.Validate(q.Order); err != nil {
		return nil, nil, recordSpanError(span, err)
	}

	db, err := q.Order.ApplyCursorConditions(q.session().WithContext(ctx), page.lowerBounds)
	if err != nil {
		return nil, nil, recordSpanError(span, fmt.Errorf("cannot paginate page: %w", err))
	}

	var records []T
	if err = db.Limit(page.perPage + 1).Find(&records).Error; err != nil {
		return nil, nil, recordSpanError(span, fmt.Errorf("cannot fetch page: %w", err))
	}

	span.SetAttributes(attribute.Int("keyset.per_page", page.perPage), attribute.Int("keyset.rows", len(records)))

	if len(records) <= page.perPage {
		return records, nil, nil
	}
	records = records[:page.perPage]

	lowerBounds, err := cursorAttributesOf(ctx, q, records[len(records)-1], getters)
	if err != nil {
		return nil, nil, recordSpanError(span, err)
	}

	span.SetStatus(codes.Ok, "")

	return records, page.Next(lowerBounds), nil
}

// nodeOf prefers the getters when given, so values come from the same accessors
// the caller uses.
func nodeOf[T any](record T, getters Getters[T]) any {
	if len(getters) > 0 {
		return getters.Reader(record)
	}

	return record
}


// cursorAttributesOf reads the cursor attributes of a fetched record. Computed
// columns are read back from the database, as Go cannot reproduce functions such
// as LOWER under every collation.
func cursorAttributesOf[T any](ctx context.Context, q OrderedQuery, record T, getters Getters[T]) (map[string]any, error) {
	node := nodeOf(record, getters)
	if !q.Order.hasComputedColumns() {
		return q.Order.CursorAttributesForNode(node)
	}

	keys, err := q.Order.databaseKeys(q.session().WithContext(ctx), node)
	if err != nil {
		return nil, err
	}

	return q.Order.CursorAttributesForNode(keys)
}
