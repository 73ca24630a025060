package keyset

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PaginateParams describes the requested page.
type PaginateParams[T any] struct {
	// Cursor is a token returned by one of the Paginator cursor methods. Empty
	// means the first page.
	Cursor string
	// PerPage is normalized with NormalizePageSize.
	PerPage int
	// UseUnionOptimization enables the UNION ALL rewrite for two column orders.
	UseUnionOptimization bool
	// Getters optionally supply attribute values of T. Without them values are read
	// from map rows or gorm model fields.
	Getters Getters[T]
}

// Paginator is a fetched page of records with the cursors around it.
type Paginator[T any] struct {
	records          []T
	perPage          int
	cursorAttributes map[string]any
	direction        CursorDirection

	hasNextPage     bool
	hasPreviousPage bool

	nextCursor     string
	previousCursor string
	firstCursor    string
	lastCursor     string
}

// Paginate fetches the page of the ordered query designated by the cursor. The page
// is read with a single statement: one row more than requested is fetched to tell
// whether the walk continues.
//
// Backward cursors walk the reversed order and the rows are flipped back, so
// records are always returned in the order of the query.
func Paginate[T any](ctx context.Context, q OrderedQuery, params PaginateParams[T]) (*Paginator[T], error) {
	ctx, span := _tracer.Start(ctx, "keyset.Paginate")
	defer span.End()

	if err := q.validate(); err != nil {
		return nil, recordSpanError(span, fmt.Errorf("cannot paginate: %w", err))
	}

	cursorAttributes, direction, err := DecodeCursor(params.Cursor)
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	p := &Paginator[T]{
		perPage:          NormalizePageSize(params.PerPage),
		cursorAttributes: cursorAttributes,
		direction:        direction,
	}
	span.SetAttributes(
		attribute.Int("keyset.per_page", p.perPage),
		attribute.String("keyset.direction", string(direction)),
	)

	order := q.Order
	if direction == CursorDirectionPrev {
		if order, err = order.Reversed(); err != nil {
			return nil, recordSpanError(span, fmt.Errorf("cannot paginate backwards: %w", err))
		}
	}

	// Lookahead row.
	limit := p.perPage + 1

	var opts []CursorConditionOption
	if params.UseUnionOptimization {
		opts = append(opts, UnionOptimization(limit))
	}

	db, err := order.ApplyCursorConditions(q.session().WithContext(ctx), cursorAttributes, opts...)
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("cannot paginate: %w", err))
	}

	var records []T
	if err = db.Limit(limit).Find(&records).Error; err != nil {
		return nil, recordSpanError(span, fmt.Errorf("cannot fetch page: %w", err))
	}
	span.SetAttributes(attribute.Int("keyset.rows", len(records)))

	hasMore := len(records) > p.perPage
	if hasMore {
		records = records[:p.perPage]
	}

	if direction == CursorDirectionPrev {
		records = lo.Reverse(records)
	}
	p.records = records

	if len(records) > 0 {
		hasCursor := len(cursorAttributes) > 0
		if direction == CursorDirectionNext {
			p.hasNextPage, p.hasPreviousPage = hasMore, hasCursor
		} else {
			p.hasNextPage, p.hasPreviousPage = hasCursor, hasMore
		}
	}

	if err = p.buildCursors(ctx, q, params.Getters); err != nil {
		return nil, recordSpanError(span, err)
	}

	span.SetStatus(codes.Ok, "")

	return p, nil
}

func (p *Paginator[T]) buildCursors(ctx context.Context, q OrderedQuery, getters Getters[T]) error {
	var err error

	if p.hasNextPage {
		if p.nextCursor, err = p.cursorFor(ctx, q, p.records[len(p.records)-1], getters, CursorDirectionNext); err != nil {
			return err
		}
		if p.lastCursor, err = EncodeCursor(nil, CursorDirectionPrev); err != nil {
			return err
		}
	}

	if p.hasPreviousPage {
		if p.previousCursor, err = p.cursorFor(ctx, q, p.records[0], getters, CursorDirectionPrev); err != nil {
			return err
		}
		if p.firstCursor, err = EncodeCursor(nil, CursorDirectionNext); err != nil {
			return err
		}
	}

	return nil
}

func (p *Paginator[T]) cursorFor(
	ctx context.Context,
	q OrderedQuery,
	record T,
	getters Getters[T],
	direction CursorDirection,
) (string, error) {
	attributes, err := cursorAttributesOf(ctx, q, record, getters)
	if err != nil {
		return "", err
	}

	return EncodeCursor(attributes, direction)
}

// Records returns the rows of the page in the order of the query.
func (p *Paginator[T]) Records() []T {
	return p.records
}

func (p *Paginator[T]) PerPage() int {
	return p.perPage
}

// CursorAttributes returns the decoded attributes of the requested cursor.
func (p *Paginator[T]) CursorAttributes() map[string]any {
	return p.cursorAttributes
}

func (p *Paginator[T]) HasNextPage() bool {
	return p.hasNextPage
}

func (p *Paginator[T]) HasPreviousPage() bool {
	return p.hasPreviousPage
}

// CursorForNextPage returns an empty string when there is no next page.
func (p *Paginator[T]) CursorForNextPage() string {
	return p.nextCursor
}

// CursorForPreviousPage returns an empty string when there is no previous page.
func (p *Paginator[T]) CursorForPreviousPage() string {
	return p.previousCursor
}

// CursorForFirstPage is only set when the page is not the first one.
func (p *Paginator[T]) CursorForFirstPage() string {
	return p.firstCursor
}

// CursorForLastPage is only set when the page is not the last one.
func (p *Paginator[T]) CursorForLastPage() string {
	return p.lastCursor
}
