package keyset

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// OffsetCursor is used when an API requires cursor-based pagination but the query
// order cannot be turned into a keyset order and only LIMIT/OFFSET pagination is
// available.
//
// The token is the base64 encoded offset.
type OffsetCursor struct {
	offset int
}

func NewOffsetCursor(offset int) *OffsetCursor {
	return &OffsetCursor{
		offset: offset,
	}
}

// DecodeOffsetCursor attempts to parse a base64-encoded string into *OffsetCursor.
func DecodeOffsetCursor(token string) (*OffsetCursor, error) {
	if len(token) == 0 {
		return nil, nil
	}

	offsetBytes, err := _encoder.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64 encoded offset cursor: %v", ErrInvalidCursor, err)
	}

	offset, err := strconv.Atoi(string(offsetBytes))
	if err != nil || offset < 0 {
		return nil, fmt.Errorf("%w: invalid offset cursor value '%s'", ErrInvalidCursor, offsetBytes)
	}

	return &OffsetCursor{
		offset: offset,
	}, nil
}

// String implements fmt.Stringer.
func (p *OffsetCursor) String() string {
	if p == nil || p.offset == 0 {
		return ""
	}

	return _encoder.EncodeToString([]byte(strconv.Itoa(p.offset)))
}

func (p *OffsetCursor) IsEmpty() bool {
	return p == nil || p.offset == 0
}

// Apply applies the offset to a gorm query.
func (p *OffsetCursor) Apply(db *gorm.DB) *gorm.DB {
	return db.Offset(p.Offset())
}

func (p *OffsetCursor) Offset() int {
	if p != nil {
		return p.offset
	}

	return 0
}

var _ fmt.Stringer = (*OffsetCursor)(nil)

// OffsetPaginate fetches a page with LIMIT/OFFSET. The query must already be
// ordered. Returns the rows and the cursor of the next page, or nil at the end.
func OffsetPaginate[T any](ctx context.Context, db *gorm.DB, cursor *OffsetCursor, perPage int) ([]T, *OffsetCursor, error) {
	ctx, span := _tracer.Start(ctx, "keyset.OffsetPaginate")
	defer span.End()

	perPage = NormalizePageSize(perPage)
	span.SetAttributes(attribute.Int("keyset.per_page", perPage), attribute.Int("keyset.offset", cursor.Offset()))

	var records []T
	err := cursor.Apply(db.Session(&gorm.Session{}).WithContext(ctx)).Limit(perPage + 1).Find(&records).Error
	if err != nil {
		return nil, nil, recordSpanError(span, fmt.Errorf("cannot fetch page: %w", err))
	}

	if len(records) <= perPage {
		return records, nil, nil
	}
	records = records[:perPage]

	return records, NewOffsetCursor(cursor.Offset() + perPage), nil
}
