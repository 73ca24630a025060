package keyset

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IteratorOption configures an Iterator.
type IteratorOption func(*Iterator)

// WithUnionOptimization makes every batch of a two column order use the UNION ALL
// rewrite. See UnionOptimization.
func WithUnionOptimization() IteratorOption {
	return func(it *Iterator) {
		it.useUnionOptimization = true
	}
}

// Iterator walks a keyset ordered query in batches.
type Iterator struct {
	query                OrderedQuery
	useUnionOptimization bool
}

// NewIterator returns an iterator over the query. The order must be complete.
func NewIterator(q OrderedQuery, opts ...IteratorOption) (*Iterator, error) {
	if err := q.validate(); err != nil {
		return nil, fmt.Errorf("cannot iterate: %w", err)
	}

	it := &Iterator{query: q}
	for _, opt := range opts {
		opt(it)
	}

	return it, nil
}

// EachBatch calls fn with a query for every batch of at most `of` rows until the
// rows are exhausted. fn may modify the rows of its batch: the position of the
// next batch is read before fn runs.
//
// Usage:
//
//	err := it.EachBatch(ctx, 1000, func(batch *gorm.DB) error {
//		var ids []int64
//		if err := batch.Pluck("id", &ids).Error; err != nil {
//			return err
//		}
//		return db.Model(&Project{}).Where("id IN ?", ids).Update("archived", true).Error
//	})
func (it *Iterator) EachBatch(ctx context.Context, of int, fn func(batch *gorm.DB) error) error {
	if of <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", of)
	}

	ctx, span := _tracer.Start(ctx, "keyset.Iterator.EachBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("keyset.batch_size", of))

	var (
		order       = it.query.Order
		projections = strings.Join(order.Projections(), ", ")
		cursor      map[string]any
		opts        []CursorConditionOption
	)

	if it.useUnionOptimization {
		opts = append(opts, UnionOptimization(of))
	}

	batchNumber := 0
	for {
		batch, err := order.ApplyCursorConditions(it.query.session().WithContext(ctx), cursor, opts...)
		if err != nil {
			return recordSpanError(span, fmt.Errorf("cannot build batch #%d: %w", batchNumber+1, err))
		}
		batch = batch.Limit(of)

		var keys []map[string]any
		if err = batch.Session(&gorm.Session{}).Select(projections).Find(&keys).Error; err != nil {
			return recordSpanError(span, fmt.Errorf("cannot fetch batch #%d: %w", batchNumber+1, err))
		}

		if len(keys) == 0 {
			break
		}
		batchNumber++

		logger().Debug("keyset batch", zap.Int("batch", batchNumber), zap.Int("rows", len(keys)))

		// The cursor is taken before fn can modify the rows.
		next, err := order.CursorAttributesForNode(keys[len(keys)-1])
		if err != nil {
			return recordSpanError(span, fmt.Errorf("cannot read cursor of batch #%d: %w", batchNumber, err))
		}

		if err = fn(batch.Session(&gorm.Session{})); err != nil {
			return recordSpanError(span, fmt.Errorf("batch #%d: %w", batchNumber, err))
		}

		if len(keys) < of {
			break
		}
		cursor = next
	}

	span.SetAttributes(attribute.Int("keyset.batches", batchNumber))

	return nil
}
