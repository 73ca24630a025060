package keyset

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// SchemaInspector exposes the schema metadata SimpleOrderBuilder needs.
type SchemaInspector interface {
	// PrimaryKeyColumns returns the primary key columns of the table in key order.
	PrimaryKeyColumns(ctx context.Context, table string) ([]string, error)
	// HasNotNullConstraint reports whether the column is guaranteed to hold no NULLs.
	HasNotNullConstraint(ctx context.Context, table, column string) (bool, error)
}

// ModelSchemaInspector answers from gorm model definitions.
type ModelSchemaInspector struct {
	schemas map[string]*schema.Schema
}

// NewModelSchemaInspector parses the models with the default naming strategy.
func NewModelSchemaInspector(models ...any) (*ModelSchemaInspector, error) {
	return NewModelSchemaInspectorWithNamer(_schemaNamer, models...)
}

// NewModelSchemaInspectorWithNamer parses the models with a custom naming strategy,
// usually db.NamingStrategy.
func NewModelSchemaInspectorWithNamer(namer schema.Namer, models ...any) (*ModelSchemaInspector, error) {
	ret := &ModelSchemaInspector{schemas: make(map[string]*schema.Schema, len(models))}

	for _, model := range models {
		modelSchema, err := schema.Parse(model, &_schemaCache, namer)
		if err != nil {
			return nil, fmt.Errorf("cannot parse model %T: %w", model, err)
		}
		ret.schemas[modelSchema.Table] = modelSchema
	}

	return ret, nil
}

func (i *ModelSchemaInspector) lookup(table string) (*schema.Schema, error) {
	modelSchema, ok := i.schemas[table]
	if !ok {
		return nil, fmt.Errorf("no model registered for table '%s'", table)
	}

	return modelSchema, nil
}

// PrimaryKeyColumns implements SchemaInspector.
func (i *ModelSchemaInspector) PrimaryKeyColumns(_ context.Context, table string) ([]string, error) {
	modelSchema, err := i.lookup(table)
	if err != nil {
		return nil, err
	}

	return lo.Map(modelSchema.PrimaryFields, func(f *schema.Field, _ int) string {
		return f.DBName
	}), nil
}

// HasNotNullConstraint implements SchemaInspector.
func (i *ModelSchemaInspector) HasNotNullConstraint(_ context.Context, table, column string) (bool, error) {
	modelSchema, err := i.lookup(table)
	if err != nil {
		return false, err
	}

	field := modelSchema.LookUpField(column)
	if field == nil {
		return false, fmt.Errorf("table '%s' has no column '%s'", table, column)
	}

	return field.NotNull || field.PrimaryKey, nil
}

// MigratorSchemaInspector reads the live database schema.
type MigratorSchemaInspector struct {
	db *gorm.DB
}

func NewMigratorSchemaInspector(db *gorm.DB) *MigratorSchemaInspector {
	return &MigratorSchemaInspector{db: db}
}

func (i *MigratorSchemaInspector) columnTypes(ctx context.Context, table string) ([]gorm.ColumnType, error) {
	columnTypes, err := i.db.WithContext(ctx).Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("cannot inspect table '%s': %w", table, err)
	}

	return columnTypes, nil
}

// PrimaryKeyColumns implements SchemaInspector.
func (i *MigratorSchemaInspector) PrimaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	columnTypes, err := i.columnTypes(ctx, table)
	if err != nil {
		return nil, err
	}

	return lo.FilterMap(columnTypes, func(ct gorm.ColumnType, _ int) (string, bool) {
		isPrimaryKey, ok := ct.PrimaryKey()
		return ct.Name(), ok && isPrimaryKey
	}), nil
}

// HasNotNullConstraint implements SchemaInspector. A column whose nullability the
// driver does not report counts as nullable.
func (i *MigratorSchemaInspector) HasNotNullConstraint(ctx context.Context, table, column string) (bool, error) {
	columnTypes, err := i.columnTypes(ctx, table)
	if err != nil {
		return false, err
	}

	ct, found := lo.Find(columnTypes, func(ct gorm.ColumnType) bool {
		return ct.Name() == column
	})
	if !found {
		return false, fmt.Errorf("table '%s' has no column '%s'", table, column)
	}

	nullable, ok := ct.Nullable()

	return ok && !nullable, nil
}

// CachedSchemaInspector memoizes another inspector.
type CachedSchemaInspector struct {
	inner SchemaInspector
	cache *cache.Cache
}

// NewCachedSchemaInspector caches answers of inner for ttl.
func NewCachedSchemaInspector(inner SchemaInspector, ttl time.Duration) *CachedSchemaInspector {
	return &CachedSchemaInspector{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

// PrimaryKeyColumns implements SchemaInspector.
func (i *CachedSchemaInspector) PrimaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	key := "pk:" + table
	if cached, ok := i.cache.Get(key); ok {
		return cached.([]string), nil
	}

	columns, err := i.inner.PrimaryKeyColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	i.cache.SetDefault(key, columns)

	return columns, nil
}

// HasNotNullConstraint implements SchemaInspector.
func (i *CachedSchemaInspector) HasNotNullConstraint(ctx context.Context, table, column string) (bool, error) {
	key := "nn:" + table + "." + column
	if cached, ok := i.cache.Get(key); ok {
		return cached.(bool), nil
	}

	notNull, err := i.inner.HasNotNullConstraint(ctx, table, column)
	if err != nil {
		return false, err
	}
	i.cache.SetDefault(key, notNull)

	return notNull, nil
}

var (
	_ SchemaInspector = (*ModelSchemaInspector)(nil)
	_ SchemaInspector = (*MigratorSchemaInspector)(nil)
	_ SchemaInspector = (*CachedSchemaInspector)(nil)
)
