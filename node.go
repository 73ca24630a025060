package keyset

import (
	"context"
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"sync"

	"gorm.io/gorm/schema"
)

// AttributeReader lets a node expose cursor attribute values by itself.
type AttributeReader interface {
	ReadAttribute(name string) (any, bool)
}

// Getters is a map of attribute getters for a node type. Specify the attributes the
// order is built from.
// Example:
//
//	keyset.Getters[models.Project]{
//		"id":   func(p models.Project) any { return p.ID },
//		"name": func(p models.Project) any { return p.Name },
//	}
type Getters[T any] map[string]func(T) any

// Reader binds the getters to a node.
func (g Getters[T]) Reader(node T) AttributeReader {
	return getterReader[T]{getters: g, node: node}
}

type getterReader[T any] struct {
	getters Getters[T]
	node    T
}

func (r getterReader[T]) ReadAttribute(name string) (any, bool) {
	getter, ok := r.getters[name]
	if !ok {
		return nil, false
	}

	return getter(r.node), true
}

var (
	_schemaCache    sync.Map
	_schemaNamer    schema.Namer = schema.NamingStrategy{}
	_driverValuerTy              = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
)

// Value extracts the cursor value of the column from a node. A node is a
// map[string]any (as scanned by gorm), an AttributeReader, or a gorm model struct.
//
// Values of computed columns such as LOWER(name) are only read under the
// attribute name, as projected by Projections. Model structs cannot carry them.
func (c *ColumnOrderDefinition) Value(node any) (any, error) {
	raw, err := c.readAttribute(node)
	if err != nil {
		return nil, err
	}

	value, err := normalizeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("attribute '%s': %w", c.attributeName, err)
	}

	return value, nil
}

// isComputed reports whether the database computes the column value from the row.
func (c *ColumnOrderDefinition) isComputed() bool {
	_, plain := c.columnExpression.(ColumnRef)
	return !plain
}

// lookupNames lists the names an attribute can be found under in a node.
func (c *ColumnOrderDefinition) lookupNames() []string {
	names := []string{c.attributeName}

	if column, ok := c.columnExpression.(ColumnRef); ok && column.Name != c.attributeName {
		names = append(names, column.Name)
	}

	return names
}

func (c *ColumnOrderDefinition) readAttribute(node any) (any, error) {
	names := c.lookupNames()

	switch v := node.(type) {
	case nil:
		return nil, fmt.Errorf("cannot read attribute '%s' of a nil node", c.attributeName)
	case map[string]any:
		for _, name := range names {
			if value, ok := v[name]; ok {
				return value, nil
			}
		}
	case AttributeReader:
		for _, name := range names {
			if value, ok := v.ReadAttribute(name); ok {
				return value, nil
			}
		}
	default:
		if c.isComputed() {
			return nil, fmt.Errorf("attribute '%s' is computed by the database and cannot be read from %T", c.attributeName, node)
		}

		return readStructAttribute(node, names)
	}

	return nil, fmt.Errorf("node has no attribute '%s'", c.attributeName)
}

func readStructAttribute(node any, names []string) (any, error) {
	nodeSchema, err := schema.Parse(node, &_schemaCache, _schemaNamer)
	if err != nil {
		return nil, fmt.Errorf("cannot read attributes of %T: %w", node, err)
	}

	value := reflect.Indirect(reflect.ValueOf(node))
	for _, name := range names {
		field := nodeSchema.LookUpField(name)
		if field == nil {
			continue
		}

		fieldValue, _ := field.ValueOf(context.Background(), value)
		return fieldValue, nil
	}

	return nil, fmt.Errorf("%T has no attribute '%s'", node, names[0])
}

// normalizeValue dereferences pointers, unwraps driver.Valuer values and widens
// numbers so cursor values compare equal after a JSON round trip. Unsigned values
// above math.MaxInt64 stay uint64.
func normalizeValue(v any) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Implements(_driverValuerTy) && rv.Elem().Kind() != reflect.Slice {
			break
		}
		rv = rv.Elem()
	}

	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u > math.MaxInt64 {
			return u, nil
		}

		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), nil
		}

		ret := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			ret = append(ret, elem)
		}

		return ret, nil
	}

	if valuer, ok := rv.Interface().(driver.Valuer); ok {
		value, err := valuer.Value()
		if err != nil {
			return nil, err
		}

		return normalizeValue(value)
	}

	return rv.Interface(), nil
}
