package keyset

import (
	"fmt"
	"math"
	"strings"

	"github.com/iancoleman/strcase"
	levenshtein "github.com/ka-weihe/fast-levenshtein"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Direction defines the sort direction for the requested dataset.
type Direction string

const (
	DirectionASC  Direction = "ASC"
	DirectionDESC Direction = "DESC"
)

func (o Direction) Valid() bool {
	return o == DirectionASC || o == DirectionDESC
}

func (o Direction) ForOperator() Operator {
	switch o {
	case DirectionASC:
		return OperatorGT
	case DirectionDESC:
		return OperatorLT
	default:
		panic(fmt.Errorf("cannot map direction '%s' to operator", o))
	}
}

// Reverse returns the opposite direction.
func (o Direction) Reverse() Direction {
	return lo.Ternary(o == DirectionASC, DirectionDESC, DirectionASC)
}

type (
	// Orderings is a request-level ordering: a list of columns with directions.
	Orderings []OrderBy
	OrderBy   struct {
		Column    string
		Direction Direction
	}

	ColumnAlias = string

	// ColumnMapping maps external column aliases to fully qualified column names.
	// Use it when bare column names could cause an "ambiguous column name" error.
	// Key is an external alias, value is an internal column name.
	ColumnMapping = map[ColumnAlias]string
)

var _availableColumnNameSymbols = append([]rune("_.'`\""), lo.AlphanumericCharset...)

// validColumnName guards against SQL injection by restricting allowed characters
// in column names.
func validColumnName(name string) bool {
	return name != "" && lo.Every(_availableColumnNameSymbols, []rune(name))
}

func (o OrderBy) validate() error {
	if !o.Direction.Valid() {
		return fmt.Errorf("%w: invalid ordering direction '%s'", ErrInvalidOrder, o.Direction)
	}

	if !validColumnName(o.Column) {
		return fmt.Errorf("%w: ordering column name contains forbidden symbols '%s'", ErrInvalidColumn, o.Column)
	}

	return nil
}

// ToSQLSlice converts Orderings to a slice of strings in the form
// "<order_column> <order_direction>".
//
// Example: for Orderings: [{"a", "ASC"}, {"b", "DESC"}] returns ["a ASC", "b DESC"].
func (o Orderings) ToSQLSlice() []string {
	ret := make([]string, 0, len(o))
	for _, ordering := range o {
		ret = append(ret, fmt.Sprintf("%s %s", ordering.Column, ordering.Direction))
	}

	return ret
}

// ToSQL converts Orderings to a single string
// "<order_column_1> <order_direction_1>, <order_column_2> <order_direction_2>".
//
// Usage:
//
//	query := fmt.Sprintf("SELECT * FROM table ORDER BY %s", orderings.ToSQL())
func (o Orderings) ToSQL() string {
	return strings.Join(o.ToSQLSlice(), ", ")
}

// Apply adds the orderings to a gorm query as structured ORDER BY columns, which
// keeps them introspectable for SimpleOrderBuilder.
func (o Orderings) Apply(db *gorm.DB) *gorm.DB {
	for _, ordering := range o {
		db = db.Order(clause.OrderByColumn{
			Column: columnFromName(ordering.Column),
			Desc:   ordering.Direction == DirectionDESC,
		})
	}

	return db
}

// Has reports whether the orderings contain the column.
func (o Orderings) Has(column string) bool {
	return lo.ContainsBy(o, func(item OrderBy) bool {
		return item.Column == column
	})
}

func (o Orderings) validate() error {
	if len(o) == 0 {
		return fmt.Errorf("%w: empty ordering list", ErrInvalidOrder)
	}

	var err error
	for _, ordering := range o {
		err = ordering.validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// ParseSort builds Orderings from a list of strings in the format
// "column asc|desc". Column aliases are snake-cased and resolved via ColumnMapping.
// Returns an error if an alias is not found in the mapping.
func ParseSort(stringsOrderings []string, columnMapping ColumnMapping) (Orderings, error) {
	ret := make([]OrderBy, 0, len(stringsOrderings))

	for _, stringOrdering := range stringsOrderings {
		cutStringOrdering := strings.Fields(stringOrdering)
		if len(cutStringOrdering) != 2 {
			return nil, fmt.Errorf("%w: invalid ordering string format '%s'", ErrInvalidOrder, stringOrdering)
		}

		columnName, err := resolveColumnAlias(cutStringOrdering[0], columnMapping)
		if err != nil {
			return nil, err
		}

		ordering := OrderBy{
			Column:    columnName,
			Direction: Direction(strings.ToUpper(cutStringOrdering[1])),
		}
		if err = ordering.validate(); err != nil {
			return nil, err
		}

		ret = append(ret, ordering)
	}

	return ret, nil
}

func resolveColumnAlias(alias ColumnAlias, columnMapping ColumnMapping) (string, error) {
	alias = strcase.ToSnake(alias)

	columnName := columnMapping[alias]
	if columnName == "" {
		return "", fmt.Errorf(
			"%w: invalid column alias '%s'. closest: '%s'",
			ErrInvalidColumn, alias, closestAlias(alias, lo.Keys(columnMapping)),
		)
	}

	return columnName, nil
}

func closestAlias(input ColumnAlias, dataSet []ColumnAlias) ColumnAlias {
	minDist := math.MaxInt
	closest := ""

	for _, dataSetAlias := range dataSet {
		dist := levenshtein.Distance(dataSetAlias, input)
		if dist < minDist || (dist == minDist && dataSetAlias < closest) {
			minDist = dist
			closest = dataSetAlias
		}
	}

	return closest
}

func columnFromName(name string) clause.Column {
	if table, column, ok := strings.Cut(name, "."); ok {
		return clause.Column{Table: table, Name: column}
	}

	return clause.Column{Name: name}
}
