package keyset

import "fmt"

// Operator defines a comparison operator used in keyset conditions.
type Operator string

const (
	OperatorGT Operator = ">"
	OperatorLT Operator = "<"

	// The operators below are private because they only appear while expanding
	// a cursor into filtering conditions.
	operatorEq        Operator = "="
	operatorIsNull    Operator = "IS NULL"
	operatorIsNotNull Operator = "IS NOT NULL"
)

func (o Operator) Valid() bool {
	return o == OperatorGT || o == OperatorLT
}

// ForOrdering returns the direction a strict comparison operator walks in.
func (o Operator) ForOrdering() Direction {
	switch o {
	case OperatorGT:
		return DirectionASC
	case OperatorLT:
		return DirectionDESC
	default:
		panic(fmt.Errorf("cannot map operator '%s' to ordering", o))
	}
}

// unary reports whether the operator takes no right-hand value.
func (o Operator) unary() bool {
	return o == operatorIsNull || o == operatorIsNotNull
}
