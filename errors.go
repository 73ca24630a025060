package keyset

import "errors"

var (
	// ErrInvalidOrder is returned when a keyset order cannot be built or used.
	ErrInvalidOrder = errors.New("invalid keyset order")
	// ErrInvalidColumn is returned for malformed column order definitions.
	ErrInvalidColumn = errors.New("invalid column order definition")
	// ErrInvalidCursor is returned when cursor values do not fit the order.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrOrderMismatch is returned when a page was issued for a different order.
	ErrOrderMismatch = errors.New("order does not match")
)
