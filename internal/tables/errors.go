package tables

import (
	"errors"
	"fmt"
)

var (
	// ErrColumnCollision is returned when a merge would produce two columns
	// with the same name.
	ErrColumnCollision = errors.New("column name collision")

	// ErrDuplicateKey is returned when a table expected to be keyed
	// uniquely has repeated keys.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrSchema matches every SchemaError via errors.Is.
	ErrSchema = errors.New("schema violation")
)

// SchemaError describes a missing column or an unparseable cell.
type SchemaError struct {
	Table  string
	Column string
	Row    int // -1 when not row-specific
	Value  string
	Reason string
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	switch {
	case e.Row >= 0 && e.Value != "":
		return fmt.Sprintf("schema violation in table %s column %s row %d: %s (value: %q)",
			e.Table, e.Column, e.Row, e.Reason, e.Value)
	case e.Row >= 0:
		return fmt.Sprintf("schema violation in table %s column %s row %d: %s",
			e.Table, e.Column, e.Row, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("schema violation in table %s column %s: %s", e.Table, e.Column, e.Reason)
	default:
		return fmt.Sprintf("schema violation in table %s: %s", e.Table, e.Reason)
	}
}

// Is makes errors.Is(err, ErrSchema) true for schema errors.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}
