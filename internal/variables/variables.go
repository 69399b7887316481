// Package variables provides access to named process variables held by the
// variable service. Commands reference variables by name via {{name}} tokens
// and ${expr} expressions; the resolver package consumes this store.
package variables

import (
	"context"
	"strconv"
)

// Variable types as reported by the variable service.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Variable is one named value. Value is carried as a string on the wire; Type
// says how consumers should interpret it.
type Variable struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// TypedValue converts the raw string value per the declared type. Conversion
// is permissive: a value that does not parse as its declared type is returned
// as the raw string rather than an error.
func (v *Variable) TypedValue() any {
	switch v.Type {
	case TypeNumber:
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
	case TypeBoolean:
		if b, err := strconv.ParseBool(v.Value); err == nil {
			return b
		}
	}
	return v.Value
}

// Store reads and writes process variables.
type Store interface {
	// Get returns the variable with the given name. Unknown names yield an
	// UNRESOLVED_VARIABLE error.
	Get(ctx context.Context, name string) (*Variable, error)

	// Set assigns a new value to the variable with the given id. The value is
	// stringified; the service keeps the declared type.
	Set(ctx context.Context, id string, value any) error
}
