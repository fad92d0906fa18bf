package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrPathTooDeep indicates a field path with more than two segments.
	ErrPathTooDeep = errors.New("docstore: field paths deeper than two segments are not supported")
	// ErrMultipleLists indicates conditions naming members of more than one embedded list.
	ErrMultipleLists = errors.New("docstore: conditions may name members of one embedded list only")
	// ErrDuplicateID indicates an append whose id already exists in the store.
	ErrDuplicateID = errors.New("docstore: duplicate document id")
	// ErrInvalidID indicates an explicit id that does not have the derived id format.
	ErrInvalidID = errors.New("docstore: invalid document id")
	// ErrStaleAccessPoint indicates an access point that no longer addresses a document or element.
	ErrStaleAccessPoint = errors.New("docstore: access point out of range")
	// ErrUnknownSchema indicates a validation request for a schema the validator does not know.
	ErrUnknownSchema = errors.New("docstore: unknown schema")
)

// ValidationError reports a candidate document rejected by the validator.
type ValidationError struct {
	Schema       string
	Field        string
	ExpectedType string
	ActualValue  any
	Reason       string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("docstore: %s.%s: %s", e.Schema, e.Field, e.Reason)
	}
	return fmt.Sprintf("docstore: %s.%s: expected %s, got %T(%v)", e.Schema, e.Field, e.ExpectedType, e.ActualValue, e.ActualValue)
}

// FieldResolutionError reports a path naming an unknown or non-modifiable field.
type FieldResolutionError struct {
	Path   string
	Reason string
}

func (e *FieldResolutionError) Error() string {
	return fmt.Sprintf("docstore: cannot resolve field %q: %s", e.Path, e.Reason)
}

// TypeMismatchError reports a value incompatible with the declared field type.
type TypeMismatchError struct {
	Path     string
	Expected string
	Actual   any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("docstore: field %q expects %s, got %T(%v)", e.Path, e.Expected, e.Actual, e.Actual)
}
