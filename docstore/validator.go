package docstore

import (
	"errors"
	"fmt"
)

// Fields is a candidate document keyed by field name. Embedded records may be
// given as nested Fields, embedded lists as []Fields.
type Fields map[string]any

// Document is a validated record owned by a Store.
type Document interface {
	DocumentID() string
	Clone() Document
}

// Validator validates and normalises a candidate document against a named
// schema.
type Validator interface {
	Validate(schemaName string, fields Fields) (Document, error)
}

// SchemaValidator validates candidates against registered descriptor tables.
type SchemaValidator struct {
	schemas map[string]*Schema
}

// NewSchemaValidator registers the given document schemas.
func NewSchemaValidator(schemas ...*Schema) *SchemaValidator {
	v := &SchemaValidator{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		v.schemas[s.Name] = s
	}
	return v
}

// Validate builds a document of the named schema from fields.
func (v *SchemaValidator) Validate(schemaName string, fields Fields) (Document, error) {
	schema, ok := v.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schemaName)
	}

	rec, err := build(schema, fields)
	if err != nil {
		return nil, err
	}
	doc, ok := rec.(Document)
	if !ok {
		return nil, fmt.Errorf("docstore: schema %q does not produce documents (got %T)", schemaName, rec)
	}
	return doc, nil
}

func build(schema *Schema, fields Fields) (any, error) {
	for key, value := range fields {
		if _, ok := schema.Field(key); !ok {
			return nil, &ValidationError{
				Schema:      schema.Name,
				Field:       key,
				ActualValue: value,
				Reason:      "extra field not permitted",
			}
		}
	}

	rec := schema.New()
	for i := range schema.Fields {
		f := &schema.Fields[i]
		raw, present := fields[f.Name]
		if !present {
			switch {
			case f.Default != nil:
				raw = f.Default()
			case f.Nullable || f.Optional:
				continue
			default:
				return nil, &ValidationError{
					Schema:       schema.Name,
					Field:        f.Name,
					ExpectedType: f.expected(),
					Reason:       "field required",
				}
			}
		}
		if err := assign(schema, f, rec, raw); err != nil {
			return nil, err
		}
	}

	if schema.Check != nil {
		if err := schema.Check(rec); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return nil, verr
			}
			return nil, &ValidationError{Schema: schema.Name, Reason: err.Error()}
		}
	}
	return rec, nil
}

func assign(schema *Schema, f *Field, rec any, raw any) error {
	switch f.Type {
	case TypeRecord:
		if sub, ok := raw.(Fields); ok {
			built, err := build(f.Sub, sub)
			if err != nil {
				return nestValidationError(schema, f, err)
			}
			raw = built
		}
	case TypeList:
		if elems, ok := listOfFields(raw); ok {
			f.Clear(rec)
			for _, elem := range elems {
				built, err := build(f.Sub, elem)
				if err != nil {
					return nestValidationError(schema, f, err)
				}
				f.Append(rec, built)
			}
			return nil
		}
	}

	value, ok := normalize(f, raw)
	if !ok {
		return &ValidationError{
			Schema:       schema.Name,
			Field:        f.Name,
			ExpectedType: f.expected(),
			ActualValue:  raw,
		}
	}
	f.Set(rec, value)
	return nil
}

func listOfFields(raw any) ([]Fields, bool) {
	switch v := raw.(type) {
	case []Fields:
		return v, true
	case []any:
		out := make([]Fields, 0, len(v))
		for _, item := range v {
			elem, ok := item.(Fields)
			if !ok {
				return nil, false
			}
			out = append(out, elem)
		}
		return out, true
	default:
		return nil, false
	}
}

func nestValidationError(schema *Schema, f *Field, err error) error {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	nested := *verr
	nested.Schema = schema.Name
	if nested.Field == "" {
		nested.Field = f.Name
	} else {
		nested.Field = f.Name + "." + nested.Field
	}
	return &nested
}
