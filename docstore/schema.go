// Package docstore keeps schema-validated documents in memory and addresses
// them through field paths of depth one or two.
//
// Schemas are explicit descriptor tables: every field carries its declared
// type, its modifiable flag and hand-written accessors for the concrete Go
// record it belongs to. Path resolution never falls back to reflection.
package docstore

import (
	"fmt"
	"strings"
)

// MaxPathDepth is the deepest supported field path ("field.subfield").
const MaxPathDepth = 2

// FieldType is the declared type of one schema field.
type FieldType int

const (
	TypeString FieldType = iota + 1
	TypeInt
	TypeBool
	TypeTime
	TypeEnum
	TypeRecord
	TypeList
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeEnum:
		return "enum"
	case TypeRecord:
		return "record"
	case TypeList:
		return "list"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Compound reports whether values of this type embed other fields.
func (t FieldType) Compound() bool {
	return t == TypeRecord || t == TypeList
}

// Field describes one field of a schema and how to reach it on a record.
//
// Get and Set receive a pointer to the record that owns the field. For
// TypeRecord fields Get returns a pointer to the embedded record so that
// member writes land in place. For TypeList fields Len, Elem, Append, Remove
// and Clear operate on the embedded list; Elem returns a pointer to the
// element.
type Field struct {
	Name       string
	Type       FieldType
	Nullable   bool
	Modifiable bool
	Optional   bool
	Enum       []string
	Sub        *Schema

	Default func() any

	Get func(rec any) any
	Set func(rec any, value any)

	Len    func(rec any) int
	Elem   func(rec any, j int) any
	Append func(rec any, elem any)
	Remove func(rec any, j int)
	Clear  func(rec any)

	// Check normalises a whole compound value; Equal compares a value read
	// through Get with a normalised one. Both are only consulted for
	// compound fields.
	Check func(value any) (any, bool)
	Equal func(have, want any) bool
}

func (f *Field) expected() string {
	name := f.Type.String()
	if f.Type == TypeEnum && len(f.Enum) > 0 {
		name = "enum(" + strings.Join(f.Enum, "|") + ")"
	}
	if f.Type.Compound() && f.Sub != nil {
		name = f.Type.String() + "(" + f.Sub.Name + ")"
	}
	if f.Nullable {
		name += "|null"
	}
	return name
}

// Schema is an ordered field-descriptor table for one record type.
type Schema struct {
	Name   string
	Fields []Field

	// New returns a pointer to a zero record of this schema.
	New func() any
	// Check validates a fully populated record.
	Check func(rec any) error

	// IDField and DeriveID are only set on top-level document schemas.
	IDField  string
	DeriveID func(rec any) (string, error)

	index map[string]int
}

// NewSchema builds a schema from an ordered list of fields.
func NewSchema(name string, newRecord func() any, fields ...Field) *Schema {
	s := &Schema{
		Name:   name,
		Fields: fields,
		New:    newRecord,
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := s.index[f.Name]; dup {
			panic(fmt.Sprintf("docstore: schema %q declares field %q twice", name, f.Name))
		}
		s.index[f.Name] = i
	}
	return s
}

// Field looks up a field descriptor by name.
func (s *Schema) Field(name string) (*Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

// FieldNames lists field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// PathShape enumerates the path shapes the store understands.
type PathShape int

const (
	// ShapeTop is a depth-1 path naming a top-level field.
	ShapeTop PathShape = iota + 1
	// ShapeRecordMember is "record.member" on an embedded record.
	ShapeRecordMember
	// ShapeListMember is "list.member", evaluated per list element.
	ShapeListMember
)

// Path is a resolved field path.
type Path struct {
	Raw    string
	Shape  PathShape
	Parent *Field
	Leaf   *Field
}

// Modifiable reports whether every segment of the path is modifiable.
func (p Path) Modifiable() bool {
	if p.Parent != nil && !p.Parent.Modifiable {
		return false
	}
	return p.Leaf.Modifiable
}

// Resolve turns a dotted path into a typed accessor path.
func (s *Schema) Resolve(raw string) (Path, error) {
	segments := strings.Split(raw, ".")
	if len(segments) > MaxPathDepth {
		return Path{}, fmt.Errorf("%w: %q", ErrPathTooDeep, raw)
	}
	for _, seg := range segments {
		if seg == "" {
			return Path{}, &FieldResolutionError{Path: raw, Reason: "empty path segment"}
		}
	}

	top, ok := s.Field(segments[0])
	if !ok {
		return Path{}, &FieldResolutionError{
			Path:   raw,
			Reason: fmt.Sprintf("no field %q in schema %q (fields: %s)", segments[0], s.Name, strings.Join(s.FieldNames(), ", ")),
		}
	}
	if len(segments) == 1 {
		return Path{Raw: raw, Shape: ShapeTop, Leaf: top}, nil
	}

	if !top.Type.Compound() || top.Sub == nil {
		return Path{}, &FieldResolutionError{
			Path:   raw,
			Reason: fmt.Sprintf("subfield %q given but field %q has no subfields", segments[1], segments[0]),
		}
	}
	leaf, ok := top.Sub.Field(segments[1])
	if !ok {
		return Path{}, &FieldResolutionError{
			Path:   raw,
			Reason: fmt.Sprintf("no field %q in %q (fields: %s)", segments[1], segments[0], strings.Join(top.Sub.FieldNames(), ", ")),
		}
	}

	shape := ShapeRecordMember
	if top.Type == TypeList {
		shape = ShapeListMember
	}
	return Path{Raw: raw, Shape: shape, Parent: top, Leaf: leaf}, nil
}
