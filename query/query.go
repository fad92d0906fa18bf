// Package query compiles typed or textual GET / UPDATE / DELETE requests into
// docstore operations.
package query

import (
	"strings"

	"chatrelay/docstore"
)

// Verb is the action a query performs.
type Verb int

const (
	VerbGet Verb = iota + 1
	VerbUpdate
	VerbDelete
	VerbDeleteIn
)

func (v Verb) String() string {
	switch v {
	case VerbGet:
		return "GET"
	case VerbUpdate:
		return "UPDATE"
	case VerbDelete:
		return "DELETE"
	case VerbDeleteIn:
		return "DELETE IN"
	default:
		return "UNKNOWN"
	}
}

// Assignment sets one field path to a typed value.
type Assignment struct {
	Path  string
	Value any
}

// Query is a compiled request. Build one with Get, Update, Delete or
// DeleteIn, or parse one from text with Parse.
type Query struct {
	Verb        Verb
	Assignments []Assignment
	Conditions  []docstore.Condition
	// InField names the embedded list a DELETE IN query removes from.
	InField string
	all     bool
}

// Get selects documents.
func Get() Query {
	return Query{Verb: VerbGet}
}

// Update writes every assignment to the matched documents.
func Update(assignments ...Assignment) Query {
	return Query{Verb: VerbUpdate, Assignments: append([]Assignment(nil), assignments...)}
}

// Delete removes whole documents.
func Delete() Query {
	return Query{Verb: VerbDelete}
}

// DeleteIn removes elements of the embedded list field.
func DeleteIn(field string) Query {
	return Query{Verb: VerbDeleteIn, InField: field}
}

// Where adds conditions; all of them must hold.
func (q Query) Where(conds ...docstore.Condition) Query {
	q.Conditions = append(append([]docstore.Condition(nil), q.Conditions...), conds...)
	return q
}

// All makes the query apply to every document.
func (q Query) All() Query {
	q.all = true
	return q
}

// Set builds an assignment.
func Set(path string, value any) Assignment {
	return Assignment{Path: path, Value: value}
}

// Eq matches when path equals value.
func Eq(path string, value any) docstore.Condition {
	return docstore.Condition{Path: path, Op: docstore.OpEq, Value: value}
}

// Ne matches when path differs from value.
func Ne(path string, value any) docstore.Condition {
	return docstore.Condition{Path: path, Op: docstore.OpNe, Value: value}
}

// Gt matches when path is greater than value.
func Gt(path string, value any) docstore.Condition {
	return docstore.Condition{Path: path, Op: docstore.OpGt, Value: value}
}

// Ge matches when path is greater than or equal to value.
func Ge(path string, value any) docstore.Condition {
	return docstore.Condition{Path: path, Op: docstore.OpGe, Value: value}
}

// Lt matches when path is less than value.
func Lt(path string, value any) docstore.Condition {
	return docstore.Condition{Path: path, Op: docstore.OpLt, Value: value}
}

// Le matches when path is less than or equal to value.
func Le(path string, value any) docstore.Condition {
	return docstore.Condition{Path: path, Op: docstore.OpLe, Value: value}
}

// Validate checks the structural rules every query must satisfy before it
// touches a store.
func (q Query) Validate() error {
	switch q.Verb {
	case VerbGet, VerbDelete:
	case VerbUpdate:
		if len(q.Assignments) == 0 {
			return q.usage("UPDATE without assignments")
		}
	case VerbDeleteIn:
		if q.InField == "" {
			return q.usage("DELETE IN without a field")
		}
		if q.all {
			return q.usage("DELETE IN cannot apply to ALL")
		}
	default:
		return q.usage("unknown verb")
	}

	if q.all && len(q.Conditions) > 0 {
		return q.usage("ALL combined with WHERE")
	}
	if !q.all && len(q.Conditions) == 0 {
		return q.usage("WHERE without conditions")
	}
	return nil
}

func (q Query) usage(reason string) error {
	text, _, _ := q.Text()
	return &SyntaxError{Query: text, Reason: reason}
}

// Text renders the query in its textual form together with the positional
// values for its placeholders.
func (q Query) Text() (text string, updateValues, whereValues []any) {
	var b strings.Builder
	switch q.Verb {
	case VerbDeleteIn:
		b.WriteString("DELETE IN(" + q.InField + ")")
	default:
		b.WriteString(q.Verb.String())
	}

	if q.all {
		b.WriteString(" ALL")
	}
	if len(q.Assignments) > 0 {
		parts := make([]string, 0, len(q.Assignments))
		for _, a := range q.Assignments {
			parts = append(parts, a.Path+"={}")
			updateValues = append(updateValues, a.Value)
		}
		b.WriteString(" " + strings.Join(parts, ", "))
	}
	if len(q.Conditions) > 0 {
		parts := make([]string, 0, len(q.Conditions))
		for _, c := range q.Conditions {
			parts = append(parts, c.Path+c.Op.Token()+"{}")
			whereValues = append(whereValues, c.Value)
		}
		b.WriteString(" WHERE " + strings.Join(parts, ", "))
	}
	return b.String(), updateValues, whereValues
}

func (q Query) String() string {
	text, _, _ := q.Text()
	return text
}
