package docstore

import (
	"cmp"
	"fmt"
	"time"
)

// Operator is a comparison operator usable in conditions.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpGe
	OpLe
	OpGt
	OpLt
)

// Operators lists every operator in the order their tokens must be matched
// (two-character tokens before their one-character prefixes).
var Operators = []Operator{OpEq, OpNe, OpGe, OpLe, OpGt, OpLt}

// Token returns the textual form of the operator.
func (op Operator) Token() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpGe:
		return ">="
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	default:
		return fmt.Sprintf("Operator(%d)", int(op))
	}
}

func (op Operator) String() string {
	return op.Token()
}

func (op Operator) ordering() bool {
	return op != OpEq && op != OpNe
}

// Condition is one typed predicate on a field path.
type Condition struct {
	Path  string
	Op    Operator
	Value any
}

func (c Condition) String() string {
	return fmt.Sprintf("%s%s%v", c.Path, c.Op.Token(), c.Value)
}

// normalize checks value against the field's declared type and returns the
// canonical representation used by accessors and comparisons.
func normalize(f *Field, value any) (any, bool) {
	if value == nil {
		return nil, f.Nullable
	}

	switch f.Type {
	case TypeString:
		s, ok := value.(string)
		return s, ok
	case TypeEnum:
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case fmt.Stringer:
			s = v.String()
		default:
			return nil, false
		}
		if len(f.Enum) == 0 {
			return s, true
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, true
			}
		}
		return nil, false
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, true
		case int8:
			return int(v), true
		case int16:
			return int(v), true
		case int32:
			return int(v), true
		case int64:
			return int(v), true
		case uint8:
			return int(v), true
		case uint16:
			return int(v), true
		case uint32:
			return int(v), true
		default:
			return nil, false
		}
	case TypeBool:
		b, ok := value.(bool)
		return b, ok
	case TypeTime:
		switch v := value.(type) {
		case time.Time:
			return v, true
		case *time.Time:
			if v == nil {
				return nil, f.Nullable
			}
			return *v, true
		default:
			return nil, false
		}
	case TypeRecord, TypeList:
		if f.Check == nil {
			return nil, false
		}
		return f.Check(value)
	default:
		return nil, false
	}
}

// readScalar reads a field through its accessor and folds nullable pointers
// into plain values or nil.
func readScalar(f *Field, rec any) any {
	v := f.Get(rec)
	if t, ok := v.(*time.Time); ok {
		if t == nil {
			return nil
		}
		return *t
	}
	return v
}

// compare evaluates have <op> want. want is already normalised.
func compare(f *Field, op Operator, have, want any) bool {
	if f.Type.Compound() {
		if op.ordering() || f.Equal == nil {
			return false
		}
		eq := f.Equal(have, want)
		if op == OpEq {
			return eq
		}
		return !eq
	}

	if have == nil || want == nil {
		both := have == nil && want == nil
		switch op {
		case OpEq:
			return both
		case OpNe:
			return !both
		default:
			return false
		}
	}

	switch h := have.(type) {
	case string:
		w, ok := want.(string)
		if !ok {
			return false
		}
		return orderResult(op, cmp.Compare(h, w))
	case int:
		w, ok := want.(int)
		if !ok {
			return false
		}
		return orderResult(op, cmp.Compare(h, w))
	case bool:
		w, ok := want.(bool)
		if !ok || op.ordering() {
			return false
		}
		if op == OpEq {
			return h == w
		}
		return h != w
	case time.Time:
		w, ok := want.(time.Time)
		if !ok {
			return false
		}
		return orderResult(op, h.Compare(w))
	case fmt.Stringer:
		w, ok := want.(string)
		if !ok {
			return false
		}
		return orderResult(op, cmp.Compare(h.String(), w))
	default:
		return false
	}
}

func orderResult(op Operator, c int) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpGe:
		return c >= 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpLt:
		return c < 0
	default:
		return false
	}
}
