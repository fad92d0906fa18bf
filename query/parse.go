package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chatrelay/docstore"
)

// ErrOrUnsupported is returned for queries that use OR.
var ErrOrUnsupported = errors.New("query: OR conditions are not supported")

// SyntaxError reports a query rejected before any store access.
type SyntaxError struct {
	Query  string
	Reason string
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query: %s: %q", e.Reason, e.Query)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

const placeholder = "{}"

var (
	allowedChars = regexp.MustCompile(`^[A-Za-z,._\-<>=!(){}\s]+$`)
	words        = regexp.MustCompile(`[A-Za-z_]+`)
	fieldPath    = regexp.MustCompile(`^[A-Za-z_]+(\.[A-Za-z_]+)*$`)
	inClause     = regexp.MustCompile(`^IN\(([A-Za-z_]+)\)$`)

	keywords = map[string]struct{}{
		"GET":    {},
		"UPDATE": {},
		"DELETE": {},
		"WHERE":  {},
		"ALL":    {},
		"IN":     {},
	}
)

// Parse compiles a textual query. Every assignment and condition value is a
// {} placeholder, bound in order from updateValues and whereValues.
//
//	GET ALL
//	GET WHERE <cond>, <cond> ...
//	UPDATE ALL <assign>, <assign> ...
//	UPDATE <assign>, ... WHERE <cond>, ...
//	DELETE ALL
//	DELETE WHERE <cond>, ...
//	DELETE IN(<list field>) WHERE <cond>, ...
//
// "AND" may be used in place of ", " between conditions.
func Parse(text string, updateValues, whereValues []any) (Query, error) {
	fail := func(format string, args ...any) (Query, error) {
		return Query{}, &SyntaxError{Query: text, Reason: fmt.Sprintf(format, args...)}
	}

	if !allowedChars.MatchString(text) {
		return fail("illegal characters")
	}
	if strings.Count(text, ",") != strings.Count(text, ", ") || strings.Contains(text, " ,") {
		return fail(`commas must be followed by one space and not preceded by one`)
	}

	normalized := strings.ReplaceAll(text, " AND ", ", ")
	for _, w := range words.FindAllString(normalized, -1) {
		if w != strings.ToUpper(w) || strings.Trim(w, "_") == "" {
			continue
		}
		if w == "OR" {
			return Query{}, &SyntaxError{Query: text, Reason: "OR is not supported", Err: ErrOrUnsupported}
		}
		if _, ok := keywords[w]; !ok {
			return fail("unknown keyword %q", w)
		}
	}

	tokens := strings.Fields(normalized)
	if len(tokens) < 2 {
		return fail("incomplete query")
	}

	var (
		q          Query
		assignPart []string
		condPart   []string
	)
	switch tokens[0] {
	case "GET":
		q.Verb = VerbGet
		switch tokens[1] {
		case "ALL":
			if len(tokens) != 2 {
				return fail("GET ALL takes no arguments")
			}
			q.all = true
		case "WHERE":
			condPart = tokens[2:]
		default:
			return fail("GET must be followed by ALL or WHERE")
		}

	case "UPDATE":
		q.Verb = VerbUpdate
		if tokens[1] == "ALL" {
			q.all = true
			assignPart = tokens[2:]
			for _, tok := range assignPart {
				if tok == "WHERE" {
					return fail("UPDATE ALL cannot have WHERE")
				}
			}
			break
		}
		where := indexOf(tokens, "WHERE")
		if where < 0 {
			return fail("UPDATE needs ALL or WHERE")
		}
		assignPart = tokens[1:where]
		condPart = tokens[where+1:]

	case "DELETE":
		q.Verb = VerbDelete
		switch {
		case tokens[1] == "ALL":
			if len(tokens) != 2 {
				return fail("DELETE ALL takes no arguments")
			}
			q.all = true
		case tokens[1] == "WHERE":
			condPart = tokens[2:]
		case inClause.MatchString(tokens[1]):
			q.Verb = VerbDeleteIn
			q.InField = inClause.FindStringSubmatch(tokens[1])[1]
			if len(tokens) < 3 || tokens[2] != "WHERE" {
				return fail("DELETE IN(...) must be followed by WHERE")
			}
			condPart = tokens[3:]
		default:
			return fail("DELETE must be followed by ALL, WHERE or IN(field)")
		}

	default:
		return fail("unknown verb %q", tokens[0])
	}

	if q.Verb == VerbUpdate {
		items, err := splitItems(assignPart)
		if err != nil {
			return fail("assignments: %v", err)
		}
		if len(items) != len(updateValues) {
			return fail("%d assignment placeholders but %d update values", len(items), len(updateValues))
		}
		for i, item := range items {
			path, ok := strings.CutSuffix(item, "="+placeholder)
			if !ok || !fieldPath.MatchString(path) {
				return fail("malformed assignment %q", item)
			}
			q.Assignments = append(q.Assignments, Assignment{Path: path, Value: updateValues[i]})
		}
	} else if len(updateValues) > 0 {
		return fail("update values given to a %s query", q.Verb)
	}

	if q.all {
		if len(whereValues) > 0 {
			return fail("where values given to an ALL query")
		}
		return q, nil
	}

	items, err := splitItems(condPart)
	if err != nil {
		return fail("conditions: %v", err)
	}
	if len(items) != len(whereValues) {
		return fail("%d condition placeholders but %d where values", len(items), len(whereValues))
	}
	for i, item := range items {
		cond, ok := parseCondition(item)
		if !ok {
			return fail("malformed condition %q", item)
		}
		cond.Value = whereValues[i]
		q.Conditions = append(q.Conditions, cond)
	}
	return q, nil
}

// splitItems turns "a={}," "b={}" into "a={}" "b={}". Every item but the
// last must end in a comma.
func splitItems(tokens []string) ([]string, error) {
	if len(tokens) == 0 {
		return nil, errors.New("empty list")
	}
	items := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		last := i == len(tokens)-1
		item, comma := strings.CutSuffix(tok, ",")
		switch {
		case last && comma:
			return nil, fmt.Errorf("trailing comma after %q", item)
		case !last && !comma:
			return nil, fmt.Errorf("missing comma after %q", tok)
		case item == "":
			return nil, errors.New("empty item")
		}
		items = append(items, item)
	}
	return items, nil
}

func parseCondition(item string) (docstore.Condition, bool) {
	for _, op := range docstore.Operators {
		idx := strings.Index(item, op.Token())
		if idx < 0 {
			continue
		}
		path, rhs := item[:idx], item[idx+len(op.Token()):]
		if rhs != placeholder || !fieldPath.MatchString(path) {
			return docstore.Condition{}, false
		}
		return docstore.Condition{Path: path, Op: op}, true
	}
	return docstore.Condition{}, false
}

func indexOf(tokens []string, want string) int {
	for i, tok := range tokens {
		if tok == want {
			return i
		}
	}
	return -1
}
