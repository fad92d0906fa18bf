package query

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"chatrelay/docstore"
)

// Result is the outcome of one executed query.
type Result struct {
	// Documents holds the matched documents of a GET.
	Documents []docstore.Document
	// Affected counts updated access points, deleted documents or removed
	// list elements, depending on the verb.
	Affected int
}

// Engine executes queries against one store.
type Engine struct {
	store *docstore.Store
	log   *zap.SugaredLogger
}

// NewEngine returns an engine bound to store. A nil logger discards output.
func NewEngine(store *docstore.Store, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{store: store, log: log.With("store", store.Name())}
}

// Store returns the store the engine operates on.
func (e *Engine) Store() *docstore.Store {
	return e.store
}

// Run parses text and executes it.
func (e *Engine) Run(text string, updateValues, whereValues []any) (Result, error) {
	q, err := Parse(text, updateValues, whereValues)
	if err != nil {
		return Result{}, err
	}
	return e.Exec(q)
}

// Exec executes q under a single store lock acquisition.
func (e *Engine) Exec(q Query) (Result, error) {
	var res Result
	err := e.store.Atomically(func(tx *docstore.Tx) error {
		var err error
		res, err = ExecTx(tx, q)
		return err
	})
	if err != nil {
		e.log.Debugw("query failed", "query", q.String(), "error", err)
		return res, err
	}
	e.log.Debugw("query executed", "query", q.String(), "affected", res.Affected)
	return res, nil
}

// ExecTx executes q inside an already open transaction so callers can
// combine it with other store operations atomically.
func ExecTx(tx *docstore.Tx, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}

	switch q.Verb {
	case VerbGet:
		_, docs, err := tx.Find(q.Conditions...)
		if err != nil {
			return Result{}, err
		}
		return Result{Documents: docs, Affected: len(docs)}, nil

	case VerbUpdate:
		return execUpdate(tx, q)

	case VerbDelete:
		if q.all {
			return Result{Affected: tx.DeleteAll()}, nil
		}
		aps, _, err := tx.Find(q.Conditions...)
		if err != nil {
			return Result{}, err
		}
		return Result{Affected: tx.DeleteDocuments(aps)}, nil

	case VerbDeleteIn:
		return execDeleteIn(tx, q)
	}
	return Result{}, fmt.Errorf("query: unhandled verb %s", q.Verb)
}

// execUpdate resolves every target path before writing anything, then applies
// each assignment to one shared access point set. A value that does not fit
// its field skips only that assignment.
func execUpdate(tx *docstore.Tx, q Query) (Result, error) {
	for _, a := range q.Assignments {
		if _, err := tx.ResolveUpdate(a.Path); err != nil {
			return Result{}, err
		}
	}

	aps, _, err := tx.Find(q.Conditions...)
	if err != nil {
		return Result{}, err
	}
	if len(aps) == 0 {
		return Result{}, nil
	}

	var mismatches []error
	for _, a := range q.Assignments {
		err := tx.Update(a.Path, a.Value, aps)
		var terr *docstore.TypeMismatchError
		switch {
		case err == nil:
		case errors.As(err, &terr):
			mismatches = append(mismatches, err)
		default:
			return Result{}, err
		}
	}
	return Result{Affected: len(aps)}, errors.Join(mismatches...)
}

// execDeleteIn removes the matched list elements when a condition names a
// member of the list, and clears the whole list of every matched document
// otherwise.
func execDeleteIn(tx *docstore.Tx, q Query) (Result, error) {
	targeted := false
	for _, c := range q.Conditions {
		parent, _, nested := strings.Cut(c.Path, ".")
		if !nested {
			continue
		}
		f, ok := tx.Schema().Field(parent)
		if !ok || f.Type != docstore.TypeList {
			continue
		}
		if parent != q.InField {
			return Result{}, &docstore.FieldResolutionError{
				Path:   c.Path,
				Reason: fmt.Sprintf("condition names list %q but IN names %q", parent, q.InField),
			}
		}
		targeted = true
	}

	aps, _, err := tx.Find(q.Conditions...)
	if err != nil {
		return Result{}, err
	}
	n, err := tx.DeleteInList(aps, q.InField, targeted)
	if err != nil {
		return Result{}, err
	}
	return Result{Affected: n}, nil
}
