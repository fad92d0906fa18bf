package docstore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// NoElem marks an access point that does not address a list element.
const NoElem = -1

// AccessPoint addresses a match: a document index and, for matches inside
// an embedded list, the element index.
type AccessPoint struct {
	Doc  int
	Elem int
}

// Targeted reports whether the access point names a list element.
func (ap AccessPoint) Targeted() bool {
	return ap.Elem != NoElem
}

func (ap AccessPoint) String() string {
	if !ap.Targeted() {
		return fmt.Sprintf("(%d, -)", ap.Doc)
	}
	return fmt.Sprintf("(%d, %d)", ap.Doc, ap.Elem)
}

// Option configures a Store.
type Option func(*Store)

// WithSortByDate keeps documents ordered by the first datetime field found
// in the first appended document.
func WithSortByDate() Option {
	return func(s *Store) {
		s.sortByDate = true
	}
}

// Store owns an ordered collection of validated documents of one schema.
// Every exported method holds the store lock for its whole duration.
type Store struct {
	name      string
	schema    *Schema
	validator Validator

	mu         sync.Mutex
	docs       []Document
	ids        map[string]struct{}
	sortByDate bool
	sortKey    *sortKey
}

type sortKey struct {
	outer *Field
	inner *Field
}

// New creates an empty store for documents of schema.
func New(name string, schema *Schema, validator Validator, opts ...Option) *Store {
	s := &Store{
		name:      name,
		schema:    schema,
		validator: validator,
		ids:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the store name used in logs.
func (s *Store) Name() string {
	return s.name
}

// Schema returns the document schema of the store.
func (s *Store) Schema() *Schema {
	return s.schema
}

// Atomically runs fn while holding the store lock. The Tx must not escape fn.
func (s *Store) Atomically(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// Append validates fields and inserts the resulting document.
func (s *Store) Append(fields Fields) (Document, error) {
	var doc Document
	err := s.Atomically(func(tx *Tx) error {
		var err error
		doc, err = tx.Append(fields)
		return err
	})
	return doc, err
}

// Find returns the access points and documents matching every condition.
func (s *Store) Find(conds ...Condition) ([]AccessPoint, []Document, error) {
	var (
		aps  []AccessPoint
		docs []Document
	)
	err := s.Atomically(func(tx *Tx) error {
		var err error
		aps, docs, err = tx.Find(conds...)
		return err
	})
	return aps, docs, err
}

// Update writes value into path at every access point.
func (s *Store) Update(path string, value any, aps []AccessPoint) error {
	return s.Atomically(func(tx *Tx) error {
		return tx.Update(path, value, aps)
	})
}

// DeleteDocuments removes the documents named by aps.
func (s *Store) DeleteDocuments(aps []AccessPoint) int {
	var n int
	_ = s.Atomically(func(tx *Tx) error {
		n = tx.DeleteDocuments(aps)
		return nil
	})
	return n
}

// DeleteInList removes list elements named by aps, or clears the list of
// every addressed document when targeted is false.
func (s *Store) DeleteInList(aps []AccessPoint, listField string, targeted bool) (int, error) {
	var n int
	err := s.Atomically(func(tx *Tx) error {
		var err error
		n, err = tx.DeleteInList(aps, listField, targeted)
		return err
	})
	return n, err
}

// All returns a snapshot of every document in store order.
func (s *Store) All() []Document {
	var docs []Document
	_ = s.Atomically(func(tx *Tx) error {
		docs = tx.All()
		return nil
	})
	return docs
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Tx exposes store operations inside one Atomically call.
type Tx struct {
	s *Store
}

// Schema returns the document schema of the store.
func (tx *Tx) Schema() *Schema {
	return tx.s.schema
}

// Len returns the number of stored documents.
func (tx *Tx) Len() int {
	return len(tx.s.docs)
}

// All returns a snapshot of every document in store order.
func (tx *Tx) All() []Document {
	out := make([]Document, 0, len(tx.s.docs))
	for _, doc := range tx.s.docs {
		out = append(out, doc.Clone())
	}
	return out
}

// Append validates fields, fixes the id and inserts the document at the tail,
// re-sorting when the store sorts by date.
func (tx *Tx) Append(fields Fields) (Document, error) {
	s := tx.s
	doc, err := s.validator.Validate(s.schema.Name, fields)
	if err != nil {
		return nil, err
	}

	id, err := s.assignID(doc)
	if err != nil {
		return nil, err
	}
	if _, dup := s.ids[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	s.docs = append(s.docs, doc)
	s.ids[id] = struct{}{}

	if s.sortByDate {
		if s.sortKey == nil {
			s.sortKey = discoverSortKey(s.schema, s.docs[0])
		}
		if s.sortKey != nil {
			s.sortDocs()
		}
	}
	return doc.Clone(), nil
}

func (s *Store) assignID(doc Document) (string, error) {
	if s.schema.IDField == "" {
		return doc.DocumentID(), nil
	}
	idField, ok := s.schema.Field(s.schema.IDField)
	if !ok {
		return "", fmt.Errorf("docstore: schema %q names missing id field %q", s.schema.Name, s.schema.IDField)
	}

	id, _ := idField.Get(doc).(string)
	if id != "" {
		if err := ValidateID(id); err != nil {
			return "", err
		}
		return id, nil
	}
	if s.schema.DeriveID == nil {
		return "", fmt.Errorf("%w: schema %q cannot derive ids", ErrInvalidID, s.schema.Name)
	}
	id, err := s.schema.DeriveID(doc)
	if err != nil {
		return "", err
	}
	idField.Set(doc, id)
	return id, nil
}

func discoverSortKey(schema *Schema, first Document) *sortKey {
	for i := range schema.Fields {
		f := &schema.Fields[i]
		switch f.Type {
		case TypeTime:
			if readScalar(f, first) != nil {
				return &sortKey{outer: f}
			}
		case TypeRecord:
			rec := f.Get(first)
			for j := range f.Sub.Fields {
				inner := &f.Sub.Fields[j]
				if inner.Type == TypeTime && readScalar(inner, rec) != nil {
					return &sortKey{outer: f, inner: inner}
				}
			}
		}
	}
	return nil
}

func (s *Store) sortValue(doc Document) (time.Time, bool) {
	var v any
	if s.sortKey.inner == nil {
		v = readScalar(s.sortKey.outer, doc)
	} else {
		v = readScalar(s.sortKey.inner, s.sortKey.outer.Get(doc))
	}
	t, ok := v.(time.Time)
	return t, ok
}

// sortDocs orders documents by the frozen sort key; nulls sort first and
// equal keys keep their relative order.
func (s *Store) sortDocs() {
	sort.SliceStable(s.docs, func(i, j int) bool {
		ti, okI := s.sortValue(s.docs[i])
		tj, okJ := s.sortValue(s.docs[j])
		switch {
		case !okI && !okJ:
			return false
		case !okI:
			return true
		case !okJ:
			return false
		default:
			return ti.Before(tj)
		}
	})
}

type resolvedCondition struct {
	path  Path
	op    Operator
	value any
}

func (tx *Tx) resolveConditions(conds []Condition) ([]resolvedCondition, *Field, error) {
	var list *Field
	out := make([]resolvedCondition, 0, len(conds))
	for _, c := range conds {
		path, err := tx.s.schema.Resolve(c.Path)
		if err != nil {
			return nil, nil, err
		}
		value, ok := normalize(path.Leaf, c.Value)
		if !ok {
			return nil, nil, &TypeMismatchError{Path: c.Path, Expected: path.Leaf.expected(), Actual: c.Value}
		}
		if path.Shape == ShapeListMember {
			if list != nil && list != path.Parent {
				return nil, nil, fmt.Errorf("%w: %q and %q", ErrMultipleLists, list.Name, path.Parent.Name)
			}
			list = path.Parent
		}
		out = append(out, resolvedCondition{path: path, op: c.Op, value: value})
	}
	return out, list, nil
}

// Find returns access points and document snapshots matching every condition.
// Conditions on members of an embedded list must all hold for the same
// element; each such element yields its own access point. Without conditions
// every document matches.
func (tx *Tx) Find(conds ...Condition) ([]AccessPoint, []Document, error) {
	resolved, list, err := tx.resolveConditions(conds)
	if err != nil {
		return nil, nil, err
	}

	var (
		aps  []AccessPoint
		docs []Document
		seen = make(map[string]struct{})
	)
	for i, doc := range tx.s.docs {
		elems, ok := matchDocument(doc, resolved, list)
		if !ok {
			continue
		}
		if list == nil {
			aps = append(aps, AccessPoint{Doc: i, Elem: NoElem})
		} else {
			for _, j := range elems {
				aps = append(aps, AccessPoint{Doc: i, Elem: j})
			}
		}
		id := doc.DocumentID()
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			docs = append(docs, doc.Clone())
		}
	}
	return dedupeAccessPoints(aps), docs, nil
}

func matchDocument(doc Document, conds []resolvedCondition, list *Field) ([]int, bool) {
	for _, c := range conds {
		switch c.path.Shape {
		case ShapeTop:
			have := readScalar(c.path.Leaf, doc)
			if !compare(c.path.Leaf, c.op, have, c.value) {
				return nil, false
			}
		case ShapeRecordMember:
			rec := c.path.Parent.Get(doc)
			if !compare(c.path.Leaf, c.op, readScalar(c.path.Leaf, rec), c.value) {
				return nil, false
			}
		}
	}
	if list == nil {
		return nil, true
	}

	var elems []int
	for j := 0; j < list.Len(doc); j++ {
		elem := list.Elem(doc, j)
		matched := true
		for _, c := range conds {
			if c.path.Shape != ShapeListMember {
				continue
			}
			if !compare(c.path.Leaf, c.op, readScalar(c.path.Leaf, elem), c.value) {
				matched = false
				break
			}
		}
		if matched {
			elems = append(elems, j)
		}
	}
	return elems, len(elems) > 0
}

func dedupeAccessPoints(aps []AccessPoint) []AccessPoint {
	if len(aps) < 2 {
		return aps
	}
	seen := make(map[AccessPoint]struct{}, len(aps))
	out := aps[:0]
	for _, ap := range aps {
		if _, dup := seen[ap]; dup {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	return out
}

// ResolveUpdate checks that path names a modifiable field.
func (tx *Tx) ResolveUpdate(path string) (Path, error) {
	p, err := tx.s.schema.Resolve(path)
	if err != nil {
		return Path{}, err
	}
	if p.Leaf.Name == tx.s.schema.IDField && p.Shape == ShapeTop {
		return Path{}, &FieldResolutionError{Path: path, Reason: "document id is immutable"}
	}
	if !p.Modifiable() {
		return Path{}, &FieldResolutionError{Path: path, Reason: "field is not modifiable"}
	}
	return p, nil
}

// Update writes value into the field named by path at every access point.
// Access points without an element index update every element when path
// names a list member.
func (tx *Tx) Update(path string, value any, aps []AccessPoint) error {
	p, err := tx.ResolveUpdate(path)
	if err != nil {
		return err
	}
	v, ok := normalize(p.Leaf, value)
	if !ok {
		return &TypeMismatchError{Path: path, Expected: p.Leaf.expected(), Actual: value}
	}

	for _, ap := range aps {
		if ap.Doc < 0 || ap.Doc >= len(tx.s.docs) {
			return fmt.Errorf("%w: %s", ErrStaleAccessPoint, ap)
		}
	}

	for _, ap := range aps {
		doc := tx.s.docs[ap.Doc]
		switch p.Shape {
		case ShapeTop:
			p.Leaf.Set(doc, v)
		case ShapeRecordMember:
			p.Leaf.Set(p.Parent.Get(doc), v)
		case ShapeListMember:
			n := p.Parent.Len(doc)
			if ap.Targeted() {
				if ap.Elem >= n {
					return fmt.Errorf("%w: %s", ErrStaleAccessPoint, ap)
				}
				p.Leaf.Set(p.Parent.Elem(doc, ap.Elem), v)
				continue
			}
			for j := 0; j < n; j++ {
				p.Leaf.Set(p.Parent.Elem(doc, j), v)
			}
		}
	}
	return nil
}

// DeleteDocuments removes every document addressed by aps, highest index
// first, and returns the number removed.
func (tx *Tx) DeleteDocuments(aps []AccessPoint) int {
	indices := uniqueDocs(aps)
	removed := 0
	for _, i := range indices {
		if i < 0 || i >= len(tx.s.docs) {
			continue
		}
		delete(tx.s.ids, tx.s.docs[i].DocumentID())
		tx.s.docs = append(tx.s.docs[:i], tx.s.docs[i+1:]...)
		removed++
	}
	return removed
}

// DeleteAll empties the store. The frozen sort key is kept.
func (tx *Tx) DeleteAll() int {
	n := len(tx.s.docs)
	tx.s.docs = nil
	tx.s.ids = make(map[string]struct{})
	return n
}

// DeleteInList removes list elements addressed by aps when targeted is set,
// otherwise clears the list of every addressed document. It returns the
// number of elements removed.
func (tx *Tx) DeleteInList(aps []AccessPoint, listField string, targeted bool) (int, error) {
	p, err := tx.s.schema.Resolve(listField)
	if err != nil {
		return 0, err
	}
	if p.Shape != ShapeTop || p.Leaf.Type != TypeList {
		return 0, &FieldResolutionError{Path: listField, Reason: "not an embedded list"}
	}
	if !p.Leaf.Modifiable {
		return 0, &FieldResolutionError{Path: listField, Reason: "field is not modifiable"}
	}
	list := p.Leaf

	removed := 0
	if !targeted {
		for _, i := range uniqueDocs(aps) {
			if i < 0 || i >= len(tx.s.docs) {
				continue
			}
			removed += list.Len(tx.s.docs[i])
			list.Clear(tx.s.docs[i])
		}
		return removed, nil
	}

	elems := make([]AccessPoint, 0, len(aps))
	for _, ap := range dedupeAccessPoints(append([]AccessPoint(nil), aps...)) {
		if ap.Targeted() {
			elems = append(elems, ap)
		}
	}
	sort.Slice(elems, func(a, b int) bool {
		if elems[a].Doc != elems[b].Doc {
			return elems[a].Doc > elems[b].Doc
		}
		return elems[a].Elem > elems[b].Elem
	})
	for _, ap := range elems {
		if ap.Doc < 0 || ap.Doc >= len(tx.s.docs) {
			continue
		}
		doc := tx.s.docs[ap.Doc]
		if ap.Elem >= list.Len(doc) {
			continue
		}
		list.Remove(doc, ap.Elem)
		removed++
	}
	return removed, nil
}

func uniqueDocs(aps []AccessPoint) []int {
	seen := make(map[int]struct{}, len(aps))
	out := make([]int, 0, len(aps))
	for _, ap := range aps {
		if _, dup := seen[ap.Doc]; dup {
			continue
		}
		seen[ap.Doc] = struct{}{}
		out = append(out, ap.Doc)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
