// Package watchtable implements the bidirectional mapping between kernel
// watch-descriptor identifiers and the absolute directory paths they watch
// (spec.md §4.1). It is owned exclusively by the Event Source's goroutine;
// per spec.md invariant 3 no lock is required because nothing else touches
// it concurrently.
package watchtable

// Table is a two-way mapping: by-id (watch-id → path) and by-path
// (path → watch-id), kept coherent by construction — every mutation updates
// both sides atomically.
type Table struct {
	byID   map[int]string
	byPath map[string]int
}

// New constructs an empty Table.
func New() *Table {
	return &Table{
		byID:   make(map[int]string),
		byPath: make(map[string]int),
	}
}

// Insert records that watch descriptor id watches path. path is expected to
// already be normalized (absolute, trailing separator).
func (t *Table) Insert(id int, path string) {
	t.byID[id] = path
	t.byPath[path] = id
}

// RemoveByPath erases the entry for path, if any, returning its watch-id.
// The second return value is false if path was not present.
func (t *Table) RemoveByPath(path string) (int, bool) {
	id, ok := t.byPath[path]
	if !ok {
		return 0, false
	}
	delete(t.byPath, path)
	delete(t.byID, id)
	return id, true
}

// RemoveByID erases the entry for id, if any, returning its path.
// The second return value is false if id was not present.
func (t *Table) RemoveByID(id int) (string, bool) {
	path, ok := t.byID[id]
	if !ok {
		return "", false
	}
	delete(t.byID, id)
	delete(t.byPath, path)
	return path, true
}

// LookupPath returns the path watched by id, if any.
func (t *Table) LookupPath(id int) (string, bool) {
	path, ok := t.byID[id]
	return path, ok
}

// LookupID returns the watch-id for path, if any.
func (t *Table) LookupID(path string) (int, bool) {
	id, ok := t.byPath[path]
	return id, ok
}

// Size returns the number of watch entries currently tracked.
func (t *Table) Size() int {
	return len(t.byID)
}

// Clear empties both maps. Used by destroy/teardown.
func (t *Table) Clear() {
	t.byID = make(map[int]string)
	t.byPath = make(map[string]int)
}

// Each calls fn once for every (id, path) entry. Used by destroy to detach
// every remaining kernel watch.
func (t *Table) Each(fn func(id int, path string)) {
	for id, path := range t.byID {
		fn(id, path)
	}
}
