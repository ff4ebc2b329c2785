// Package dimension holds the small deduplicated tables (polarization,
// data description, state) referenced by index from the main table.
package dimension

// Table is an insert-or-find list of records compared by full value.
// It is not safe for concurrent use: one conversion pass owns each table.
type Table[T any] struct {
	name  string
	rows  []T
	equal func(a, b T) bool
}

// NewTable returns an empty table using equal as the record predicate.
func NewTable[T any](name string, equal func(a, b T) bool) *Table[T] {
	return &Table[T]{name: name, equal: equal}
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.name
}

// InsertOrFind returns the index of the first row equal to c, appending c
// when none is. inserted reports whether the table grew.
func (t *Table[T]) InsertOrFind(c T) (index int, inserted bool) {
	for i, r := range t.rows {
		if t.equal(r, c) {
			return i, false
		}
	}
	t.rows = append(t.rows, c)
	return len(t.rows) - 1, true
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	return len(t.rows)
}

// Row returns the row at index i.
func (t *Table[T]) Row(i int) T {
	return t.rows[i]
}

// Rows returns the rows in insertion order. The slice must not be modified.
func (t *Table[T]) Rows() []T {
	return t.rows
}
