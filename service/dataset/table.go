/*
 * @module service/dataset/table
 * @description In-memory tabular data: named, typed, row-aligned columns
 * @architecture Data model layer - immutable after construction, derived tables share column storage
 * @stateFlow columns -> table -> select/drop/take views
 * @rules All columns have the same length; column names are unique
 * @dependencies regression-trainer/service/trainerr
 * @refs csv_loader.go, split.go, service/model, service/preprocessing
 */

package dataset

import (
	"fmt"
	"math"

	"regression-trainer/service/trainerr"
)

// Kind is the inferred type of a column
type Kind int

const (
	Numeric Kind = iota
	Categorical
)

func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Column is a single named column. Numeric columns use Floats (NaN marks a
// missing cell), categorical columns use Texts.
type Column struct {
	Name   string
	Kind   Kind
	Floats []float64
	Texts  []string
}

// NumericColumn builds a numeric column.
func NumericColumn(name string, values []float64) *Column {
	return &Column{Name: name, Kind: Numeric, Floats: values}
}

// CategoricalColumn builds a categorical column.
func CategoricalColumn(name string, values []string) *Column {
	return &Column{Name: name, Kind: Categorical, Texts: values}
}

// Len returns the number of cells.
func (c *Column) Len() int {
	if c.Kind == Numeric {
		return len(c.Floats)
	}
	return len(c.Texts)
}

// HasMissing reports whether a numeric column contains NaN cells.
func (c *Column) HasMissing() bool {
	if c.Kind != Numeric {
		return false
	}
	for _, v := range c.Floats {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func (c *Column) take(rows []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	if c.Kind == Numeric {
		out.Floats = make([]float64, len(rows))
		for i, r := range rows {
			out.Floats[i] = c.Floats[r]
		}
		return out
	}
	out.Texts = make([]string, len(rows))
	for i, r := range rows {
		out.Texts[i] = c.Texts[r]
	}
	return out
}

// Table is a rectangular set of columns
type Table struct {
	columns []*Column
	index   map[string]int
	rows    int
}

// NewTable validates and assembles columns into a table.
func NewTable(columns ...*Column) (*Table, error) {
	t := &Table{
		columns: columns,
		index:   make(map[string]int, len(columns)),
	}
	for i, col := range columns {
		if _, dup := t.index[col.Name]; dup {
			return nil, trainerr.Newf(trainerr.KindShape, "new table", "duplicate column %q", col.Name)
		}
		if i == 0 {
			t.rows = col.Len()
		} else if col.Len() != t.rows {
			return nil, trainerr.Newf(trainerr.KindShape, "new table",
				"column %q has %d rows, expected %d", col.Name, col.Len(), t.rows)
		}
		t.index[col.Name] = i
	}
	return t, nil
}

// Rows returns the number of rows.
func (t *Table) Rows() int { return t.rows }

// NumColumns returns the number of columns.
func (t *Table) NumColumns() int { return len(t.columns) }

// Names returns the column names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.columns))
	for i, col := range t.columns {
		names[i] = col.Name
	}
	return names
}

// Columns returns the columns in order. Callers must not modify them.
func (t *Table) Columns() []*Column {
	return t.columns
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, trainerr.Newf(trainerr.KindLookup, "column", "column %q not found in %v", name, t.Names())
	}
	return t.columns[i], nil
}

// Float64s returns the values of a numeric column.
func (t *Table) Float64s(name string) ([]float64, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	if col.Kind != Numeric {
		return nil, trainerr.Newf(trainerr.KindParse, "column", "column %q is %s, expected numeric", name, col.Kind)
	}
	return col.Floats, nil
}

// Select returns a table with only the named columns, in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	cols := make([]*Column, 0, len(names))
	for _, name := range names {
		col, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	out, err := NewTable(cols...)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		out.rows = t.rows
	}
	return out, nil
}

// Drop returns a table without the named columns.
func (t *Table) Drop(names ...string) (*Table, error) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		if !t.HasColumn(name) {
			return nil, trainerr.Newf(trainerr.KindLookup, "drop", "column %q not found in %v", name, t.Names())
		}
		drop[name] = true
	}
	keep := make([]string, 0, len(t.columns))
	for _, col := range t.columns {
		if !drop[col.Name] {
			keep = append(keep, col.Name)
		}
	}
	return t.Select(keep...)
}

// Take returns a table holding the given rows, in the given order.
func (t *Table) Take(rows []int) (*Table, error) {
	for _, r := range rows {
		if r < 0 || r >= t.rows {
			return nil, trainerr.Newf(trainerr.KindShape, "take", "row %d out of range [0,%d)", r, t.rows)
		}
	}
	cols := make([]*Column, len(t.columns))
	for i, col := range t.columns {
		cols[i] = col.take(rows)
	}
	out, err := NewTable(cols...)
	if err != nil {
		return nil, err
	}
	out.rows = len(rows)
	return out, nil
}
