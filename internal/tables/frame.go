// Package tables provides a small typed relational table abstraction used
// for loading entity tables, joining derived features and writing output.
package tables

import (
	"fmt"
	"strconv"
	"time"
)

// Kind is the physical type of a column.
type Kind uint8

const (
	KindFloat Kind = iota
	KindString
	KindDate
)

// DateLayout is the canonical text form of dates.
const DateLayout = "2006-01-02"

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Series is a single named column. Valid[i] == false marks a null cell.
type Series struct {
	Name    string
	Kind    Kind
	Floats  []float64
	Strings []string
	Dates   []time.Time
	Valid   []bool
}

// NewSeries returns a series of n null cells.
func NewSeries(name string, kind Kind, n int) *Series {
	s := &Series{Name: name, Kind: kind, Valid: make([]bool, n)}
	switch kind {
	case KindFloat:
		s.Floats = make([]float64, n)
	case KindString:
		s.Strings = make([]string, n)
	case KindDate:
		s.Dates = make([]time.Time, n)
	}
	return s
}

// Len returns the number of cells.
func (s *Series) Len() int { return len(s.Valid) }

// IsNull reports whether cell i is null.
func (s *Series) IsNull(i int) bool { return !s.Valid[i] }

// Float returns cell i of a float series.
func (s *Series) Float(i int) (float64, bool) {
	if s.Kind != KindFloat || !s.Valid[i] {
		return 0, false
	}
	return s.Floats[i], true
}

// Str returns cell i of a string series.
func (s *Series) Str(i int) (string, bool) {
	if s.Kind != KindString || !s.Valid[i] {
		return "", false
	}
	return s.Strings[i], true
}

// Date returns cell i of a date series.
func (s *Series) Date(i int) (time.Time, bool) {
	if s.Kind != KindDate || !s.Valid[i] {
		return time.Time{}, false
	}
	return s.Dates[i], true
}

// SetFloat stores v in cell i. NaN is stored as null.
func (s *Series) SetFloat(i int, v float64) {
	if v != v {
		s.Valid[i] = false
		return
	}
	s.Floats[i] = v
	s.Valid[i] = true
}

// SetString stores v in cell i.
func (s *Series) SetString(i int, v string) {
	s.Strings[i] = v
	s.Valid[i] = true
}

// SetDate stores v in cell i.
func (s *Series) SetDate(i int, v time.Time) {
	s.Dates[i] = v
	s.Valid[i] = true
}

// SetNull clears cell i.
func (s *Series) SetNull(i int) { s.Valid[i] = false }

// CopyCell copies cell j of src into cell i of s. Kinds must match.
func (s *Series) CopyCell(i int, src *Series, j int) {
	if !src.Valid[j] {
		s.Valid[i] = false
		return
	}
	switch s.Kind {
	case KindFloat:
		s.Floats[i] = src.Floats[j]
	case KindString:
		s.Strings[i] = src.Strings[j]
	case KindDate:
		s.Dates[i] = src.Dates[j]
	}
	s.Valid[i] = true
}

// Text renders cell i for delimited output. Nulls render as "".
func (s *Series) Text(i int) string {
	if !s.Valid[i] {
		return ""
	}
	switch s.Kind {
	case KindFloat:
		return strconv.FormatFloat(s.Floats[i], 'f', -1, 64)
	case KindString:
		return s.Strings[i]
	case KindDate:
		return s.Dates[i].Format(DateLayout)
	}
	return ""
}

// Frame is an ordered set of equal-length named series.
type Frame struct {
	name  string
	cols  []*Series
	index map[string]int
	rows  int
}

// NewFrame creates an empty frame with n rows.
func NewFrame(name string, n int) *Frame {
	return &Frame{name: name, index: make(map[string]int), rows: n}
}

// Name returns the table name used in error messages.
func (f *Frame) Name() string { return f.name }

// WithName returns a frame holding the same series under another table
// name.
func (f *Frame) WithName(name string) *Frame {
	out := NewFrame(name, f.rows)
	for _, c := range f.cols {
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out
}

// Len returns the row count.
func (f *Frame) Len() int { return f.rows }

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.cols))
	for i, c := range f.cols {
		out[i] = c.Name
	}
	return out
}

// Series returns the columns in order.
func (f *Frame) Series() []*Series { return f.cols }

// Col looks up a column by name.
func (f *Frame) Col(name string) (*Series, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i], true
}

// Has reports whether the frame has a column.
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Add appends a series. The name must be new and the length must match.
func (f *Frame) Add(s *Series) error {
	if _, ok := f.index[s.Name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrColumnCollision, f.name, s.Name)
	}
	if s.Len() != f.rows {
		return fmt.Errorf("column %s.%s has %d rows, frame has %d", f.name, s.Name, s.Len(), f.rows)
	}
	f.index[s.Name] = len(f.cols)
	f.cols = append(f.cols, s)
	return nil
}

// NewColumn adds and returns a null-filled column.
func (f *Frame) NewColumn(name string, kind Kind) (*Series, error) {
	s := NewSeries(name, kind, f.rows)
	if err := f.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Require returns a SchemaError naming the first missing column.
func (f *Frame) Require(names ...string) error {
	for _, n := range names {
		if !f.Has(n) {
			return &SchemaError{Table: f.name, Column: n, Row: -1, Reason: "column missing"}
		}
	}
	return nil
}

// RequireKind is Require plus a kind check.
func (f *Frame) RequireKind(name string, kind Kind) (*Series, error) {
	s, ok := f.Col(name)
	if !ok {
		return nil, &SchemaError{Table: f.name, Column: name, Row: -1, Reason: "column missing"}
	}
	if s.Kind != kind {
		return nil, &SchemaError{Table: f.name, Column: name, Row: -1,
			Reason: fmt.Sprintf("expected %s column, got %s", kind, s.Kind)}
	}
	return s, nil
}

// Select returns a frame sharing the named series.
func (f *Frame) Select(names ...string) (*Frame, error) {
	out := NewFrame(f.name, f.rows)
	for _, n := range names {
		s, ok := f.Col(n)
		if !ok {
			return nil, &SchemaError{Table: f.name, Column: n, Row: -1, Reason: "column missing"}
		}
		if err := out.Add(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Take returns a new frame with rows picked by index, in the given order.
func (f *Frame) Take(rows []int) *Frame {
	out := NewFrame(f.name, len(rows))
	for _, c := range f.cols {
		s := NewSeries(c.Name, c.Kind, len(rows))
		for i, r := range rows {
			s.CopyCell(i, c, r)
		}
		out.index[s.Name] = len(out.cols)
		out.cols = append(out.cols, s)
	}
	return out
}

// Concat stacks frames with identical column names and kinds.
func Concat(name string, frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return NewFrame(name, 0), nil
	}
	first := frames[0]
	total := 0
	for _, fr := range frames {
		if len(fr.cols) != len(first.cols) {
			return nil, fmt.Errorf("concat %s: column count %d != %d", name, len(fr.cols), len(first.cols))
		}
		for i, c := range fr.cols {
			if c.Name != first.cols[i].Name || c.Kind != first.cols[i].Kind {
				return nil, fmt.Errorf("concat %s: column %d is %s(%s), want %s(%s)",
					name, i, c.Name, c.Kind, first.cols[i].Name, first.cols[i].Kind)
			}
		}
		total += fr.rows
	}

	out := NewFrame(name, total)
	for i, c := range first.cols {
		s := NewSeries(c.Name, c.Kind, total)
		at := 0
		for _, fr := range frames {
			src := fr.cols[i]
			for j := 0; j < fr.rows; j++ {
				s.CopyCell(at, src, j)
				at++
			}
		}
		if err := out.Add(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}
