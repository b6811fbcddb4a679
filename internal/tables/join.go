package tables

import (
	"fmt"
	"strings"
)

const keySep = "\x1f"

// Lookup maps composite key values to a unique row of a frame.
type Lookup struct {
	frame *Frame
	cols  []*Series
	rows  map[string]int
}

// NewLookup indexes f by the given key columns. Rows with a null key
// cell are not indexed. Repeated keys return ErrDuplicateKey.
func NewLookup(f *Frame, keys ...string) (*Lookup, error) {
	cols := make([]*Series, len(keys))
	for i, k := range keys {
		s, ok := f.Col(k)
		if !ok {
			return nil, &SchemaError{Table: f.name, Column: k, Row: -1, Reason: "key column missing"}
		}
		cols[i] = s
	}

	l := &Lookup{frame: f, cols: cols, rows: make(map[string]int, f.rows)}
	for r := 0; r < f.rows; r++ {
		key, ok := RowKey(cols, r)
		if !ok {
			continue
		}
		if prev, dup := l.rows[key]; dup {
			return nil, fmt.Errorf("%w in %s on (%s): rows %d and %d",
				ErrDuplicateKey, f.name, strings.Join(keys, ", "), prev, r)
		}
		l.rows[key] = r
	}
	return l, nil
}

// Row returns the row whose key equals the given text values.
func (l *Lookup) Row(values ...string) (int, bool) {
	r, ok := l.rows[strings.Join(values, keySep)]
	return r, ok
}

// Len returns the number of indexed keys.
func (l *Lookup) Len() int { return len(l.rows) }

// RowKey renders the composite key of row r. It reports false when any
// key cell is null.
func RowKey(cols []*Series, r int) (string, bool) {
	if len(cols) == 1 {
		if cols[0].IsNull(r) {
			return "", false
		}
		return cols[0].Text(r), true
	}
	var b strings.Builder
	for i, c := range cols {
		if c.IsNull(r) {
			return "", false
		}
		if i > 0 {
			b.WriteString(keySep)
		}
		b.WriteString(c.Text(r))
	}
	return b.String(), true
}

// LeftJoin keeps every row of left in order and appends the non-key
// columns of right. Right must be unique on the key; unmatched rows get
// nulls. A non-key column present on both sides is an error.
func LeftJoin(left, right *Frame, on ...string) (*Frame, error) {
	leftKeys := make([]*Series, len(on))
	for i, k := range on {
		ls, ok := left.Col(k)
		if !ok {
			return nil, &SchemaError{Table: left.name, Column: k, Row: -1, Reason: "join key missing"}
		}
		rs, ok := right.Col(k)
		if !ok {
			return nil, &SchemaError{Table: right.name, Column: k, Row: -1, Reason: "join key missing"}
		}
		if ls.Kind != rs.Kind {
			return nil, fmt.Errorf("join %s with %s: key %s is %s on the left and %s on the right",
				left.name, right.name, k, ls.Kind, rs.Kind)
		}
		leftKeys[i] = ls
	}

	lookup, err := NewLookup(right, on...)
	if err != nil {
		return nil, fmt.Errorf("join %s with %s: %w", left.name, right.name, err)
	}

	isKey := make(map[string]bool, len(on))
	for _, k := range on {
		isKey[k] = true
	}
	for _, c := range right.cols {
		if !isKey[c.Name] && left.Has(c.Name) {
			return nil, fmt.Errorf("%w: joining %s into %s duplicates column %s",
				ErrColumnCollision, right.name, left.name, c.Name)
		}
	}

	match := make([]int, left.rows)
	for r := 0; r < left.rows; r++ {
		match[r] = -1
		key, ok := RowKey(leftKeys, r)
		if !ok {
			continue
		}
		if m, ok := lookup.rows[key]; ok {
			match[r] = m
		}
	}

	out := NewFrame(left.name, left.rows)
	for _, c := range left.cols {
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	for _, c := range right.cols {
		if isKey[c.Name] {
			continue
		}
		s := NewSeries(c.Name, c.Kind, left.rows)
		for r, m := range match {
			if m >= 0 {
				s.CopyCell(r, c, m)
			}
		}
		if err := out.Add(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GroupRows returns, for each distinct value of col in first-seen order,
// the row indices holding it. Null cells are skipped.
func GroupRows(f *Frame, col string) ([]string, map[string][]int, error) {
	s, ok := f.Col(col)
	if !ok {
		return nil, nil, &SchemaError{Table: f.name, Column: col, Row: -1, Reason: "group column missing"}
	}
	var order []string
	groups := make(map[string][]int)
	for r := 0; r < f.rows; r++ {
		if s.IsNull(r) {
			continue
		}
		k := s.Text(r)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	return order, groups, nil
}
