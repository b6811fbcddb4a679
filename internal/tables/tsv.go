package tables

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var nullTokens = map[string]bool{
	"":     true,
	"NaN":  true,
	"nan":  true,
	"NULL": true,
	"null": true,
	"None": true,
	"<NA>": true,
	"NaT":  true,
}

var dateLayouts = []string{
	DateLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006/01/02",
}

// ReadTSV parses a tab-separated table with a header row. Declared
// columns are parsed with their kind; a missing required column or an
// unparseable cell is a SchemaError.
func ReadTSV(r io.Reader, schema Schema) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &SchemaError{Table: schema.Table, Row: -1, Reason: "empty file, header row missing"}
		}
		return nil, fmt.Errorf("read %s header: %w", schema.Table, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, &SchemaError{Table: schema.Table, Row: -1, Reason: err.Error()}
	}

	seen := make(map[string]bool, len(header))
	for _, h := range header {
		seen[h] = true
	}
	for _, c := range schema.Columns {
		if c.Required && !seen[c.Name] {
			return nil, &SchemaError{Table: schema.Table, Column: c.Name, Row: -1, Reason: "column missing"}
		}
	}

	f := NewFrame(schema.Table, len(records))
	for ci, name := range header {
		if name == "" {
			continue
		}
		var kind Kind
		if spec, ok := schema.Lookup(name); ok {
			kind = spec.Kind
		} else {
			kind = inferKind(records, ci)
		}
		s, err := parseColumn(schema.Table, name, kind, records, ci)
		if err != nil {
			return nil, err
		}
		if err := f.Add(s); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func inferKind(records [][]string, ci int) Kind {
	for _, rec := range records {
		v := strings.TrimSpace(rec[ci])
		if nullTokens[v] {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return KindString
		}
	}
	return KindFloat
}

func parseColumn(table, name string, kind Kind, records [][]string, ci int) (*Series, error) {
	s := NewSeries(name, kind, len(records))
	for r, rec := range records {
		raw := rec[ci]
		v := strings.TrimSpace(raw)
		if kind != KindString && nullTokens[v] {
			continue
		}
		switch kind {
		case KindString:
			if v == "" {
				continue
			}
			s.SetString(r, v)
		case KindFloat:
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &SchemaError{Table: table, Column: name, Row: r + 1, Value: raw, Reason: "unparseable number"}
			}
			s.SetFloat(r, x)
		case KindDate:
			d, err := ParseDate(v)
			if err != nil {
				return nil, &SchemaError{Table: table, Column: name, Row: r + 1, Value: raw, Reason: "unparseable date"}
			}
			s.SetDate(r, d)
		}
	}
	return s, nil
}

// ParseDate parses the date layouts found in exported tables and
// truncates to midnight UTC.
func ParseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

// WriteTSV writes f with a header row. Nulls are written as empty cells.
func WriteTSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write(f.Columns()); err != nil {
		return fmt.Errorf("write %s header: %w", f.name, err)
	}
	rec := make([]string, len(f.cols))
	for r := 0; r < f.rows; r++ {
		for i, c := range f.cols {
			rec[i] = c.Text(r)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write %s row %d: %w", f.name, r, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
