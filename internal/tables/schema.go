package tables

// ColumnSpec declares an expected column of an input table.
type ColumnSpec struct {
	Name     string
	Kind     Kind
	Required bool
}

// Schema declares the columns of an input table. Columns present in the
// file but not declared are kept, with their kind inferred from the data.
type Schema struct {
	Table   string
	Columns []ColumnSpec
}

// Lookup returns the declared spec for a column.
func (s Schema) Lookup(name string) (ColumnSpec, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Required returns a required column of the given kind.
func Required(name string, kind Kind) ColumnSpec {
	return ColumnSpec{Name: name, Kind: kind, Required: true}
}

// Optional returns an optional column of the given kind.
func Optional(name string, kind Kind) ColumnSpec {
	return ColumnSpec{Name: name, Kind: kind}
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression  string // "snappy" | "zstd" | "none"
	RowGroupRows int
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression:  "zstd",
		RowGroupRows: 8192,
	}
}
