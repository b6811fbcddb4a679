package tables

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

var unixEpoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// EncodeParquet writes f as a parquet file. Every column is optional so
// nulls survive the round trip.
func EncodeParquet(f *Frame, cfg ParquetConfig) ([]byte, error) {
	group := make(parquet.Group, len(f.cols))
	for _, s := range f.cols {
		group[s.Name] = parquet.Optional(parquetNode(s.Kind))
	}
	schema := parquet.NewSchema(f.name, group)

	leaf := make(map[string]int, len(f.cols))
	for i, path := range schema.Columns() {
		leaf[strings.Join(path, ".")] = i
	}

	codec, err := parquetCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	rowGroup := cfg.RowGroupRows
	if rowGroup <= 0 {
		rowGroup = DefaultParquetConfig().RowGroupRows
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema,
		parquet.Compression(codec),
		parquet.MaxRowsPerRowGroup(int64(rowGroup)),
	)

	batch := make([]parquet.Row, 0, rowGroup)
	for r := 0; r < f.rows; r++ {
		row := make(parquet.Row, len(f.cols))
		for _, s := range f.cols {
			idx := leaf[s.Name]
			row[idx] = parquetValue(s, r).Level(0, definitionLevel(s, r), idx)
		}
		batch = append(batch, row)
		if len(batch) == cap(batch) {
			if _, err := w.WriteRows(batch); err != nil {
				return nil, fmt.Errorf("write %s rows: %w", f.name, err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if _, err := w.WriteRows(batch); err != nil {
			return nil, fmt.Errorf("write %s rows: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close %s parquet writer: %w", f.name, err)
	}
	return buf.Bytes(), nil
}

func parquetNode(k Kind) parquet.Node {
	switch k {
	case KindString:
		return parquet.String()
	case KindDate:
		return parquet.Date()
	default:
		return parquet.Leaf(parquet.DoubleType)
	}
}

func parquetValue(s *Series, r int) parquet.Value {
	if !s.Valid[r] {
		return parquet.Value{}
	}
	switch s.Kind {
	case KindString:
		return parquet.ByteArrayValue([]byte(s.Strings[r]))
	case KindDate:
		days := int32(s.Dates[r].Sub(unixEpoch).Hours() / 24)
		return parquet.Int32Value(days)
	default:
		return parquet.DoubleValue(s.Floats[r])
	}
}

func definitionLevel(s *Series, r int) int {
	if s.Valid[r] {
		return 1
	}
	return 0
}

func parquetCodec(name string) (compress.Codec, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", name)
	}
}
