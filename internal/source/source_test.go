package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/blob"
)

const raceInfoBody = "race_id\tdate\nR1\t2024-05-01\n"

func TestParseTableFilename(t *testing.T) {
	tests := []struct {
		name       string
		table      string
		compressed bool
		ok         bool
	}{
		{"race_info.csv", "race_info", false, true},
		{"data/horse_results.tsv.zst", "horse_results", true, true},
		{"PEDS.TSV", "PEDS", false, true},
		{"notes.txt", "", false, false},
		{".tsv", "", false, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f, ok := ParseTableFilename(tt.name)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (f.Table != tt.table || f.Compressed != tt.compressed) {
				t.Errorf("got %+v, want table %s compressed %v", f, tt.table, tt.compressed)
			}
		})
	}
}

func TestTableIndexPrefersUncompressed(t *testing.T) {
	idx := NewTableIndex()
	idx.AddFile("in/results.csv.zst")
	idx.AddFile("in/results.tsv")
	idx.AddFile("in/results.csv")
	idx.AddFile("in/readme.md")

	f, err := idx.Lookup("results")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if f.Path != "in/results.tsv" {
		t.Errorf("resolved %s, want in/results.tsv", f.Path)
	}
	if _, err := idx.Lookup("peds"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("missing table err = %v, want ErrTableNotFound", err)
	}
}

func TestLocalSourceReadsCompressedTables(t *testing.T) {
	dir := t.TempDir()
	compressed, err := Compress([]byte(raceInfoBody))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "race_info.csv.zst"), compressed, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "results.tsv"), []byte("race_id\n"), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := NewTableSource(context.Background(), SourceConfig{Mode: "local", LocalPath: dir})
	if err != nil {
		t.Fatalf("NewTableSource: %v", err)
	}
	defer src.Close()

	data, err := src.ReadTable(context.Background(), "race_info")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if string(data) != raceInfoBody {
		t.Errorf("ReadTable = %q, want %q", data, raceInfoBody)
	}

	names, err := src.Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if diff := cmp.Diff([]string{"race_info", "results"}, names); diff != "" {
		t.Errorf("Tables mismatch (-want +got):\n%s", diff)
	}

	if _, err := src.ReadTable(context.Background(), "peds"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("ReadTable(peds) err = %v, want ErrTableNotFound", err)
	}
}

func TestBucketSource(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
	if err := bucket.WriteAll(ctx, "inputs/race_info.tsv", []byte(raceInfoBody), nil); err != nil {
		t.Fatal(err)
	}
	if err := bucket.WriteAll(ctx, "other/peds.tsv", []byte("horse_id\n"), nil); err != nil {
		t.Fatal(err)
	}

	src, err := NewBucketSource(bucket, "mem://inputs", "inputs/")
	if err != nil {
		t.Fatalf("NewBucketSource: %v", err)
	}
	defer src.Close()

	data, err := src.ReadTable(ctx, "race_info")
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if string(data) != raceInfoBody {
		t.Errorf("ReadTable = %q", data)
	}
	if _, err := src.ReadTable(ctx, "peds"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("table outside prefix err = %v, want ErrTableNotFound", err)
	}
}

func TestNewTableSourceInvalidMode(t *testing.T) {
	if _, err := NewTableSource(context.Background(), SourceConfig{Mode: "ftp"}); !errors.Is(err, ErrInvalidSourceMode) {
		t.Fatalf("err = %v, want ErrInvalidSourceMode", err)
	}
}
