package source

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// TableFile is an input file matched to a table name.
type TableFile struct {
	Path       string // full path or object key
	Table      string // table name derived from the file name
	Compressed bool   // zstd-compressed
}

// extensions in resolution order. Tab-separated files use either suffix.
var extensions = []string{".tsv", ".csv", ".tsv.zst", ".csv.zst"}

// ParseTableFilename extracts the table name from a file name such as
// "race_info.csv" or "horse_results.tsv.zst".
func ParseTableFilename(name string) (TableFile, bool) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	lower := strings.ToLower(base)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) && len(base) > len(ext) {
			return TableFile{
				Path:       name,
				Table:      base[:len(base)-len(ext)],
				Compressed: strings.HasSuffix(ext, ".zst"),
			}, true
		}
	}
	return TableFile{}, false
}

func rank(f TableFile) int {
	lower := strings.ToLower(f.Path)
	for i, ext := range extensions {
		if strings.HasSuffix(lower, ext) {
			return i
		}
	}
	return len(extensions)
}

// TableIndex maps table names to input files.
type TableIndex struct {
	byTable map[string]TableFile
}

// NewTableIndex creates an empty table index.
func NewTableIndex() *TableIndex {
	return &TableIndex{byTable: make(map[string]TableFile)}
}

// AddFile indexes path if it looks like a table file. When a table has
// several files, the uncompressed .tsv wins, then .csv, then compressed
// variants.
func (idx *TableIndex) AddFile(p string) bool {
	f, ok := ParseTableFilename(p)
	if !ok {
		return false
	}
	if prev, ok := idx.byTable[f.Table]; ok && rank(prev) <= rank(f) {
		return true
	}
	idx.byTable[f.Table] = f
	return true
}

// Lookup returns the file for a table.
func (idx *TableIndex) Lookup(table string) (TableFile, error) {
	f, ok := idx.byTable[table]
	if !ok {
		return TableFile{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return f, nil
}

// Tables returns the indexed table names, sorted.
func (idx *TableIndex) Tables() []string {
	names := make([]string, 0, len(idx.byTable))
	for n := range idx.byTable {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of indexed tables.
func (idx *TableIndex) Count() int {
	return len(idx.byTable)
}
