package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LocalSource reads table files from a local directory tree.
type LocalSource struct {
	basePath string
	decoder  *Decoder
	log      *slog.Logger

	once     sync.Once
	index    *TableIndex
	indexErr error
}

// NewLocalSource creates a new local filesystem source.
func NewLocalSource(basePath string) (*LocalSource, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid local path %s: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", basePath)
	}

	decoder, err := NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &LocalSource{
		basePath: basePath,
		decoder:  decoder,
		log:      slog.With("component", "source", "mode", "local"),
	}, nil
}

// ReadTable reads and decompresses the file indexed for name.
func (s *LocalSource) ReadTable(ctx context.Context, name string) ([]byte, error) {
	idx, err := s.buildIndex()
	if err != nil {
		return nil, err
	}
	f, err := idx.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w in %s", err, s.basePath)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	s.log.Debug("read table", "table", name, "path", f.Path, "bytes", len(data))
	return s.decoder.Decode(data, f.Compressed)
}

// Tables lists the indexed table names.
func (s *LocalSource) Tables(ctx context.Context) ([]string, error) {
	idx, err := s.buildIndex()
	if err != nil {
		return nil, err
	}
	return idx.Tables(), nil
}

// Location returns the base directory.
func (s *LocalSource) Location() string { return s.basePath }

// Close releases resources.
func (s *LocalSource) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

// buildIndex walks the directory tree once and indexes all table files.
func (s *LocalSource) buildIndex() (*TableIndex, error) {
	s.once.Do(func() {
		index := NewTableIndex()
		err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			index.AddFile(path)
			return nil
		})
		if err != nil {
			s.indexErr = fmt.Errorf("walk directory: %w", err)
			return
		}
		s.log.Info("indexed table files", "tables", index.Count(), "path", s.basePath)
		s.index = index
	})
	return s.index, s.indexErr
}
