package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStore writes feature artifacts to the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	return &LocalStore{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(s.prefix+key))
}

func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

// WriteObject writes data to key using temp file + rename.
func (s *LocalStore) WriteObject(ctx context.Context, key string, data []byte) error {
	path := s.path(key)
	tempPath := path + ".tmp"
	if err := writeFile(tempPath, data); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

// ReadObject reads the object at key.
func (s *LocalStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Exists checks if key exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	abs, err := filepath.Abs(s.path(key))
	if err != nil {
		abs = s.path(key)
	}
	return "file://" + filepath.ToSlash(abs)
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

// WriteTemp writes data to a uniquely named temp file beside key.
func (s *LocalStore) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	tempKey := key + ".tmp." + uuid.New().String()
	if err := writeFile(s.path(tempKey), data); err != nil {
		return "", err
	}
	return tempKey, nil
}

// Finalize renames every temp file to its final key.
func (s *LocalStore) Finalize(ctx context.Context, staged []Staged) error {
	tempKeys := make([]string, len(staged))
	for i, st := range staged {
		tempKeys[i] = st.TempKey
	}

	for i, st := range staged {
		final := s.path(st.FinalKey)
		err := os.MkdirAll(filepath.Dir(final), 0755)
		if err == nil {
			err = os.Rename(s.path(st.TempKey), final)
		}
		if err != nil {
			for j := 0; j < i; j++ {
				os.Remove(s.path(staged[j].FinalKey))
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", st.TempKey, st.FinalKey, err)
		}
	}
	return nil
}

// Abort removes temporary files without publishing.
func (s *LocalStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return lastErr
}

// Head returns metadata about a stored object.
func (s *LocalStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns all keys below prefix, relative to the store prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := filepath.Join(s.baseDir, filepath.FromSlash(s.prefix))
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

var _ AtomicStore = (*LocalStore)(nil)
