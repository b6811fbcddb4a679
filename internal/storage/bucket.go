package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketStore writes feature artifacts to a gocloud bucket (GCS, S3 or
// any S3-compatible service).
type BucketStore struct {
	bucket  *blob.Bucket
	baseURI string
	prefix  string
}

// OpenBucketStore opens bucketURL. baseURI is the human-facing bucket URI
// used when rendering object URIs.
func OpenBucketStore(ctx context.Context, bucketURL, baseURI, prefix string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", baseURI, err)
	}
	return &BucketStore{
		bucket:  bucket,
		baseURI: strings.TrimSuffix(baseURI, "/"),
		prefix:  prefix,
	}, nil
}

func (s *BucketStore) full(key string) string { return s.prefix + key }

func (s *BucketStore) write(ctx context.Context, fullKey string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, fullKey, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", fullKey, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", fullKey, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", fullKey, err)
	}
	return nil
}

// WriteObject writes data to key.
func (s *BucketStore) WriteObject(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, s.full(key), data)
}

// ReadObject reads the object at key.
func (s *BucketStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.full(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists checks if key exists.
func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.full(key))
}

// URI returns the canonical URI for the given key.
func (s *BucketStore) URI(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURI, s.full(key))
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// WriteTemp writes data to a uniquely named temp key beside key.
func (s *BucketStore) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	tempKey := key + ".tmp." + uuid.New().String()
	if err := s.write(ctx, s.full(tempKey), data); err != nil {
		return "", err
	}
	return tempKey, nil
}

// Finalize copies every temp object to its final key, then deletes the
// temps. Object stores have no rename, so this is copy + delete.
func (s *BucketStore) Finalize(ctx context.Context, staged []Staged) error {
	tempKeys := make([]string, len(staged))
	for i, st := range staged {
		tempKeys[i] = st.TempKey
	}

	for i, st := range staged {
		if err := s.bucket.Copy(ctx, s.full(st.FinalKey), s.full(st.TempKey), nil); err != nil {
			for j := 0; j < i; j++ {
				s.bucket.Delete(ctx, s.full(staged[j].FinalKey))
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", st.TempKey, st.FinalKey, err)
		}
	}

	for _, key := range tempKeys {
		s.bucket.Delete(ctx, s.full(key)) // ignore errors
	}
	return nil
}

// Abort removes temporary files without publishing.
func (s *BucketStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, s.full(key)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			lastErr = err
		}
	}
	return lastErr
}

// Head returns metadata about a stored object.
func (s *BucketStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.full(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// List returns all keys below prefix, relative to the store prefix.
func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.full(prefix)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}
	return keys, nil
}

var _ AtomicStore = (*BucketStore)(nil)
