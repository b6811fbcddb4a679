package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// BucketSource reads table files from an object store bucket.
type BucketSource struct {
	bucket   *blob.Bucket
	location string
	prefix   string
	decoder  *Decoder
	log      *slog.Logger

	mu    sync.Mutex
	index *TableIndex
}

// OpenBucketSource opens bucketURL and reads tables below prefix.
// Uses Application Default Credentials for GCS.
func OpenBucketSource(ctx context.Context, bucketURL, location, prefix string) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", location, err)
	}
	return NewBucketSource(bucket, location, prefix)
}

// NewBucketSource wraps an already opened bucket.
func NewBucketSource(bucket *blob.Bucket, location, prefix string) (*BucketSource, error) {
	decoder, err := NewDecoder()
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &BucketSource{
		bucket:   bucket,
		location: location,
		prefix:   prefix,
		decoder:  decoder,
		log:      slog.With("component", "source", "mode", "bucket"),
	}, nil
}

// ReadTable reads and decompresses the object indexed for name.
func (s *BucketSource) ReadTable(ctx context.Context, name string) ([]byte, error) {
	idx, err := s.buildIndex(ctx)
	if err != nil {
		return nil, err
	}
	f, err := idx.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w in %s", err, s.location)
	}

	r, err := s.bucket.NewReader(ctx, f.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", f.Path, err)
	}
	defer r.Close()

	s.log.Debug("read table", "table", name, "key", f.Path, "bytes", r.Size())
	return s.decoder.DecodeFromReader(r, f.Compressed)
}

// Tables lists the indexed table names.
func (s *BucketSource) Tables(ctx context.Context) ([]string, error) {
	idx, err := s.buildIndex(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Tables(), nil
}

// Location returns the bucket URI and prefix.
func (s *BucketSource) Location() string { return s.location }

// Close releases resources.
func (s *BucketSource) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// buildIndex lists the prefix once and indexes every table object.
func (s *BucketSource) buildIndex(ctx context.Context) (*TableIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}

	index := NewTableIndex()
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if obj.IsDir {
			continue
		}
		index.AddFile(obj.Key)
	}
	s.log.Info("indexed table objects", "tables", index.Count(), "location", s.location)
	s.index = index
	return index, nil
}
