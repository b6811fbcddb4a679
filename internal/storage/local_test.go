package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRef(start, end string) PartitionRef {
	s, _ := time.Parse(DateLayout, start)
	e, _ := time.Parse(DateLayout, end)
	return PartitionRef{
		Namespace:    "features",
		EraID:        "current",
		VersionLabel: "v1",
		Table:        "race_horse_features",
		Start:        s,
		End:          e,
	}
}

func TestPartitionRefPaths(t *testing.T) {
	ref := testRef("2024-01-01", "2024-01-07")
	want := "features/current/v1/race_horse_features/range=2024-01-01_2024-01-07/part-2024-01-01_2024-01-07.parquet"
	if got := ref.Path(); got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
	if got := ref.ManifestPath(); !strings.HasSuffix(got, "range=2024-01-01_2024-01-07/_manifest.json") {
		t.Errorf("ManifestPath() = %s", got)
	}
	if got := ref.TSVPath(); !strings.HasSuffix(got, ".tsv") {
		t.Errorf("TSVPath() = %s", got)
	}
}

func TestLocalStoreAtomicOperations(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir, "out/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	ref := testRef("2024-01-01", "2024-01-07")
	parquetData := []byte("fake parquet data for testing")
	manifest := &Manifest{
		Partition: PartitionInfo{Start: "2024-01-01", End: "2024-01-07", EraID: "current", VersionLabel: "v1"},
		Tables: map[string]TableInfo{
			"race_horse_features": {File: "part.parquet", Format: "parquet", Checksum: "sha256:abc", RowCount: 10},
		},
		Producer:  ProducerInfo{Name: "feature-builder", Version: "test"},
		CreatedAt: time.Now(),
	}
	manifestData, err := manifest.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	tempParquet, err := store.WriteTemp(ctx, ref.Path(), parquetData)
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}
	tempManifest, err := store.WriteTemp(ctx, ref.ManifestPath(), manifestData)
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}

	if ok, _ := store.Exists(ctx, ref.Path()); ok {
		t.Error("final parquet should not exist before Finalize")
	}

	staged := []Staged{
		{TempKey: tempParquet, FinalKey: ref.Path()},
		{TempKey: tempManifest, FinalKey: ref.ManifestPath()},
	}
	if err := store.Finalize(ctx, staged); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	for _, key := range []string{ref.Path(), ref.ManifestPath()} {
		if ok, err := store.Exists(ctx, key); err != nil || !ok {
			t.Errorf("%s should exist after Finalize (err %v)", key, err)
		}
	}
	for _, key := range []string{tempParquet, tempManifest} {
		if _, err := os.Stat(store.path(key)); !os.IsNotExist(err) {
			t.Errorf("temp %s should be removed after Finalize", key)
		}
	}

	data, err := store.ReadObject(ctx, ref.Path())
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if string(data) != string(parquetData) {
		t.Error("parquet data mismatch")
	}

	got, err := ReadManifest(ctx, store, ref)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.Tables["race_horse_features"].RowCount != 10 {
		t.Errorf("manifest round trip lost row count: %+v", got.Tables)
	}
}

func TestLocalStoreAbort(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "out/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()
	ref := testRef("2024-02-01", "2024-02-07")

	tempParquet, _ := store.WriteTemp(ctx, ref.Path(), []byte("test data"))
	tempManifest, _ := store.WriteTemp(ctx, ref.ManifestPath(), []byte("{}"))

	if err := store.Abort(ctx, []string{tempParquet, tempManifest}); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	for _, key := range []string{tempParquet, tempManifest} {
		if ok, _ := store.Exists(ctx, key); ok {
			t.Errorf("temp %s should be removed after Abort", key)
		}
	}
}

func TestLocalStoreFinalizeRollback(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()
	ref := testRef("2024-03-01", "2024-03-07")

	tempParquet, _ := store.WriteTemp(ctx, ref.Path(), []byte("data"))
	staged := []Staged{
		{TempKey: tempParquet, FinalKey: ref.Path()},
		{TempKey: "missing.tmp", FinalKey: ref.ManifestPath()},
	}
	if err := store.Finalize(ctx, staged); err == nil {
		t.Fatal("Finalize should fail when a temp file is missing")
	}
	if ok, _ := store.Exists(ctx, ref.Path()); ok {
		t.Error("partially finalized parquet should be rolled back")
	}
	if ok, _ := store.Exists(ctx, tempParquet); ok {
		t.Error("temp parquet should be aborted")
	}
}

func TestLocalStoreHeadAndList(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir, "out/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()
	ref := testRef("2024-04-01", "2024-04-07")

	testData := []byte("test parquet data for head test")
	if err := store.WriteObject(ctx, ref.Path(), testData); err != nil {
		t.Fatalf("WriteObject failed: %v", err)
	}

	info, err := store.Head(ctx, ref.Path())
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != int64(len(testData)) {
		t.Errorf("Head size = %d, want %d", info.Size, len(testData))
	}
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Head(missing) err = %v, want ErrNotFound", err)
	}

	keys, err := store.List(ctx, "features/current")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, k := range keys {
		if k == ref.Path() {
			found = true
		}
	}
	if !found {
		t.Errorf("List should include %s, got %v", ref.Path(), keys)
	}

	if uri := store.URI(ref.Path()); !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, filepath.Base(ref.Path())) {
		t.Errorf("URI = %s", uri)
	}
}

func TestPublishBucketStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBucketStore(ctx, "mem://", "mem://test", "out/")
	if err != nil {
		t.Fatalf("OpenBucketStore: %v", err)
	}
	defer store.Close()

	ref := testRef("2024-05-01", "2024-05-07")
	err = Publish(ctx, store,
		Object{Key: ref.Path(), Data: []byte("parquet")},
		Object{Key: ref.TSVPath(), Data: []byte("tsv")},
		Object{Key: ref.ManifestPath(), Data: []byte(`{"tables":{}}`)},
	)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	keys, err := store.List(ctx, ref.DirPath())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("List returned %v, want the three final objects only", keys)
	}
	data, err := store.ReadObject(ctx, ref.TSVPath())
	if err != nil || string(data) != "tsv" {
		t.Errorf("ReadObject = %q, %v", data, err)
	}
	if _, err := store.ReadObject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadObject(missing) err = %v, want ErrNotFound", err)
	}
	if got, want := store.URI(ref.Path()), "mem://test/out/"+ref.Path(); got != want {
		t.Errorf("URI = %s, want %s", got, want)
	}
}

func TestS3URL(t *testing.T) {
	tests := []struct {
		bucket, endpoint, region, want string
	}{
		{"b", "", "", "s3://b"},
		{"b", "", "us-east-1", "s3://b?region=us-east-1"},
		{"b", "https://minio:9000", "", "s3://b?endpoint=https%3A%2F%2Fminio%3A9000&s3ForcePathStyle=true"},
	}
	for _, tt := range tests {
		if got := S3URL(tt.bucket, tt.endpoint, tt.region); got != tt.want {
			t.Errorf("S3URL(%q, %q, %q) = %s, want %s", tt.bucket, tt.endpoint, tt.region, got, tt.want)
		}
	}
}
