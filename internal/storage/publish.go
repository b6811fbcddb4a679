package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Object is one artifact to publish.
type Object struct {
	Key  string
	Data []byte
}

// Publish stages every object under a temp key and then finalizes them
// together. Nothing is visible at a final key until every object has
// been staged.
func Publish(ctx context.Context, store AtomicStore, objects ...Object) error {
	var (
		staged   []Staged
		tempKeys []string
	)
	for _, obj := range objects {
		tempKey, err := store.WriteTemp(ctx, obj.Key, obj.Data)
		if err != nil {
			store.Abort(ctx, tempKeys)
			return fmt.Errorf("stage %s: %w", obj.Key, err)
		}
		tempKeys = append(tempKeys, tempKey)
		staged = append(staged, Staged{TempKey: tempKey, FinalKey: obj.Key})
	}
	if err := store.Finalize(ctx, staged); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// ReadManifest loads and decodes the manifest of a published partition.
func ReadManifest(ctx context.Context, store FeatureStore, ref PartitionRef) (*Manifest, error) {
	data, err := store.ReadObject(ctx, ref.ManifestPath())
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", ref.ManifestPath(), err)
	}
	return &m, nil
}
