package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFileManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir(), BuilderID: "nightly"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := mgr.Load(ctx); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load on empty dir err = %v, want ErrNoCheckpoint", err)
	}

	cp := &Checkpoint{
		BuilderID:        "nightly",
		Namespace:        "features",
		VersionLabel:     "v1",
		InputFingerprint: "sha256:abc",
		RangeStart:       "2024-01-01",
		RangeEnd:         "2024-12-31",
		RowCount:         42,
		Partitions:       3,
		LastPartition:    &PartitionInfo{EraID: "current", Start: "2024-12-01", End: "2024-12-31"},
		UpdatedAt:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := mgr.Save(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := mgr.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cp, got); diff != "" {
		t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointMatches(t *testing.T) {
	cp := &Checkpoint{InputFingerprint: "f", VersionLabel: "v1", RangeStart: "a", RangeEnd: "b"}
	tests := []struct {
		name                    string
		fp, version, start, end string
		want                    bool
	}{
		{"same", "f", "v1", "a", "b", true},
		{"inputs changed", "g", "v1", "a", "b", false},
		{"version changed", "f", "v2", "a", "b", false},
		{"range changed", "f", "v1", "a", "c", false},
	}
	for _, tt := range tests {
		if got := cp.Matches(tt.fp, tt.version, tt.start, tt.end); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
	var nilCP *Checkpoint
	if nilCP.Matches("f", "v1", "a", "b") {
		t.Error("nil checkpoint should never match")
	}
}

func TestDisabledManager(t *testing.T) {
	mgr, err := NewManager(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Save(context.Background(), &Checkpoint{}); err != nil {
		t.Errorf("noop Save: %v", err)
	}
	if _, err := mgr.Load(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("noop Load err = %v", err)
	}
}
