package builder

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/source"
)

func builtPartition(t *testing.T) *BuiltPartition {
	t.Helper()
	h := newHarness(t)
	src, err := source.NewLocalSource(h.inputDir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	in, err := LoadInputs(ctx, src, h.cfg.Features, "")
	if err != nil {
		t.Fatalf("LoadInputs: %v", err)
	}
	pop, err := Population(in, h.cfg.Run.From.Time, h.cfg.Run.To.Time)
	if err != nil {
		t.Fatalf("Population: %v", err)
	}
	creator, err := features.NewCreator(in.Inputs, h.cfg.Features)
	if err != nil {
		t.Fatalf("NewCreator: %v", err)
	}

	p := NewPipeline(&Builder{cfg: h.cfg, log: slog.Default()}, creator, pop, 1, 1, 0, 1)
	part, err := p.buildPartition(ctx, DateRange{
		EraID:        "all",
		VersionLabel: "v1",
		Start:        mustDay(t, "2024-02-01"),
		End:          mustDay(t, "2024-03-02"),
	})
	if err != nil {
		t.Fatalf("buildPartition: %v", err)
	}
	return part
}

func TestValidatePartition(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BuiltPartition)
		want   string // substring of the error; empty means valid
	}{
		{"valid", func(*BuiltPartition) {}, ""},
		{"no frame", func(p *BuiltPartition) { p.Frame = nil }, "no feature table"},
		{"row count", func(p *BuiltPartition) { p.RowCount++ }, "row count mismatch"},
		{"extra rows", func(p *BuiltPartition) { p.Population = p.Population[:1] }, "population has 1"},
		{"date outside range", func(p *BuiltPartition) { p.Range.Start = mustDay(t, "2024-02-16") }, "outside partition"},
		{"empty parquet", func(p *BuiltPartition) { p.ParquetBytes = nil }, "empty parquet"},
		{"bad checksum", func(p *BuiltPartition) { p.TSVChecksum = "md5:00" }, "tsv checksum"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			part := builtPartition(t)
			tt.mutate(part)
			result := ValidatePartition(part)

			if tt.want == "" {
				if !result.Passed {
					t.Fatalf("valid partition failed: %s", result.ErrorMessage())
				}
				if result.RowCount != 3 {
					t.Errorf("RowCount = %d, want 3", result.RowCount)
				}
				return
			}
			if result.Passed {
				t.Fatalf("validation passed, want failure mentioning %q", tt.want)
			}
			if !strings.Contains(result.ErrorMessage(), tt.want) {
				t.Errorf("error = %q, want mention of %q", result.ErrorMessage(), tt.want)
			}
		})
	}
}

func TestValidatePartitionWarnsOnNullColumns(t *testing.T) {
	part := builtPartition(t)
	result := ValidatePartition(part)
	for _, w := range result.Warnings {
		if strings.Contains(w, features.ColRaceID) {
			t.Errorf("key column reported null: %s", w)
		}
	}

	s, ok := part.Frame.Col("rank_3races")
	if !ok {
		t.Fatalf("rank_3races missing; have %v", part.Frame.Columns())
	}
	for i := 0; i < s.Len(); i++ {
		s.SetNull(i)
	}
	result = ValidatePartition(part)
	if !result.Passed {
		t.Fatalf("null column failed validation: %s", result.ErrorMessage())
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "rank_3races") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want rank_3races reported", result.Warnings)
	}
}
