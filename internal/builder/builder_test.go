package builder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/keiba-yosoku/feature-builder/internal/audit"
	"github.com/keiba-yosoku/feature-builder/internal/checkpoint"
	"github.com/keiba-yosoku/feature-builder/internal/config"
	"github.com/keiba-yosoku/feature-builder/internal/era"
	"github.com/keiba-yosoku/feature-builder/internal/features"
	"github.com/keiba-yosoku/feature-builder/internal/logging"
	"github.com/keiba-yosoku/feature-builder/internal/metadata"
	"github.com/keiba-yosoku/feature-builder/internal/source"
	"github.com/keiba-yosoku/feature-builder/internal/storage"
	"github.com/keiba-yosoku/feature-builder/internal/tables"
)

// mockMetadata implements metadata.Writer for testing
type mockMetadata struct {
	mu        sync.Mutex
	datasetID int64
	lineage   []metadata.LineageRecord
	quality   []metadata.QualityRecord
	failWith  error
}

func (m *mockMetadata) EnsureDataset(ctx context.Context, info metadata.DatasetInfo) (int64, error) {
	if m.failWith != nil {
		return 0, m.failWith
	}
	return m.datasetID, nil
}

func (m *mockMetadata) InsertLineage(ctx context.Context, rec metadata.LineageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineage = append(m.lineage, rec)
	return nil
}

func (m *mockMetadata) InsertQuality(ctx context.Context, rec metadata.QualityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality = append(m.quality, rec)
	return nil
}

func (m *mockMetadata) GetLastLineage(ctx context.Context, datasetID int64) (*metadata.LineageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lineage) == 0 {
		return nil, nil
	}
	last := m.lineage[len(m.lineage)-1]
	return &last, nil
}

func (m *mockMetadata) PartitionExists(ctx context.Context, datasetID int64, start, end time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.lineage {
		if rec.DateStart.Equal(start) && rec.DateEnd.Equal(end) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockMetadata) Close() error { return nil }

// mockAudit records emitted events in order.
type mockAudit struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (m *mockAudit) Emit(ctx context.Context, evt *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *mockAudit) Close() error { return nil }

var inputFiles = map[string][]string{
	features.TableRaceInfo: {
		"race_id date race_type around course_len ground_state race_class month sin_date cos_date",
		"R1 2024-01-10 0 1 1600 0 3 1 0.1 0.9",
		"R2 2024-02-15 1 2 2000 1 2 2 0.3 0.8",
		"R3 2024-02-20 0 1 1200 0 1 2 0.3 0.8",
		"R9 2023-06-01 0 1 1800 0 3 6 0.5 -0.5",
	},
	features.TableResults: {
		"race_id horse_id jockey_id trainer_id umaban wakuban sex",
		"R1 h1 j1 t1 1 1 1",
		"R1 h2 j2 t2 2 1 0",
		"R2 h1 j1 t1 3 2 1",
		"R2 h3 j2 t1 1 1 0",
		"R3 h2 j2 t2 4 2 0",
		"R9 h1 j1 t1 1 1 1",
	},
	features.TableHorseResults: {
		"horse_id date rank prize race_type",
		"h1 2023-06-01 2 300 0",
		"h1 2023-09-01 1 500 0",
		"h1 2024-01-10 4 0 0",
		"h2 2023-11-20 3 100 1",
		"h2 2024-01-10 1 700 0",
		"h3 2023-12-24 5 0 1",
	},
}

func writeInputs(t *testing.T, dir string) {
	t.Helper()
	for name, rows := range inputFiles {
		writeTable(t, dir, name, rows)
	}
}

func writeTable(t *testing.T, dir, name string, rows []string) {
	t.Helper()
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = strings.Join(strings.Fields(r), "\t")
	}
	body := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, name+".tsv"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func mustDay(t *testing.T, s string) era.Day {
	t.Helper()
	d, err := era.ParseDay(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type harness struct {
	cfg      *config.Config
	inputDir string
	store    *storage.LocalStore
	meta     *mockMetadata
	audit    *mockAudit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	inputDir := filepath.Join(root, "data")
	if err := os.MkdirAll(inputDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeInputs(t, inputDir)

	cfg := config.Default()
	cfg.Run.BuilderID = "test"
	cfg.Run.From = mustDay(t, "2024-01-01")
	cfg.Run.To = mustDay(t, "2024-03-31")
	cfg.Source.LocalPath = inputDir
	cfg.Storage.LocalDir = filepath.Join(root, "out")
	cfg.Checkpoint.Dir = filepath.Join(root, "checkpoints")
	cfg.Perf.Workers = 2
	cfg.Perf.MaxRetries = 0
	cfg.Eras = []era.Config{{EraID: "all", VersionLabel: "v1", PartitionDays: 31}}
	cfg.Features = features.Options{
		Aggregations: []features.WindowSpec{
			{Windows: []int{3}, Metrics: []string{"rank", "prize"}, Stats: []features.Stat{features.StatMean}},
		},
		Cross:       features.DefaultCrossConfig(),
		Interval:    true,
		Parallelism: 2,
	}

	store, err := storage.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.Prefix)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		cfg:      &cfg,
		inputDir: inputDir,
		store:    store,
		meta:     &mockMetadata{datasetID: 7},
		audit:    &mockAudit{},
	}
}

func (h *harness) run(t *testing.T) (*Summary, error) {
	t.Helper()
	src, err := source.NewLocalSource(h.inputDir)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := checkpoint.NewManager(h.cfg.CheckpointManager())
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(context.Background(), h.cfg, Deps{
		Source:     src,
		Store:      h.store,
		Meta:       h.meta,
		Audit:      h.audit,
		Checkpoint: cp,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b.Run(context.Background())
}

func TestRunCommitsPartitionsInOrder(t *testing.T) {
	h := newHarness(t)
	summary, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// January holds R1; the second window holds R2 and R3; March is empty.
	if summary.Partitions != 2 || summary.Rows != 5 {
		t.Errorf("summary = %+v, want 2 partitions and 5 rows", summary)
	}

	if len(h.meta.lineage) != 2 {
		t.Fatalf("lineage records = %d, want 2", len(h.meta.lineage))
	}
	first, second := h.meta.lineage[0], h.meta.lineage[1]
	if first.PrevHash != "" {
		t.Errorf("first lineage prev_hash = %q, want empty", first.PrevHash)
	}
	if second.PrevHash != first.Checksum {
		t.Errorf("second prev_hash = %q, want %q", second.PrevHash, first.Checksum)
	}
	if !first.DateEnd.Before(second.DateStart) {
		t.Errorf("lineage out of order: %v then %v", first.DateEnd, second.DateStart)
	}
	if first.InputFingerprint != summary.InputFingerprint {
		t.Errorf("lineage fingerprint = %q, want %q", first.InputFingerprint, summary.InputFingerprint)
	}

	var starts []string
	for _, evt := range h.audit.events {
		starts = append(starts, evt.Partition.DateStart)
	}
	if diff := cmp.Diff([]string{"2024-01-01", "2024-02-01"}, starts); diff != "" {
		t.Errorf("audit order (-want +got):\n%s", diff)
	}

	for _, q := range h.meta.quality {
		if !q.Passed {
			t.Errorf("quality failed for %v: %s", q.DateStart, q.ErrorMessage)
		}
	}

	ctx := context.Background()
	for _, key := range []string{
		"features/v1/features.parquet",
		"features/v1/features.tsv",
		"features/v1/features_manifest.json",
	} {
		if ok, err := h.store.Exists(ctx, key); err != nil || !ok {
			t.Errorf("output %s exists = %v, %v", key, ok, err)
		}
	}

	data, err := h.store.ReadObject(ctx, "features/v1/features.tsv")
	if err != nil {
		t.Fatal(err)
	}
	out, err := tables.ReadTSV(strings.NewReader(string(data)), tables.Schema{Table: "features"})
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	race, _ := out.Col(features.ColRaceID)
	var races []string
	for i := 0; i < out.Len(); i++ {
		r, _ := race.Str(i)
		races = append(races, r)
	}
	if diff := cmp.Diff([]string{"R1", "R1", "R2", "R2", "R3"}, races); diff != "" {
		t.Errorf("output race order (-want +got):\n%s", diff)
	}
	if !out.Has(features.ColInterval) || !out.Has("rank_3races") {
		t.Errorf("output columns = %v", out.Columns())
	}
}

func TestRunSkipsWhenInputsUnchanged(t *testing.T) {
	h := newHarness(t)
	first, err := h.run(t)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second, err := h.run(t)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("second run was not skipped: %+v", second)
	}
	if second.InputFingerprint != first.InputFingerprint {
		t.Errorf("fingerprint changed: %q vs %q", first.InputFingerprint, second.InputFingerprint)
	}
	if len(h.audit.events) != 2 {
		t.Errorf("audit events = %d, want 2", len(h.audit.events))
	}
}

func TestRunReusesPublishedPartitions(t *testing.T) {
	h := newHarness(t)
	h.cfg.Checkpoint.Enabled = false
	if _, err := h.run(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	summary, err := h.run(t)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Skipped || summary.PartitionsReused != 2 {
		t.Errorf("summary = %+v, want both partitions reused", summary)
	}
	if len(h.audit.events) != 2 {
		t.Errorf("reused partitions emitted audit events: %d", len(h.audit.events))
	}
	if len(h.meta.lineage) != 2 {
		t.Errorf("reused partitions duplicated lineage: %d", len(h.meta.lineage))
	}
}

func TestRunRepairsMissingLineage(t *testing.T) {
	h := newHarness(t)
	h.cfg.Checkpoint.Enabled = false
	if _, err := h.run(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	h.meta = &mockMetadata{datasetID: 7}
	if _, err := h.run(t); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(h.meta.lineage) != 2 {
		t.Fatalf("lineage after repair = %d, want 2", len(h.meta.lineage))
	}
	if h.meta.lineage[1].PrevHash != h.meta.lineage[0].Checksum {
		t.Errorf("repaired lineage is not chained")
	}
}

func TestRunRejectsChangedInputs(t *testing.T) {
	h := newHarness(t)
	h.cfg.Checkpoint.Enabled = false
	if _, err := h.run(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	history := append([]string{}, inputFiles[features.TableHorseResults]...)
	history = append(history, "h3 2023-10-01 2 200 1")
	writeTable(t, h.inputDir, features.TableHorseResults, history)

	if _, err := h.run(t); !errors.Is(err, ErrPartitionExists) {
		t.Fatalf("err = %v, want ErrPartitionExists", err)
	}

	h.cfg.Run.AllowOverwrite = true
	summary, err := h.run(t)
	if err != nil {
		t.Fatalf("overwrite Run: %v", err)
	}
	if summary.PartitionsReused != 0 {
		t.Errorf("overwrite reused %d partitions", summary.PartitionsReused)
	}
}

func TestOptionalSubsystems(t *testing.T) {
	h := newHarness(t)
	h.audit.err = errors.New("audit sink down")
	if _, err := h.run(t); err != nil {
		t.Fatalf("non-strict audit failure aborted the run: %v", err)
	}

	h = newHarness(t)
	h.cfg.Audit.Strict = true
	h.audit.err = errors.New("audit sink down")
	if _, err := h.run(t); err == nil || !strings.Contains(err.Error(), "audit sink down") {
		t.Fatalf("strict audit err = %v", err)
	}

	h = newHarness(t)
	h.cfg.Catalog.Strict = true
	h.meta.failWith = errors.New("catalog down")
	if _, err := h.run(t); err == nil || !strings.Contains(err.Error(), "catalog down") {
		t.Fatalf("strict catalog err = %v", err)
	}

	h = newHarness(t)
	h.cfg.Catalog.Strict = true
	h.cfg.Catalog.PostgresDSN = "postgres://feature@127.0.0.1:1/catalog?connect_timeout=1"
	src, err := source.NewLocalSource(h.inputDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), h.cfg, Deps{Source: src, Store: h.store, Audit: h.audit}); err == nil {
		t.Fatal("strict catalog with unreachable database built successfully")
	}
}

func TestPlanRangesSkipsInactiveEras(t *testing.T) {
	h := newHarness(t)
	h.cfg.Eras = []era.Config{
		{EraID: "winter", VersionLabel: "v1", End: mustDay(t, "2024-01-31"), PartitionDays: 31},
		{EraID: "spring", VersionLabel: "v2", Start: mustDay(t, "2024-02-01"), PartitionDays: 10},
	}
	h.cfg.ActiveEras = []string{"spring"}

	src, err := source.NewLocalSource(h.inputDir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(context.Background(), h.cfg, Deps{Source: src, Store: h.store, Meta: h.meta, Audit: h.audit})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pop := features.Population{
		{RaceID: "R1", HorseID: "h1", Date: mustDay(t, "2024-01-10").Time},
		{RaceID: "R2", HorseID: "h1", Date: mustDay(t, "2024-02-15").Time},
		{RaceID: "R3", HorseID: "h2", Date: mustDay(t, "2024-02-20").Time},
	}
	ranges, err := b.planRanges(pop, h.cfg.Run.From, h.cfg.Run.To)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}

	type span struct{ Era, Version, Start, End string }
	var got []span
	for i, r := range ranges {
		if r.Index != int64(i) {
			t.Errorf("range %d has index %d", i, r.Index)
		}
		got = append(got, span{r.EraID, r.VersionLabel, r.Start.String(), r.End.String()})
	}
	want := []span{
		{"spring", "v2", "2024-02-11", "2024-02-20"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranges (-want +got):\n%s", diff)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", errors.New("connection reset"), true},
		{"canceled", context.Canceled, false},
		{"leakage", features.ErrLeakage, false},
		{"row mismatch", features.ErrRowCountMismatch, false},
		{"duplicate key", tables.ErrDuplicateKey, false},
		{"schema", &tables.SchemaError{Table: "results", Row: -1, Reason: "missing"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRunRepublishesDamagedPartition(t *testing.T) {
	h := newHarness(t)
	h.cfg.Checkpoint.Enabled = false
	if _, err := h.run(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	ref := storage.PartitionRef{
		Namespace:    "features",
		EraID:        "all",
		VersionLabel: "v1",
		Table:        "features",
		Start:        mustDay(t, "2024-01-01").Time,
		End:          mustDay(t, "2024-01-31").Time,
	}
	if err := h.store.WriteObject(context.Background(), ref.Path(), []byte("garbage")); err != nil {
		t.Fatal(err)
	}

	summary, err := h.run(t)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.PartitionsReused != 1 {
		t.Errorf("reused = %d, want 1 (damaged partition republished)", summary.PartitionsReused)
	}
	data, err := h.store.ReadObject(context.Background(), ref.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "garbage" {
		t.Error("damaged parquet was not replaced")
	}
}

var populationRows = []string{
	"race_id date horse_id",
	"R9 2023-06-01 h1",
	"R1 2024-01-10 h1",
	"R1 2024-01-10 h2",
	"R2 2024-02-15 h1",
	"R2 2024-02-15 h3",
	"R3 2024-02-20 h2",
}

// outputKeys returns the sorted race/horse keys of the published table.
func outputKeys(t *testing.T, h *harness) []string {
	t.Helper()
	data, err := h.store.ReadObject(context.Background(), "features/v1/features.tsv")
	if err != nil {
		t.Fatal(err)
	}
	out, err := tables.ReadTSV(strings.NewReader(string(data)), tables.Schema{Table: "features"})
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	race, _ := out.Col(features.ColRaceID)
	horse, _ := out.Col(features.ColHorseID)
	keys := make([]string, out.Len())
	for i := range keys {
		r, _ := race.Str(i)
		hid, _ := horse.Str(i)
		keys[i] = r + "/" + hid
	}
	sort.Strings(keys)
	return keys
}

func TestRunCoversPopulationTable(t *testing.T) {
	all := []string{"R1/h1", "R1/h2", "R2/h1", "R2/h3", "R3/h2", "R9/h1"}
	split := []era.Config{
		{EraID: "old", VersionLabel: "v1", End: mustDay(t, "2023-12-31"), PartitionDays: 31},
		{EraID: "new", VersionLabel: "v1", Start: mustDay(t, "2024-01-01"), PartitionDays: 31},
	}

	tests := []struct {
		name         string
		from, to     string
		eras         []era.Config
		active       []string
		wantKeys     []string
		wantExcluded int
		wantErr      error
	}{
		{name: "from only", from: "2024-01-01", wantKeys: all[:5]},
		{name: "to only", to: "2024-03-31", wantKeys: all},
		{name: "no bounds", wantKeys: all},
		{name: "inactive era", eras: split, active: []string{"new"}, wantKeys: all[:5], wantExcluded: 1},
		{
			name:    "outside every era",
			eras:    []era.Config{{EraID: "new", VersionLabel: "v1", Start: mustDay(t, "2024-01-01"), PartitionDays: 31}},
			wantErr: era.ErrNoMatchingEra,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			writeTable(t, h.inputDir, features.TablePopulation, populationRows)
			h.cfg.Run.PopulationTable = features.TablePopulation
			h.cfg.Run.From, h.cfg.Run.To = era.Day{}, era.Day{}
			if tt.from != "" {
				h.cfg.Run.From = mustDay(t, tt.from)
			}
			if tt.to != "" {
				h.cfg.Run.To = mustDay(t, tt.to)
			}
			if tt.eras != nil {
				h.cfg.Eras = tt.eras
				h.cfg.ActiveEras = tt.active
			}
			if err := h.cfg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}

			summary, err := h.run(t)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Run err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if summary.Rows != int64(len(tt.wantKeys)) || summary.RowsExcluded != tt.wantExcluded {
				t.Errorf("summary rows = %d excluded = %d, want %d and %d",
					summary.Rows, summary.RowsExcluded, len(tt.wantKeys), tt.wantExcluded)
			}
			if diff := cmp.Diff(tt.wantKeys, outputKeys(t, h)); diff != "" {
				t.Errorf("output keys (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteOutputRejectsMissingRows(t *testing.T) {
	h := newHarness(t)
	src, err := source.NewLocalSource(h.inputDir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(context.Background(), h.cfg, Deps{Source: src, Store: h.store, Meta: h.meta, Audit: h.audit})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	day := mustDay(t, "2024-01-10")
	pop := features.Population{
		{RaceID: "R1", HorseID: "h1", Date: day.Time},
		{RaceID: "R1", HorseID: "h2", Date: day.Time},
	}
	part := &BuiltPartition{
		Range: DateRange{EraID: "all", VersionLabel: "v1", Start: mustDay(t, "2024-01-01"), End: mustDay(t, "2024-01-31")},
		Frame: pop[:1].Frame(),
	}

	_, err = b.writeOutput(context.Background(), pop, []*BuiltPartition{part})
	if !errors.Is(err, features.ErrRowCountMismatch) {
		t.Fatalf("writeOutput err = %v, want ErrRowCountMismatch", err)
	}
	if ok, _ := h.store.Exists(context.Background(), b.outputKey()); ok {
		t.Error("output published despite missing rows")
	}
}

func TestRunLogsTagComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logging.New(&buf, logging.Config{Format: "json", Level: "debug"}))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t)
	if _, err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	var sawPipeline bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, `"component":`); n > 1 {
			t.Errorf("component logged %d times: %s", n, line)
		}
		if strings.Contains(line, `"msg":"starting pipeline"`) {
			sawPipeline = true
			if !strings.Contains(line, `"component":"pipeline"`) {
				t.Errorf("pipeline start not tagged with its component: %s", line)
			}
			if !strings.Contains(line, `"run_id":`) {
				t.Errorf("pipeline start missing run_id: %s", line)
			}
		}
	}
	if !sawPipeline {
		t.Fatal("no pipeline start logged")
	}
}
