package embedding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"maisi/internal/inferer"
	"maisi/internal/ledger"
	"maisi/internal/manifest"
	"maisi/internal/ndarray"
	"maisi/internal/runtime"
	"maisi/internal/runtime/pooling"
	"maisi/internal/testsupport"
	"maisi/internal/transform"
	"maisi/internal/volume"
)

type countingEncoder struct {
	mu    sync.Mutex
	calls int
	inner runtime.Encoder
}

func (c *countingEncoder) Encode(ctx context.Context, in *ndarray.Array) (*ndarray.Array, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.inner == nil {
		return nil, errors.New("no encoder")
	}
	return c.inner.Encode(ctx, in)
}

func newBackend(t *testing.T) *pooling.Backend {
	t.Helper()
	b := pooling.New(4, 4, nil)
	if err := b.Load(context.Background(), runtime.ModelSpec{Role: runtime.RoleAutoencoder}); err != nil {
		t.Fatalf("load backend: %v", err)
	}
	return b
}

func newProcessor(t *testing.T, dataDir, embDir string, enc runtime.Encoder) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorConfig{
		DataBaseDir:      dataDir,
		EmbeddingBaseDir: embDir,
		BaseDim:          16,
		Encoder:          enc,
		Window:           inferer.NewSlidingWindow([3]int{32, 32, 16}, 0.4, ndarray.FP32, nil),
	})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		image string
		want  string
	}{
		{image: "ct/case_001.nii.gz", want: "/emb/ct/case_001_emb.nii.gz"},
		{image: "mr/t1.nii", want: "/emb/mr/t1_emb.nii.gz"},
		{image: "flat", want: "/emb/flat_emb.nii.gz"},
	}
	for _, tt := range tests {
		if got := OutputPath("/emb", tt.image); got != tt.want {
			t.Fatalf("OutputPath(%q) = %q, want %q", tt.image, got, tt.want)
		}
	}
	if got := InputPath("/data", "/abs/x.nii"); got != "/abs/x.nii" {
		t.Fatalf("absolute input rewritten: %q", got)
	}
}

func TestProcessSkipsExistingOutput(t *testing.T) {
	dataDir, embDir := t.TempDir(), t.TempDir()
	enc := &countingEncoder{}
	p := newProcessor(t, dataDir, embDir, enc)

	var probes, builds, writes int
	p.probe = func(string) (volume.Header, error) { probes++; return volume.Header{}, nil }
	p.build = func(string, *[3]int) *transform.Pipeline { builds++; return nil }
	p.write = func(string, *volume.Volume) error { writes++; return nil }

	entry := manifest.Entry{Index: 0, Image: "ct/a.nii.gz", Modality: "ct"}
	testsupport.WriteFile(t, OutputPath(embDir, entry.Image), 16)

	res := p.Process(context.Background(), entry)
	if res.Status != StatusSkipped || res.Err != nil {
		t.Fatalf("expected clean skip, got %+v", res)
	}
	if probes+builds+writes+enc.calls != 0 {
		t.Fatalf("skip touched the pipeline: probe=%d build=%d write=%d encode=%d", probes, builds, writes, enc.calls)
	}
}

func TestProcessEncodesAndWritesLatent(t *testing.T) {
	dataDir, embDir := t.TempDir(), t.TempDir()
	testsupport.WriteVolume(t, filepath.Join(dataDir, "ct", "a.nii.gz"), [3]int{40, 40, 20}, [3]float64{1, 1, 2}, func(i int) float32 {
		return float32(i%2000 - 1000)
	})
	enc := &countingEncoder{inner: newBackend(t)}
	p := newProcessor(t, dataDir, embDir, enc)

	res := p.Process(context.Background(), manifest.Entry{Index: 0, Image: "ct/a.nii.gz", Modality: "CT"})
	if res.Status != StatusEncoded {
		t.Fatalf("expected encoded, got %+v", res)
	}
	if res.OldDim != [3]int{40, 40, 20} || res.NewDim != [3]int{48, 48, 16} {
		t.Fatalf("unexpected dims old=%v new=%v", res.OldDim, res.NewDim)
	}
	if diff := cmp.Diff([]int{12, 12, 4, 4}, res.LatentShape); diff != "" {
		t.Fatalf("latent shape mismatch (-want +got):\n%s", diff)
	}
	if enc.calls < 2 {
		t.Fatalf("expected tiled encoding, got %d encoder calls", enc.calls)
	}

	latent, err := volume.Read(res.Output)
	if err != nil {
		t.Fatalf("read latent: %v", err)
	}
	if diff := cmp.Diff([]int{12, 12, 4, 4}, latent.Data.Shape); diff != "" {
		t.Fatalf("stored shape mismatch (-want +got):\n%s", diff)
	}
	spacing := latent.Affine.Spacing()
	want := [3]float64{40.0 / 48, 40.0 / 48, 2.5}
	for i := range 3 {
		if d := spacing[i] - want[i]; d > 1e-4 || d < -1e-4 {
			t.Fatalf("spacing %v, want %v", spacing, want)
		}
	}
	for _, v := range latent.Data.Data {
		if v < 0 || v > 1 {
			t.Fatalf("latent value %v outside normalized CT range", v)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(embDir, "ct", "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestProcessUsesEntryModality(t *testing.T) {
	dataDir, embDir := t.TempDir(), t.TempDir()
	for _, name := range []string{"a.nii", "b.nii"} {
		testsupport.WriteVolume(t, filepath.Join(dataDir, name), [3]int{16, 16, 16}, [3]float64{1, 1, 1}, nil)
	}
	p := newProcessor(t, dataDir, embDir, newBackend(t))
	var seen []string
	p.build = func(modality string, target *[3]int) *transform.Pipeline {
		seen = append(seen, modality)
		return transform.Build(modality, target)
	}

	for i, e := range []manifest.Entry{{Index: 0, Image: "a.nii", Modality: "mri_t2"}, {Index: 1, Image: "b.nii", Modality: "ct"}} {
		if res := p.Process(context.Background(), e); res.Status != StatusEncoded {
			t.Fatalf("entry %d: %+v", i, res)
		}
	}
	if diff := cmp.Diff([]string{"mri_t2", "ct"}, seen); diff != "" {
		t.Fatalf("modalities mismatch (-want +got):\n%s", diff)
	}
}

func TestDriverIsolatesFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dataDir := cfg.Paths.DataBaseDir
	testsupport.WriteVolume(t, filepath.Join(dataDir, "a.nii.gz"), [3]int{16, 16, 16}, [3]float64{1, 1, 1}, nil)
	testsupport.WriteFile(t, filepath.Join(dataDir, "corrupt.nii.gz"), 512)
	testsupport.WriteVolume(t, filepath.Join(dataDir, "c.nii.gz"), [3]int{16, 16, 16}, [3]float64{1, 1, 1}, nil)

	path := testsupport.WriteManifest(t, cfg.Paths.Manifest,
		[2]string{"a.nii.gz", "ct"},
		[2]string{"corrupt.nii.gz", "ct"},
		[2]string{"c.nii.gz", "mri"},
	)
	entries, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}

	store := testsupport.MustOpenLedger(t, cfg)
	run := testsupport.BeginRun(t, store, "embed", 0, 1)
	driver := &Driver{
		Processor: newProcessor(t, dataDir, cfg.Paths.EmbeddingBaseDir, newBackend(t)),
		Recorder:  store,
		RunID:     run.ID,
	}
	report := driver.Run(context.Background(), entries, 0, 1)

	if !report.Complete() {
		t.Fatalf("report incomplete: %+v", report)
	}
	got := []Status{}
	for _, r := range report.Results {
		got = append(got, r.Status)
	}
	if diff := cmp.Diff([]Status{StatusEncoded, StatusFailed, StatusEncoded}, got); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	failed := report.Failures()
	if len(failed) != 1 || failed[0].Image != "corrupt.nii.gz" || StageOf(failed[0].Err) != StageProbe {
		t.Fatalf("unexpected failures: %+v", failed)
	}
	if !errors.Is(failed[0].Err, volume.ErrNotNifti) {
		t.Fatalf("expected ErrNotNifti cause, got %v", failed[0].Err)
	}

	rows, err := store.Results(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ledger results: %v", err)
	}
	if len(rows) != 3 || rows[1].Status != string(StatusFailed) || rows[1].Error == "" {
		t.Fatalf("unexpected ledger rows: %+v", rows)
	}

	again := driver.Run(context.Background(), entries, 0, 1)
	if again.Count(StatusSkipped) != 2 || again.Count(StatusFailed) != 1 {
		t.Fatalf("rerun should skip finished outputs: %+v", again.Results)
	}
}

type fakeProcessor struct {
	seen  []int
	panic int
}

func (f *fakeProcessor) Process(_ context.Context, e manifest.Entry) Result {
	f.seen = append(f.seen, e.Index)
	if e.Index == f.panic {
		panic("boom")
	}
	return Result{Index: e.Index, Image: e.Image, Status: StatusEncoded}
}

func (f *fakeProcessor) Output(e manifest.Entry) string {
	return OutputPath("/latents", e.Image)
}

func TestDriverProcessesOnlyAssignedEntries(t *testing.T) {
	entries := make([]manifest.Entry, 7)
	for i := range entries {
		entries[i] = manifest.Entry{Index: i, Image: "x.nii"}
	}
	fake := &fakeProcessor{panic: -1}
	report := (&Driver{Processor: fake}).Run(context.Background(), entries, 1, 3)
	if diff := cmp.Diff([]int{1, 4}, fake.seen); diff != "" {
		t.Fatalf("processed indices mismatch (-want +got):\n%s", diff)
	}
	if report.Assigned != 2 || report.Total != 7 || !report.Complete() {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDriverRecoversPanics(t *testing.T) {
	entries := []manifest.Entry{{Index: 0, Image: "a"}, {Index: 1, Image: "b"}, {Index: 2, Image: "c"}}
	fake := &fakeProcessor{panic: 1}
	report := (&Driver{Processor: fake}).Run(context.Background(), entries, 0, 1)
	if report.Count(StatusEncoded) != 2 || report.Count(StatusFailed) != 1 {
		t.Fatalf("unexpected report %+v", report.Results)
	}
	failed := report.Failures()[0]
	if failed.Output != filepath.Join("/latents", "b"+Suffix) {
		t.Fatalf("recovered result output = %q", failed.Output)
	}
	if failed.Duration <= 0 || failed.Modality != entries[1].Modality {
		t.Fatalf("recovered result missing timing: %+v", failed)
	}
}

func TestDriverRejectsOversizedHeaderDims(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dataDir := cfg.Paths.DataBaseDir
	for _, name := range []string{"a.nii", "huge.nii", "c.nii"} {
		testsupport.WriteVolume(t, filepath.Join(dataDir, name), [3]int{16, 16, 16}, [3]float64{1, 1, 1}, nil)
	}
	testsupport.PatchDims(t, filepath.Join(dataDir, "huge.nii"), [3]int16{32767, 32767, 32767})

	entries := []manifest.Entry{
		{Index: 0, Image: "a.nii", Modality: "ct"},
		{Index: 1, Image: "huge.nii", Modality: "ct"},
		{Index: 2, Image: "c.nii", Modality: "ct"},
	}
	driver := &Driver{Processor: newProcessor(t, dataDir, cfg.Paths.EmbeddingBaseDir, newBackend(t))}
	report := driver.Run(context.Background(), entries, 0, 1)

	got := []Status{}
	for _, r := range report.Results {
		got = append(got, r.Status)
	}
	if diff := cmp.Diff([]Status{StatusEncoded, StatusFailed, StatusEncoded}, got); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	failed := report.Failures()[0]
	if StageOf(failed.Err) != StageTransform || !errors.Is(failed.Err, volume.ErrTruncated) {
		t.Fatalf("expected truncated transform failure, got %v", failed.Err)
	}
	if failed.Duration <= 0 || failed.Output == "" {
		t.Fatalf("failed result missing output or timing: %+v", failed)
	}
}

func TestDriverStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entries := []manifest.Entry{{Index: 0, Image: "a"}}
	report := (&Driver{Processor: &fakeProcessor{panic: -1}}).Run(ctx, entries, 0, 1)
	if report.Complete() || !errors.Is(report.Interrupted, context.Canceled) {
		t.Fatalf("expected interrupted report, got %+v", report)
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, ledger.Result) error { return os.ErrPermission }

func TestDriverToleratesLedgerFailure(t *testing.T) {
	entries := []manifest.Entry{{Index: 0, Image: "a"}}
	report := (&Driver{Processor: &fakeProcessor{panic: -1}, Recorder: failingRecorder{}, RunID: "r"}).Run(context.Background(), entries, 0, 1)
	if report.Count(StatusEncoded) != 1 {
		t.Fatalf("ledger failure leaked into results: %+v", report.Results)
	}
}
