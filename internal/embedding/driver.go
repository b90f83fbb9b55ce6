package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maisi/internal/ledger"
	"maisi/internal/logging"
	"maisi/internal/manifest"
)

// Recorder persists per-entry outcomes.
type Recorder interface {
	Record(ctx context.Context, r ledger.Result) error
}

// EntryProcessor encodes one entry. *Processor implements it.
type EntryProcessor interface {
	Process(ctx context.Context, entry manifest.Entry) Result
	// Output names the latent file Process writes for entry.
	Output(entry manifest.Entry) string
}

// Driver runs one rank's share of a manifest.
type Driver struct {
	Processor EntryProcessor
	Recorder  Recorder
	RunID     string
	Logger    *slog.Logger
}

// Run processes every entry assigned to rank, in manifest order, and returns
// the collected results. Per-entry failures are captured in the report; only
// cancellation of ctx stops the loop early.
func (d *Driver) Run(ctx context.Context, entries []manifest.Entry, rank, world int) *Report {
	logger := logging.NewComponentLogger(d.Logger, "embedding.driver")
	ctx = logging.WithRank(ctx, rank)
	if d.RunID != "" {
		ctx = logging.WithRunID(ctx, d.RunID)
	}
	logger = logging.WithContext(ctx, logger)

	assigned := manifest.Partition(entries, rank, world)
	report := &Report{
		RunID:     d.RunID,
		Rank:      rank,
		WorldSize: world,
		Total:     len(entries),
		Assigned:  len(assigned),
		StartedAt: time.Now().UTC(),
	}
	logger.Info("embedding run started",
		logging.Int("entries", len(entries)),
		logging.Int("assigned", len(assigned)),
		logging.Int("world_size", world),
	)

	sampler := logging.NewProgressSampler(10)
	for i, entry := range assigned {
		if err := ctx.Err(); err != nil {
			report.Interrupted = err
			logging.WarnWithContext(logger, "embedding run interrupted", "run_interrupted",
				logging.Int("remaining", len(assigned)-i),
				logging.String(logging.FieldErrorHint, "rerun the same command; finished outputs are skipped"),
				logging.String(logging.FieldImpact, "remaining entries were not processed"),
			)
			break
		}

		entryCtx := logging.WithEntry(ctx, entry.Image)
		res := d.processOne(entryCtx, entry)
		report.Results = append(report.Results, res)
		d.record(entryCtx, logger, res)

		if res.Status == StatusFailed {
			logging.ErrorWithContext(logging.WithContext(entryCtx, logger), "entry failed", "entry_failed",
				logging.String("image", entry.Image),
				logging.String("stage", StageOf(res.Err)),
				logging.Error(res.Err),
				logging.String(logging.FieldErrorHint, "inspect the input volume; the batch continues"),
			)
		}
		if sampler.ShouldLogCount(i+1, len(assigned), "entries") {
			logger.Info("embedding progress",
				logging.Int("done", i+1),
				logging.Int("assigned", len(assigned)),
				logging.Float64("percent", logging.Percent(i+1, len(assigned))),
			)
		}
	}

	report.FinishedAt = time.Now().UTC()
	logger.Info("embedding run finished",
		logging.Int("encoded", report.Count(StatusEncoded)),
		logging.Int("skipped", report.Count(StatusSkipped)),
		logging.Int("failed", report.Count(StatusFailed)),
		logging.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

// processOne isolates a single entry, turning panics into failed results.
func (d *Driver) processOne(ctx context.Context, entry manifest.Entry) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Index:    entry.Index,
				Image:    entry.Image,
				Modality: entry.Modality,
				Output:   d.Processor.Output(entry),
				Status:   StatusFailed,
				Err:      fmt.Errorf("panic: %v", r),
				Duration: time.Since(start),
			}
		}
	}()
	return d.Processor.Process(ctx, entry)
}

func (d *Driver) record(ctx context.Context, logger *slog.Logger, res Result) {
	if d.Recorder == nil || d.RunID == "" {
		return
	}
	row := ledger.Result{
		RunID:    d.RunID,
		Index:    res.Index,
		Image:    res.Image,
		Output:   res.Output,
		Status:   string(res.Status),
		Duration: res.Duration,
	}
	if res.Err != nil {
		row.Error = res.Err.Error()
	}
	if err := d.Recorder.Record(ctx, row); err != nil {
		logging.WarnWithContext(logger, "ledger record failed", "ledger_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run history is incomplete"),
		)
	}
}

// Totals converts report counts for the ledger.
func (r *Report) Totals() ledger.Totals {
	return ledger.Totals{
		Processed: r.Count(StatusEncoded),
		Skipped:   r.Count(StatusSkipped),
		Failed:    r.Count(StatusFailed),
	}
}
