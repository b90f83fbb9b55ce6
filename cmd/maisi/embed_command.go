package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"maisi/internal/config"
	"maisi/internal/dist"
	"maisi/internal/embedding"
	"maisi/internal/inferer"
	"maisi/internal/ledger"
	"maisi/internal/logging"
	"maisi/internal/manifest"
	"maisi/internal/ndarray"
	"maisi/internal/preflight"
	"maisi/internal/runtime"
)

const finishTimeout = 10 * time.Second

type embedOptions struct {
	rank          int
	worldSize     int
	job           string
	envFile       string
	modelFile     string
	skipPreflight bool
	format        string
}

func newEmbedCommand(ctx *commandContext) *cobra.Command {
	opts := embedOptions{rank: -1, worldSize: -1}

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Encode the training manifest into latent embeddings for this rank",
		Long: "Encode every manifest entry assigned to this rank (index mod world size) into a\n" +
			"latent volume next to the embedding base directory. Entries whose output already\n" +
			"exists are skipped; failed entries are reported and the run continues.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmbed(cmd, ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.rank, "rank", -1, "Rank of this worker (default from config or RANK)")
	flags.IntVar(&opts.worldSize, "world-size", -1, "Number of workers (default from config or WORLD_SIZE)")
	flags.StringVar(&opts.job, "job", "embed", "Job name shared by all ranks of one run")
	flags.StringVarP(&opts.envFile, "environment-file", "e", "", "Environment JSON document (data_base_dir, embedding_base_dir, ...)")
	flags.StringVarP(&opts.modelFile, "model-config", "t", "", "Model JSON document (autoencoder sliding window settings)")
	flags.BoolVar(&opts.skipPreflight, "skip-preflight", false, "Do not run readiness checks")
	flags.StringVar(&opts.format, "format", formatText, "Summary format: text, json or yaml")
	return cmd
}

func runEmbed(cmd *cobra.Command, cc *commandContext, opts embedOptions) error {
	cfg := cc.configValue()
	if cfg == nil {
		return errors.New("configuration unavailable")
	}
	if opts.envFile != "" || opts.modelFile != "" {
		settings, err := config.LoadDocuments(cfg.Paths.DatasetsRoot, opts.envFile, opts.modelFile)
		if err != nil {
			return err
		}
		if err := cfg.ApplyDocuments(settings); err != nil {
			return fmt.Errorf("apply documents: %w", err)
		}
	}

	rank, world, err := dist.Resolve(cfg.Distributed.Rank, cfg.Distributed.WorldSize,
		dist.Flags{Rank: opts.rank, WorldSize: opts.worldSize})
	if err != nil {
		return err
	}

	logger, logPath, err := cc.logger("embed", rank)
	if err != nil {
		return err
	}
	if logPath != "" {
		logger.Info("logging to file", logging.String("path", logPath))
	}

	if err := cfg.EnsureEmbeddingDirectory(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if !opts.skipPreflight {
		if err := printPreflight(cmd.ErrOrStderr(), preflight.ForEmbedding(ctx, cfg)); err != nil {
			return err
		}
	}

	entries, err := manifest.Load(cfg.Paths.Manifest)
	if err != nil {
		return err
	}

	group, err := dist.Join(dist.Options{
		Rank:           rank,
		WorldSize:      world,
		StateDir:       cfg.Paths.StateDir,
		Job:            opts.job,
		BarrierTimeout: cfg.BarrierTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	joined := true
	defer func() {
		if joined {
			// Setup failures and interrupts release the rank without waiting
			// for peers.
			released, cancel := context.WithCancel(context.Background())
			cancel()
			_ = group.Close(released)
		}
	}()

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := loadAutoencoder(ctx, backend, cfg); err != nil {
		return err
	}
	precision, err := ndarray.ParsePrecision(cfg.Autoencoder.Precision)
	if err != nil {
		return err
	}
	window := inferer.NewSlidingWindow(cfg.SlidingWindowROI(), cfg.Autoencoder.SlidingWindowOverlap, precision, logger)
	processor, err := embedding.NewProcessor(embedding.ProcessorConfig{
		DataBaseDir:      cfg.Paths.DataBaseDir,
		EmbeddingBaseDir: cfg.Paths.EmbeddingBaseDir,
		BaseDim:          cfg.Autoencoder.BaseDim,
		Encoder:          backend,
		Window:           window,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer store.Close()
	run, err := store.BeginRun(ctx, "", "embed", rank, world)
	if err != nil {
		return err
	}

	driver := &embedding.Driver{Processor: processor, Recorder: store, RunID: run.ID, Logger: logger}
	report := driver.Run(ctx, entries, rank, world)

	status := ledger.RunCompleted
	if report.Interrupted != nil {
		status = ledger.RunAborted
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := store.FinishRun(finishCtx, run.ID, status, report.Totals(), report.Interrupted); err != nil {
		logging.WarnWithContext(logger, "ledger finish failed", "ledger_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run shows as running in reports"),
		)
	}

	if err := writeFormatted(cmd, opts.format, newEmbedSummary(report), func() error {
		printEmbedSummary(cmd.OutOrStdout(), report)
		return nil
	}); err != nil {
		return err
	}

	if report.Interrupted != nil {
		return report.Interrupted
	}
	joined = false
	return waitForRanks(ctx, group, logger)
}

// waitForRanks runs the teardown barrier. A cancelled command releases the
// rank without waiting.
func waitForRanks(ctx context.Context, group *dist.Group, logger *slog.Logger) error {
	if group.Single() {
		return group.Close(ctx)
	}
	logger.Info("waiting for other ranks", logging.Int("world_size", group.WorldSize()))
	if err := group.Close(ctx); err != nil {
		return fmt.Errorf("wait for ranks: %w", err)
	}
	return nil
}

// loadAutoencoder hands the encoder checkpoint to the runtime. Any failure
// is fatal for the run.
func loadAutoencoder(ctx context.Context, loader runtime.Loader, cfg *config.Config) error {
	spec := runtime.ModelSpec{
		Role:       runtime.RoleAutoencoder,
		Checkpoint: cfg.Autoencoder.Checkpoint,
		StateKey:   cfg.Autoencoder.StateKey,
	}
	if path := strings.TrimSpace(cfg.Autoencoder.Definition); path != "" {
		def, err := loadDefinition(path)
		if err != nil {
			return err
		}
		spec.Definition = def
	}
	if err := loader.Load(ctx, spec); err != nil {
		return fmt.Errorf("load autoencoder: %w", err)
	}
	return nil
}

// loadDefinition reads a network definition document. A model document with
// an autoencoder_def key yields that entry; otherwise the whole document.
func loadDefinition(path string) (map[string]any, error) {
	doc, err := config.ReadDocument(path)
	if err != nil {
		return nil, fmt.Errorf("autoencoder definition: %w", err)
	}
	settings := config.Merge(doc)
	if v, ok := settings.Get("autoencoder_def"); ok {
		if def, ok := v.(map[string]any); ok {
			return def, nil
		}
	}
	return settings.Map(), nil
}

type embedFailure struct {
	Index int    `json:"index" yaml:"index"`
	Image string `json:"image" yaml:"image"`
	Stage string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Error string `json:"error" yaml:"error"`
}

type embedSummary struct {
	RunID       string         `json:"run_id" yaml:"run_id"`
	Rank        int            `json:"rank" yaml:"rank"`
	WorldSize   int            `json:"world_size" yaml:"world_size"`
	Total       int            `json:"total" yaml:"total"`
	Assigned    int            `json:"assigned" yaml:"assigned"`
	Encoded     int            `json:"encoded" yaml:"encoded"`
	Skipped     int            `json:"skipped" yaml:"skipped"`
	Failed      int            `json:"failed" yaml:"failed"`
	Complete    bool           `json:"complete" yaml:"complete"`
	Interrupted string         `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Elapsed     string         `json:"elapsed" yaml:"elapsed"`
	Failures    []embedFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

func newEmbedSummary(r *embedding.Report) embedSummary {
	s := embedSummary{
		RunID:     r.RunID,
		Rank:      r.Rank,
		WorldSize: r.WorldSize,
		Total:     r.Total,
		Assigned:  r.Assigned,
		Encoded:   r.Count(embedding.StatusEncoded),
		Skipped:   r.Count(embedding.StatusSkipped),
		Failed:    r.Count(embedding.StatusFailed),
		Complete:  r.Complete(),
		Elapsed:   r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	}
	if r.Interrupted != nil {
		s.Interrupted = r.Interrupted.Error()
	}
	for _, f := range r.Failures() {
		s.Failures = append(s.Failures, embedFailure{
			Index: f.Index,
			Image: f.Image,
			Stage: embedding.StageOf(f.Err),
			Error: f.Err.Error(),
		})
	}
	return s
}

func printEmbedSummary(out io.Writer, r *embedding.Report) {
	s := newEmbedSummary(r)
	fmt.Fprintf(out, "Run %s (rank %d of %d)\n", s.RunID, s.Rank, s.WorldSize)
	fmt.Fprintf(out, "Assigned %d of %d entries: %d encoded, %d skipped, %d failed in %s\n",
		s.Assigned, s.Total, s.Encoded, s.Skipped, s.Failed, s.Elapsed)
	if len(s.Failures) > 0 {
		rows := make([][]string, 0, len(s.Failures))
		for _, f := range s.Failures {
			rows = append(rows, []string{fmt.Sprint(f.Index), f.Image, f.Stage, f.Error})
		}
		fmt.Fprintln(out, renderTable([]string{"#", "Image", "Stage", "Error"}, rows, []columnAlignment{alignRight}))
	}
	if s.Interrupted != "" {
		fmt.Fprintf(out, "Interrupted: %s\n", s.Interrupted)
	}
}
