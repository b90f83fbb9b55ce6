package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"maisi/internal/config"
	"maisi/internal/inference"
	"maisi/internal/ledger"
	"maisi/internal/logging"
	"maisi/internal/preflight"
	"maisi/internal/runtime"
)

type inferOptions struct {
	envFile       string
	modelFile     string
	inferFile     string
	num           int
	seed          int64
	dryRun        bool
	skipPreflight bool
	format        string
}

func newInferCommand(ctx *commandContext) *cobra.Command {
	var opts inferOptions

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Generate synthetic image and label volumes",
		Long: "Validate the inference request, load the five generation models and write\n" +
			"num_output_samples image/label pairs to the output directory. Masks come\n" +
			"from the candidate database unless controllable_anatomy_size is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfer(cmd, ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.envFile, "environment-file", "e", "", "Environment JSON document")
	flags.StringVarP(&opts.modelFile, "model-config", "t", "", "Model definition JSON document")
	flags.StringVarP(&opts.inferFile, "inference-file", "i", "", "Inference request JSON document")
	flags.IntVarP(&opts.num, "num", "n", 0, "Number of samples (default from the documents)")
	flags.Int64Var(&opts.seed, "seed", 0, "Base random seed; sample i uses seed+i")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Validate the request and inspect checkpoints without generating")
	flags.BoolVar(&opts.skipPreflight, "skip-preflight", false, "Do not run readiness checks")
	flags.StringVar(&opts.format, "format", formatText, "Output format: text, json or yaml")
	return cmd
}

func runInfer(cmd *cobra.Command, cc *commandContext, opts inferOptions) error {
	cfg := cc.configValue()
	if cfg == nil {
		return errors.New("configuration unavailable")
	}
	applyInferFlags(cmd, cfg, opts)

	settings, err := inference.LoadSettings(cfg)
	if err != nil {
		return err
	}
	var labels inference.LabelDict
	if strings.TrimSpace(settings.LabelDictJSON) != "" {
		if labels, err = inference.LoadLabelDict(settings.LabelDictJSON); err != nil {
			return err
		}
	}
	if err := settings.Validate(labels); err != nil {
		return err
	}

	if opts.dryRun {
		specs, err := settings.InspectModels()
		if err != nil {
			return err
		}
		return writeFormatted(cmd, opts.format, specs, func() error {
			printModelSpecs(cmd.OutOrStdout(), specs)
			fmt.Fprintln(cmd.OutOrStdout(), "Inference request valid")
			return nil
		})
	}

	logger, logPath, err := cc.logger("infer", 0)
	if err != nil {
		return err
	}
	if logPath != "" {
		logger.Info("logging to file", logging.String("path", logPath))
	}
	ctx := cmd.Context()
	if !opts.skipPreflight {
		if err := printPreflight(cmd.ErrOrStderr(), preflight.ForInference(ctx, cfg, settings.OutputDir)); err != nil {
			return err
		}
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	if _, err := inference.LoadModels(ctx, backend, settings, logger); err != nil {
		return err
	}
	sampler, err := inference.NewSampler(settings, backend, labels, logger)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer store.Close()
	run, err := store.BeginRun(ctx, "", "infer", 0, 1)
	if err != nil {
		return err
	}

	samples, sampleErr := sampler.SampleMultiple(ctx, opts.num)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	recordSamples(finishCtx, store, run.ID, samples, logger)
	status := ledger.RunCompleted
	totals := ledger.Totals{Processed: len(samples)}
	if sampleErr != nil {
		status = ledger.RunAborted
		totals.Failed = 1
	}
	if err := store.FinishRun(finishCtx, run.ID, status, totals, sampleErr); err != nil {
		logging.WarnWithContext(logger, "ledger finish failed", "ledger_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run shows as running in reports"),
		)
	}

	if err := writeFormatted(cmd, opts.format, samples, func() error {
		printSamples(cmd.OutOrStdout(), settings.OutputDir, samples)
		return nil
	}); err != nil {
		return err
	}
	return sampleErr
}

// applyInferFlags overrides the inference section of cfg with explicit
// command line values.
func applyInferFlags(cmd *cobra.Command, cfg *config.Config, opts inferOptions) {
	if opts.envFile != "" {
		cfg.Inference.EnvironmentFile = opts.envFile
	}
	if opts.modelFile != "" {
		cfg.Inference.ConfigFile = opts.modelFile
	}
	if opts.inferFile != "" {
		cfg.Inference.InferenceFile = opts.inferFile
	}
	if cmd.Flags().Changed("seed") {
		seed := opts.seed
		cfg.Inference.RandomSeed = &seed
	}
}

func recordSamples(ctx context.Context, store *ledger.Store, runID string, samples []inference.Sample, logger *slog.Logger) {
	for _, s := range samples {
		err := store.Record(ctx, ledger.Result{
			RunID:    runID,
			Index:    s.Index,
			Image:    s.Image,
			Output:   s.Label,
			Status:   s.MaskSource,
			Duration: s.Duration,
		})
		if err != nil {
			logging.WarnWithContext(logger, "ledger record failed", "ledger_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "run history is incomplete"),
			)
			return
		}
	}
}

func printModelSpecs(out io.Writer, specs []runtime.ModelSpec) {
	rows := make([][]string, 0, len(specs))
	for _, s := range specs {
		scale := ""
		if s.ScaleFactor != 0 {
			scale = fmt.Sprintf("%g", s.ScaleFactor)
		}
		rows = append(rows, []string{s.Role, s.Checkpoint, s.StateKey, fmt.Sprint(s.Tensors), scale})
	}
	fmt.Fprintln(out, renderTable([]string{"Role", "Checkpoint", "State key", "Tensors", "Scale"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
}

func printSamples(out io.Writer, dir string, samples []inference.Sample) {
	fmt.Fprintf(out, "Wrote %d samples to %s\n", len(samples), dir)
	if len(samples) == 0 {
		return
	}
	rows := make([][]string, 0, len(samples))
	for _, s := range samples {
		source := s.MaskSource
		if s.Candidate != "" {
			source += " (" + s.Candidate + ")"
		}
		rows = append(rows, []string{fmt.Sprint(s.Index), fmt.Sprint(s.Seed), s.Image, s.Label, source})
	}
	fmt.Fprintln(out, renderTable([]string{"#", "Seed", "Image", "Label", "Mask"}, rows,
		[]columnAlignment{alignRight, alignRight}))
}
