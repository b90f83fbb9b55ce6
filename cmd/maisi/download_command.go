package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"maisi/internal/fileutil"
	"maisi/internal/logging"
	"maisi/internal/modelzoo"
	"maisi/internal/preflight"
)

type downloadOptions struct {
	version       string
	list          bool
	quiet         bool
	skipPreflight bool
	format        string
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var opts downloadOptions

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the pretrained model artifacts of a release",
		Long: "Fetch the checkpoints and data files of a model release into the model\n" +
			"directory. Files that already exist are left untouched; a configured mirror\n" +
			"directory is consulted before the network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.version, "version", "", fmt.Sprintf("Model release (%s)", strings.Join(modelzoo.Versions(), ", ")))
	flags.BoolVar(&opts.list, "list", false, "List the artifacts and their destinations without downloading")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log warnings and errors")
	flags.BoolVar(&opts.skipPreflight, "skip-preflight", false, "Do not run readiness checks")
	flags.StringVar(&opts.format, "format", formatText, "Output format: text, json or yaml")
	return cmd
}

func runDownload(cmd *cobra.Command, cc *commandContext, opts downloadOptions) error {
	cfg := cc.configValue()
	if cfg == nil {
		return errors.New("configuration unavailable")
	}
	version := strings.TrimSpace(opts.version)
	if version == "" {
		version = cfg.Download.Version
	}
	tasks, err := modelzoo.Plan(version, cfg.Paths.ModelDir, cfg.Paths.DatasetsRoot)
	if err != nil {
		return err
	}

	if opts.list {
		return writeFormatted(cmd, opts.format, tasks, func() error {
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				present, _ := fileutil.Exists(t.Dest)
				rows = append(rows, []string{t.Path, t.Dest, yesNo(present)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Release %s: %d artifacts\n", version, len(tasks))
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Artifact", "Destination", "Present"}, rows, nil))
			return nil
		})
	}

	logger, _, err := cc.logger("download", 0)
	if err != nil {
		return err
	}
	if !opts.skipPreflight {
		if err := printPreflight(cmd.ErrOrStderr(), preflight.ForDownload(cfg)); err != nil {
			return err
		}
	}

	downloader := modelzoo.NewDownloader(modelzoo.Options{
		Client:      &http.Client{Timeout: cfg.DownloadTimeout()},
		Concurrency: cfg.Download.Concurrency,
		Retries:     cfg.Download.Retries,
		MirrorDir:   cfg.Download.MirrorDir,
		Logger:      logger,
		Quiet:       opts.quiet,
	})
	results, fetchErr := downloader.Fetch(cmd.Context(), tasks)
	summary := modelzoo.Summarize(results)
	logger.Info("download finished",
		logging.String("version", version),
		logging.Int("downloaded", summary.Downloaded),
		logging.Int("mirrored", summary.Mirrored),
		logging.Int("existing", summary.Existing),
		logging.Int("failed", summary.Failed),
		logging.Int64("bytes", summary.Bytes),
	)

	view := struct {
		Version string            `json:"version" yaml:"version"`
		Summary modelzoo.Summary  `json:"summary" yaml:"summary"`
		Results []modelzoo.Result `json:"results" yaml:"results"`
	}{version, summary, results}
	if err := writeFormatted(cmd, opts.format, view, func() error {
		printDownloadSummary(cmd, version, summary, results)
		return nil
	}); err != nil {
		return err
	}
	return fetchErr
}

func printDownloadSummary(cmd *cobra.Command, version string, s modelzoo.Summary, results []modelzoo.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Release %s: %d downloaded, %d mirrored, %d already present, %d failed (%s)\n",
		version, s.Downloaded, s.Mirrored, s.Existing, s.Failed, formatBytes(s.Bytes))
	var rows [][]string
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		rows = append(rows, []string{r.Path, r.Err.Error()})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Artifact", "Error"}, rows, nil))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
