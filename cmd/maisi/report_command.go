package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"maisi/internal/ledger"
)

func newReportCommand(ctx *commandContext) *cobra.Command {
	var (
		limit     int
		format    string
		pruneDays int
	)

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Show recorded runs or the per-entry results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if cfg == nil {
				return errors.New("configuration unavailable")
			}
			store, err := ledger.Open(cfg.LedgerPath())
			if err != nil {
				return err
			}
			defer store.Close()

			if pruneDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -pruneDays)
				removed, err := store.Prune(cmd.Context(), cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs started before %s\n", removed, cutoff.Format(time.DateOnly))
				return nil
			}

			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				results, err := store.Results(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				view := struct {
					Run     ledger.Run      `json:"run" yaml:"run"`
					Results []ledger.Result `json:"results" yaml:"results"`
				}{run, results}
				return writeFormatted(cmd, format, view, func() error {
					printRunDetail(cmd.OutOrStdout(), run, results)
					return nil
				})
			}

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeFormatted(cmd, format, runs, func() error {
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list (0 for all)")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, json or yaml")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 0, "Delete runs older than this many days")
	return cmd
}

func printRuns(out io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.Command,
			fmt.Sprintf("%d/%d", r.Rank, r.WorldSize),
			r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			runElapsed(r),
			fmt.Sprint(r.Processed),
			fmt.Sprint(r.Skipped),
			fmt.Sprint(r.Failed),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Run", "Command", "Rank", "Status", "Started", "Elapsed", "Done", "Skipped", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
}

func printRunDetail(out io.Writer, run ledger.Run, results []ledger.Result) {
	kv := [][2]string{
		{"Run", run.ID},
		{"Command", run.Command},
		{"Rank", fmt.Sprintf("%d of %d", run.Rank, run.WorldSize)},
		{"Status", run.Status},
		{"Started", run.StartedAt.Local().Format(time.DateTime)},
		{"Elapsed", runElapsed(run)},
		{"Totals", fmt.Sprintf("%d done, %d skipped, %d failed", run.Processed, run.Skipped, run.Failed)},
	}
	if run.Error != "" {
		kv = append(kv, [2]string{"Error", run.Error})
	}
	fmt.Fprintln(out, renderKeyValues(kv))
	if len(results) == 0 {
		return
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		detail := r.Output
		if r.Error != "" {
			detail = r.Error
		}
		rows = append(rows, []string{fmt.Sprint(r.Index), r.Image, r.Status, r.Duration.Round(time.Millisecond).String(), detail})
	}
	fmt.Fprintln(out, renderTable([]string{"#", "Image", "Status", "Duration", "Output / error"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight}))
}

func runElapsed(r ledger.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}
