package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"maisi/internal/embedding"
	"maisi/internal/fileutil"
	"maisi/internal/transform"
	"maisi/internal/volume"
)

type probeView struct {
	Path       string     `json:"path" yaml:"path"`
	DType      string     `json:"dtype" yaml:"dtype"`
	Dim        [3]int     `json:"dim" yaml:"dim"`
	Spacing    [3]float64 `json:"spacing" yaml:"spacing"`
	TargetDim  [3]int     `json:"target_dim" yaml:"target_dim"`
	Modality   string     `json:"modality,omitempty" yaml:"modality,omitempty"`
	Stages     []string   `json:"stages" yaml:"stages"`
	Output     string     `json:"output,omitempty" yaml:"output,omitempty"`
	OutputDone bool       `json:"output_exists" yaml:"output_exists"`
}

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var (
		modality string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "probe <image>...",
		Short: "Show the geometry and encoding plan of NIfTI volumes",
		Long: "Read only the header of each volume and print its RAS geometry, the dimension\n" +
			"it will be resized to and the transform stages it will pass through. Relative\n" +
			"paths are resolved against data_base_dir.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			views := make([]probeView, 0, len(args))
			for _, arg := range args {
				path := embedding.InputPath(cfg.Paths.DataBaseDir, arg)
				hdr, err := volume.ProbeHeader(path)
				if err != nil {
					return err
				}
				dtype, err := hdr.DType()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				geom := hdr.OrientedGeometry()
				target := transform.TargetDim(geom.Dim, cfg.Autoencoder.BaseDim)
				pipeline := transform.Build(modality, &target)
				output := embedding.OutputPath(cfg.Paths.EmbeddingBaseDir, arg)
				exists, _ := fileutil.Exists(output)
				views = append(views, probeView{
					Path:       path,
					DType:      string(dtype),
					Dim:        geom.Dim,
					Spacing:    geom.Spacing,
					TargetDim:  target,
					Modality:   pipeline.Modality(),
					Stages:     pipeline.StageNames(),
					Output:     output,
					OutputDone: exists,
				})
			}
			return writeFormatted(cmd, format, views, func() error {
				printProbe(cmd.OutOrStdout(), views)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&modality, "modality", "m", "", "Modality descriptor used to pick intensity scaling (ct, mri, ...)")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text, json or yaml")
	return cmd
}

func printProbe(out io.Writer, views []probeView) {
	for i, v := range views {
		if i > 0 {
			fmt.Fprintln(out)
		}
		modality := v.Modality
		if modality == "" {
			modality = "-"
		}
		fmt.Fprintln(out, renderKeyValues([][2]string{
			{"Image", v.Path},
			{"Type", v.DType},
			{"Dim (RAS)", fmt.Sprintf("%d x %d x %d", v.Dim[0], v.Dim[1], v.Dim[2])},
			{"Spacing (mm)", fmt.Sprintf("%.3g x %.3g x %.3g", v.Spacing[0], v.Spacing[1], v.Spacing[2])},
			{"Target dim", fmt.Sprintf("%d x %d x %d", v.TargetDim[0], v.TargetDim[1], v.TargetDim[2])},
			{"Modality", modality},
			{"Stages", fmt.Sprint(v.Stages)},
			{"Output", v.Output},
			{"Encoded", yesNo(v.OutputDone)},
		}))
	}
}
