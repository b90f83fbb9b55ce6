package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maisi/internal/fileutil"
	"maisi/internal/inferer"
	"maisi/internal/logging"
	"maisi/internal/manifest"
	"maisi/internal/ndarray"
	"maisi/internal/runtime"
	"maisi/internal/transform"
	"maisi/internal/volume"
)

// Processor encodes single manifest entries.
type Processor struct {
	dataDir      string
	embeddingDir string
	baseDim      int
	encoder      runtime.Encoder
	window       *inferer.SlidingWindow
	logger       *slog.Logger

	probe func(path string) (volume.Header, error)
	build func(modality string, target *[3]int) *transform.Pipeline
	write func(path string, v *volume.Volume) error
}

// ProcessorConfig holds the inputs of NewProcessor.
type ProcessorConfig struct {
	DataBaseDir      string
	EmbeddingBaseDir string
	BaseDim          int
	Encoder          runtime.Encoder
	Window           *inferer.SlidingWindow
	Logger           *slog.Logger
}

// NewProcessor validates cfg and returns a processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Encoder == nil {
		return nil, errors.New("embedding: encoder required")
	}
	if cfg.EmbeddingBaseDir == "" {
		return nil, errors.New("embedding: embedding base directory required")
	}
	window := cfg.Window
	if window == nil {
		window = inferer.NewSlidingWindow(inferer.DefaultROI, inferer.DefaultOverlap, ndarray.FP32, cfg.Logger)
	}
	return &Processor{
		dataDir:      cfg.DataBaseDir,
		embeddingDir: cfg.EmbeddingBaseDir,
		baseDim:      cfg.BaseDim,
		encoder:      cfg.Encoder,
		window:       window,
		logger:       logging.NewComponentLogger(cfg.Logger, "embedding"),
		probe:        volume.ProbeHeader,
		build:        transform.Build,
		write:        volume.Write,
	}, nil
}

// Output returns the latent path for entry under the embedding directory.
func (p *Processor) Output(entry manifest.Entry) string {
	return OutputPath(p.embeddingDir, entry.Image)
}

// Process encodes one entry. An existing output short-circuits everything
// else. Errors are returned inside the Result.
func (p *Processor) Process(ctx context.Context, entry manifest.Entry) Result {
	start := time.Now()
	res := Result{
		Index:    entry.Index,
		Image:    entry.Image,
		Modality: entry.Modality,
		Output:   p.Output(entry),
	}
	logger := logging.WithContext(ctx, p.logger)

	exists, err := fileutil.Exists(res.Output)
	if err != nil {
		return p.fail(res, start, &StageError{Stage: StageProbe, Err: err})
	}
	if exists {
		res.Status = StatusSkipped
		res.Duration = time.Since(start)
		logger.Info("output exists, skipping", logging.String("output", res.Output))
		return res
	}

	input := InputPath(p.dataDir, entry.Image)
	hdr, err := p.probe(input)
	if err != nil {
		return p.fail(res, start, &StageError{Stage: StageProbe, Err: err})
	}
	geom := hdr.Geometry()
	res.OldDim = geom.Dim
	res.Spacing = geom.Spacing
	res.NewDim = transform.TargetDim(geom.Dim, p.baseDim)
	logger.Info("resolved target size",
		logging.Any("old_dim", res.OldDim),
		logging.Any("new_dim", res.NewDim),
		logging.Any("spacing", res.Spacing),
	)

	target := res.NewDim
	pipeline := p.build(entry.Modality, &target)
	vol, err := pipeline.Apply(input)
	if err != nil {
		return p.fail(res, start, &StageError{Stage: StageTransform, Err: err})
	}
	logger.Debug("transformed volume",
		logging.Any("stages", pipeline.StageNames()),
		logging.Any("shape", vol.Data.Shape),
	)

	batch := vol.Data.Unsqueeze(0)
	z, err := inferer.DynamicInfer(ctx, p.window, batch, p.encoder.Encode)
	if err != nil {
		return p.fail(res, start, &StageError{Stage: StageEncode, Err: err})
	}
	latent, err := channelsLast(z)
	if err != nil {
		return p.fail(res, start, &StageError{Stage: StageEncode, Err: err})
	}
	res.LatentShape = latent.Shape
	logger.Info("encoded latent",
		logging.Any("latent_shape", latent.Shape),
		logging.String("affine", vol.Affine.String()),
	)

	out := &volume.Volume{Data: latent, Affine: vol.Affine, DType: volume.Float32, Source: input}
	if err := p.write(res.Output, out); err != nil {
		return p.fail(res, start, &StageError{Stage: StageWrite, Err: err})
	}
	res.Status = StatusEncoded
	res.Duration = time.Since(start)
	logger.Info("latent written",
		logging.String("output", res.Output),
		logging.Duration("elapsed", res.Duration),
	)
	return res
}

func (p *Processor) fail(res Result, start time.Time, err error) Result {
	res.Status = StatusFailed
	res.Err = err
	res.Duration = time.Since(start)
	return res
}

// channelsLast drops the batch axis of a [1, C, X, Y, Z] latent and moves
// channels last.
func channelsLast(z *ndarray.Array) (*ndarray.Array, error) {
	if z == nil || z.Rank() != 5 || z.Shape[0] != 1 {
		return nil, fmt.Errorf("latent must be [1, C, X, Y, Z], got %v", shapeOf(z))
	}
	squeezed, err := z.Reshape(z.Shape[1:]...)
	if err != nil {
		return nil, err
	}
	return ndarray.Permute(squeezed, 1, 2, 3, 0)
}

func shapeOf(a *ndarray.Array) []int {
	if a == nil {
		return nil
	}
	return a.Shape
}
