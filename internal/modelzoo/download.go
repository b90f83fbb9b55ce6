package modelzoo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"maisi/internal/fileutil"
	"maisi/internal/logging"
)

const (
	defaultConcurrency = 4
	defaultRetries     = 3
	defaultUserAgent   = "maisi-modelzoo"
)

// Outcome of one artifact.
const (
	OutcomeDownloaded = "downloaded"
	OutcomeMirrored   = "mirrored"
	OutcomeExisting   = "existing"
	OutcomeFailed     = "failed"
)

// Task pairs an artifact with its resolved destination.
type Task struct {
	Artifact
	Dest string `json:"dest" yaml:"dest"`
}

// Result describes what happened to one task.
type Result struct {
	Task     `yaml:",inline"`
	Outcome  string        `json:"outcome" yaml:"outcome"`
	Bytes    int64         `json:"bytes" yaml:"bytes"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Err      error         `json:"-" yaml:"-"`
}

// Plan resolves the catalog of version into download tasks.
func Plan(version, modelDir, datasetsRoot string) ([]Task, error) {
	artifacts, err := Catalog(version)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, len(artifacts))
	for i, a := range artifacts {
		tasks[i] = Task{Artifact: a, Dest: Resolve(a, modelDir, datasetsRoot)}
	}
	return tasks, nil
}

// Options configures a Downloader.
type Options struct {
	Client      *http.Client
	Concurrency int
	Retries     int
	MirrorDir   string
	Logger      *slog.Logger
	// Quiet drops per-file progress below warnings.
	Quiet bool
}

// Downloader fetches artifacts concurrently.
type Downloader struct {
	client      *http.Client
	concurrency int
	retries     int
	mirrorDir   string
	logger      *slog.Logger
	backoff     func(ctx context.Context, attempt int) error
}

// NewDownloader returns a downloader with opts applied over defaults.
func NewDownloader(opts Options) *Downloader {
	logger := logging.NewComponentLogger(opts.Logger, "modelzoo")
	if opts.Quiet {
		logger = logging.NewComponentLoggerAt(opts.Logger, "modelzoo", slog.LevelWarn)
	}
	return &Downloader{
		client:      cmp.Or(opts.Client, http.DefaultClient),
		concurrency: cmp.Or(opts.Concurrency, defaultConcurrency),
		retries:     cmp.Or(opts.Retries, defaultRetries),
		mirrorDir:   opts.MirrorDir,
		logger:      logger,
		backoff:     backoff,
	}
}

// Fetch brings every task's destination into existence. Existing files are
// kept. All tasks are attempted; the returned error joins the failures.
func (d *Downloader) Fetch(ctx context.Context, tasks []Task) ([]Result, error) {
	results := make([]Result, len(tasks))
	sem := semaphore.NewWeighted(int64(d.concurrency))

	var (
		mu   sync.Mutex
		errs []error
		done int
	)
	sampler := logging.NewProgressSampler(25)

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = Result{Task: task, Outcome: OutcomeFailed, Err: err}
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", task.Path, err))
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			res := d.fetchOne(gctx, task)
			results[i] = res

			mu.Lock()
			defer mu.Unlock()
			done++
			if res.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", task.Path, res.Err))
			}
			if sampler.ShouldLogCount(done, len(tasks), "artifacts") {
				d.logger.Info("download progress",
					logging.Int("done", done),
					logging.Int("total", len(tasks)),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (d *Downloader) fetchOne(ctx context.Context, task Task) Result {
	start := time.Now()
	res := Result{Task: task}
	logger := d.logger.With(logging.String("artifact", task.Path))

	exists, err := fileutil.Exists(task.Dest)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if exists {
		res.Outcome = OutcomeExisting
		logger.Debug("artifact present", logging.String("dest", task.Dest))
		return res
	}

	if d.mirrorDir != "" {
		src := filepath.Join(d.mirrorDir, filepath.FromSlash(task.Path))
		if ok, _ := fileutil.Exists(src); ok {
			if err := fileutil.CopyFileVerified(src, task.Dest); err != nil {
				logging.WarnWithContext(logger, "mirror copy failed", "mirror_copy_failed",
					logging.String("source", src),
					logging.Error(err),
					logging.String(logging.FieldImpact, "falling back to download"),
				)
			} else {
				res.Outcome = OutcomeMirrored
				res.Duration = time.Since(start)
				logger.Info("artifact copied from mirror", logging.String("dest", task.Dest))
				return res
			}
		}
	}

	var lastErr error
	for attempt := range d.retries {
		if attempt > 0 {
			if err := d.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
		n, err := d.download(ctx, task)
		if err == nil {
			res.Outcome = OutcomeDownloaded
			res.Bytes = n
			res.Duration = time.Since(start)
			logger.Info("artifact downloaded",
				logging.String("dest", task.Dest),
				logging.Int64("bytes", n),
				logging.Duration("elapsed", res.Duration),
			)
			return res
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errPermanent) {
			break
		}
		logger.Debug("download attempt failed", logging.Int("attempt", attempt+1), logging.Error(err))
	}
	res.Outcome = OutcomeFailed
	res.Err = lastErr
	res.Duration = time.Since(start)
	logging.ErrorWithContext(logger, "artifact download failed", "download_failed",
		logging.String("url", task.URL),
		logging.Error(lastErr),
		logging.String(logging.FieldErrorHint, "check network access or place the file in the mirror directory"),
	)
	return res
}

var errPermanent = errors.New("permanent http failure")

func (d *Downloader) download(ctx context.Context, task Task) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			err = fmt.Errorf("%w: %v", errPermanent, err)
		}
		return 0, err
	}

	out, err := fileutil.CreateAtomic(task.Dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		out.Abort()
		return n, err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		out.Abort()
		return n, fmt.Errorf("short body: %d of %d bytes", n, resp.ContentLength)
	}
	if err := out.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

func backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Second << uint(attempt-1))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Summary counts results by outcome.
type Summary struct {
	Downloaded int   `json:"downloaded" yaml:"downloaded"`
	Mirrored   int   `json:"mirrored" yaml:"mirrored"`
	Existing   int   `json:"existing" yaml:"existing"`
	Failed     int   `json:"failed" yaml:"failed"`
	Bytes      int64 `json:"bytes" yaml:"bytes"`
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case OutcomeDownloaded:
			s.Downloaded++
		case OutcomeMirrored:
			s.Mirrored++
		case OutcomeExisting:
			s.Existing++
		default:
			s.Failed++
		}
		s.Bytes += r.Bytes
	}
	return s
}
