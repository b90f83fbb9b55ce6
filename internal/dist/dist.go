// Package dist holds the little coordination a rank-partitioned job needs:
// resolving rank and world size, making sure a rank runs only once, and the
// collective teardown at the end of a job.
//
// Ranks never exchange work. The teardown is a file barrier in the state
// directory: each rank drops a done marker and waits until every rank has
// one.
package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"maisi/internal/fileutil"
	"maisi/internal/logging"
)

// ErrRankLocked is returned when another process already holds the rank.
var ErrRankLocked = errors.New("rank already running")

// Environment variables set by torchrun style launchers.
const (
	EnvRank      = "RANK"
	EnvLocalRank = "LOCAL_RANK"
	EnvWorldSize = "WORLD_SIZE"
)

const defaultPollInterval = 2 * time.Second

// Flags holds rank and world size given on the command line. A negative
// Rank or a WorldSize below 1 means the flag was not set.
type Flags struct {
	Rank      int
	WorldSize int
}

// Unset returns Flags with neither value given.
func Unset() Flags { return Flags{Rank: -1} }

// Resolve picks rank and world size from the command line, then launcher
// environment variables, then the configured values, and validates the
// result.
func Resolve(rank, world int, flags Flags) (int, int, error) {
	switch {
	case flags.WorldSize > 0:
		world = flags.WorldSize
	default:
		if v, ok := lookupInt(EnvWorldSize); ok {
			world = v
		}
	}
	if flags.Rank >= 0 {
		rank = flags.Rank
	} else {
		for _, key := range []string{EnvRank, EnvLocalRank} {
			if v, ok := lookupInt(key); ok {
				rank = v
				break
			}
		}
	}
	if world < 1 {
		return 0, 0, fmt.Errorf("world size %d must be at least 1", world)
	}
	if rank < 0 || rank >= world {
		return 0, 0, fmt.Errorf("rank %d outside [0, %d)", rank, world)
	}
	return rank, world, nil
}

func lookupInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Options configures Join.
type Options struct {
	Rank           int
	WorldSize      int
	StateDir       string
	Job            string
	BarrierTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// Group is this process's membership in a job.
type Group struct {
	rank    int
	world   int
	dir     string
	lock    *flock.Flock
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// Join claims the rank for job. It fails with ErrRankLocked when another live
// process already holds it.
func Join(opts Options) (*Group, error) {
	if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("join: invalid rank %d of %d", opts.Rank, opts.WorldSize)
	}
	job := strings.TrimSpace(opts.Job)
	if job == "" {
		job = "default"
	}
	dir := filepath.Join(opts.StateDir, "dist", job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("join: ensure %s: %w", dir, err)
	}

	g := &Group{
		rank:    opts.Rank,
		world:   opts.WorldSize,
		dir:     dir,
		lock:    flock.New(filepath.Join(dir, fmt.Sprintf("rank-%d.lock", opts.Rank))),
		timeout: opts.BarrierTimeout,
		poll:    opts.PollInterval,
		logger:  logging.NewComponentLogger(opts.Logger, "dist"),
	}
	if g.poll <= 0 {
		g.poll = defaultPollInterval
	}

	ok, err := g.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("join: acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("join: rank %d of job %s: %w", opts.Rank, job, ErrRankLocked)
	}
	if err := os.Remove(g.marker(g.rank)); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = g.lock.Unlock()
		return nil, fmt.Errorf("join: clear done marker: %w", err)
	}
	return g, nil
}

func (g *Group) Rank() int      { return g.rank }
func (g *Group) WorldSize() int { return g.world }

// Single reports whether the job runs on one worker.
func (g *Group) Single() bool { return g.world == 1 }

func (g *Group) marker(rank int) string {
	return filepath.Join(g.dir, fmt.Sprintf("rank-%d.done", rank))
}

// Close tears down the group. With several workers it marks this rank done
// and waits for the others until the barrier timeout. The rank lock is
// released either way.
func (g *Group) Close(ctx context.Context) error {
	defer func() {
		if err := g.lock.Unlock(); err != nil {
			g.logger.Warn("release rank lock failed", logging.Error(err))
		}
	}()
	if g.Single() {
		return nil
	}

	stamp := time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := fileutil.WriteAtomic(g.marker(g.rank), func(w io.Writer) error {
		_, err := io.WriteString(w, stamp)
		return err
	}); err != nil {
		return fmt.Errorf("barrier: write done marker: %w", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		missing := g.missing()
		if len(missing) == 0 {
			g.logger.Info("all ranks finished", logging.Int("world_size", g.world))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("barrier: ranks %v not finished: %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Group) missing() []int {
	var out []int
	for r := range g.world {
		if ok, _ := fileutil.Exists(g.marker(r)); !ok {
			out = append(out, r)
		}
	}
	return out
}
