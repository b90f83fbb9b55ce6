package embedding

import (
	"errors"
	"fmt"
	"time"
)

// Status is the terminal state of one entry.
type Status string

const (
	StatusEncoded Status = "encoded"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Processing stages recorded on failure.
const (
	StageProbe     = "probe"
	StageTransform = "transform"
	StageEncode    = "encode"
	StageWrite     = "write"
)

// StageError attributes a failure to a processing stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded in err, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Result is the outcome of one manifest entry.
type Result struct {
	Index       int
	Image       string
	Modality    string
	Output      string
	Status      Status
	Err         error
	OldDim      [3]int
	NewDim      [3]int
	Spacing     [3]float64
	LatentShape []int
	Duration    time.Duration
}

// Report collects the results of one rank's run.
type Report struct {
	RunID       string
	Rank        int
	WorldSize   int
	Total       int
	Assigned    int
	StartedAt   time.Time
	FinishedAt  time.Time
	Results     []Result
	Interrupted error
}

// Count returns the number of results with status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Failures returns the failed results in processing order.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Complete reports whether every assigned entry was visited.
func (r *Report) Complete() bool {
	return r.Interrupted == nil && len(r.Results) == r.Assigned
}
