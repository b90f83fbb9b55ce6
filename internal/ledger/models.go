package ledger

import "time"

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// Run is one invocation of a batch command on one rank.
type Run struct {
	ID         string     `json:"id" yaml:"id"`
	Command    string     `json:"command" yaml:"command"`
	Rank       int        `json:"rank" yaml:"rank"`
	WorldSize  int        `json:"world_size" yaml:"world_size"`
	Status     string     `json:"status" yaml:"status"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Processed  int        `json:"processed" yaml:"processed"`
	Skipped    int        `json:"skipped" yaml:"skipped"`
	Failed     int        `json:"failed" yaml:"failed"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is the outcome of one entry within a run.
type Result struct {
	RunID    string        `json:"run_id" yaml:"run_id"`
	Index    int           `json:"index" yaml:"index"`
	Image    string        `json:"image" yaml:"image"`
	Output   string        `json:"output,omitempty" yaml:"output,omitempty"`
	Status   string        `json:"status" yaml:"status"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Totals summarizes a run.
type Totals struct {
	Processed int
	Skipped   int
	Failed    int
}
