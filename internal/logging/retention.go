package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

const logStampLayout = "20060102T150405Z"

// runLogName matches files written by NewFromConfig: <command>-<stamp>-rank<N>.log.
var runLogName = regexp.MustCompile(`^([a-z0-9-]+)-(\d{8}T\d{6}Z)-rank(\d+)\.log$`)

// RunLog identifies one per-invocation log file in the log directory.
type RunLog struct {
	Path    string
	Command string
	Rank    int
	Started time.Time
	// LastWrite is the file modification time.
	LastWrite time.Time
}

// ParseRunLog reports whether name follows the per-command, per-rank log
// naming and returns its parts.
func ParseRunLog(dir, name string) (RunLog, bool) {
	m := runLogName.FindStringSubmatch(name)
	if m == nil {
		return RunLog{}, false
	}
	started, err := time.Parse(logStampLayout, m[2])
	if err != nil {
		return RunLog{}, false
	}
	rank, err := strconv.Atoi(m[3])
	if err != nil {
		return RunLog{}, false
	}
	return RunLog{Path: filepath.Join(dir, name), Command: m[1], Rank: rank, Started: started}, true
}

// PruneStats counts what PruneRunLogs did.
type PruneStats struct {
	Removed int
	Kept    int
}

// PruneRunLogs removes run logs in dir not written to within retentionDays.
// Files that do not follow the run log naming are never touched. The newest
// log of every command and rank pair survives regardless of age, so a rank
// that is still running keeps its file, as do the paths in keep. A
// retentionDays value of 0 disables pruning.
func PruneRunLogs(logger *slog.Logger, dir string, retentionDays int, keep ...string) PruneStats {
	var stats PruneStats
	if retentionDays <= 0 || dir == "" {
		return stats
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return stats
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	pinned := make(map[string]bool, len(keep))
	for _, p := range keep {
		if abs, err := filepath.Abs(p); err == nil {
			pinned[abs] = true
		}
	}

	type series struct {
		command string
		rank    int
	}
	newest := map[series]RunLog{}
	var logs []RunLog
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rl, ok := ParseRunLog(dir, entry.Name())
		if !ok {
			continue
		}
		if info, err := entry.Info(); err == nil {
			rl.LastWrite = info.ModTime()
		}
		key := series{rl.Command, rl.Rank}
		if cur, seen := newest[key]; !seen || rl.Started.After(cur.Started) {
			newest[key] = rl
		}
		logs = append(logs, rl)
	}

	for _, rl := range logs {
		abs, err := filepath.Abs(rl.Path)
		if err != nil {
			abs = rl.Path
		}
		latest := newest[series{rl.Command, rl.Rank}].Path == rl.Path
		if latest || pinned[abs] || !rl.lastActivity().Before(cutoff) {
			stats.Kept++
			continue
		}
		if err := os.Remove(rl.Path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", rl.Path),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			stats.Kept++
			continue
		}
		stats.Removed++
		if logger != nil {
			logger.Debug("log pruned",
				String("path", rl.Path),
				String("command", rl.Command),
				Int(FieldRank, rl.Rank),
				String(FieldEventType, "log_pruned"),
			)
		}
	}
	return stats
}

func (rl RunLog) lastActivity() time.Time {
	if rl.LastWrite.After(rl.Started) {
		return rl.LastWrite
	}
	return rl.Started
}
