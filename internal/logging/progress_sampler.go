package logging

import "strings"

// ProgressSampler thins out progress logs for long loops such as sliding
// window passes and downloads. It emits when the percentage crosses a bucket
// boundary or the stage label changes.
type ProgressSampler struct {
	bucketSize float64
	lastStage  string
	lastBucket int
}

// NewProgressSampler constructs a sampler with the given bucket width in
// percent (default 10).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress event should be logged. Percent can be
// negative to indicate "unknown". A nil sampler logs everything.
func (s *ProgressSampler) ShouldLog(percent float64, stage string) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)
	emit := false
	if stage != "" && stage != s.lastStage {
		s.lastStage = stage
		emit = true
		s.lastBucket = -1
	}
	if percent >= 0 {
		bucket := int(min(percent, 100) / s.bucketSize)
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// ShouldLogCount is ShouldLog for done-of-total counters.
func (s *ProgressSampler) ShouldLogCount(done, total int, stage string) bool {
	if total <= 0 {
		return s.ShouldLog(-1, stage)
	}
	return s.ShouldLog(Percent(done, total), stage)
}

// Percent converts a done-of-total counter to a percentage.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) * 100 / float64(total)
}

// Reset clears the sampler state.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastStage = ""
	s.lastBucket = -1
}
