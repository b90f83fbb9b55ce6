// Package manifest reads the dataset list of a batch job and splits it
// across workers.
//
// Assignment is a pure function of the entry index: entry i belongs to rank
// i mod world. Every rank computes its share independently, so partitions are
// disjoint and together cover the manifest without any coordination.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoTraining is returned when the manifest has no "training" list.
var ErrNoTraining = errors.New(`manifest has no "training" list`)

// Entry is one input volume.
type Entry struct {
	Index    int    `json:"-"`
	Image    string `json:"image"`
	Modality string `json:"modality"`
}

// Load reads the "training" list of a manifest file, preserving order.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}
	raw, ok := doc["training"]
	if !ok {
		return nil, fmt.Errorf("load manifest %s: %w", path, ErrNoTraining)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("load manifest %s: training: %w", path, err)
	}
	for i := range entries {
		entries[i].Index = i
		entries[i].Image = strings.TrimSpace(entries[i].Image)
		if entries[i].Image == "" {
			return nil, fmt.Errorf("load manifest %s: training[%d]: image path required", path, i)
		}
	}
	return entries, nil
}

// Assigned reports whether entry index belongs to rank.
func Assigned(index, rank, world int) bool {
	if world <= 1 {
		return true
	}
	return index%world == rank
}

// Partition returns the entries owned by rank, in manifest order.
func Partition(entries []Entry, rank, world int) []Entry {
	var out []Entry
	for _, e := range entries {
		if Assigned(e.Index, rank, world) {
			out = append(out, e)
		}
	}
	return out
}
