package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadPreservesOrder(t *testing.T) {
	path := writeManifest(t, `{
		"training": [
			{"image": "ct/a.nii.gz", "modality": "ct", "label": "ct/a_seg.nii.gz"},
			{"image": "mr/b.nii", "modality": "MRI_T1"}
		],
		"validation": []
	}`)
	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []Entry{
		{Index: 0, Image: "ct/a.nii.gz", Modality: "ct"},
		{Index: 1, Image: "mr/b.nii", Modality: "MRI_T1"},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		is   error
	}{
		{name: "no training", body: `{"validation": []}`, is: ErrNoTraining},
		{name: "malformed", body: `{"training": [`},
		{name: "empty image", body: `{"training": [{"image": " ", "modality": "ct"}]}`},
		{name: "wrong type", body: `{"training": {"image": "a.nii"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v, got %v", tt.is, err)
			}
		})
	}
}

func TestPartitionIsDisjointAndExhaustive(t *testing.T) {
	const world = 3
	entries := make([]Entry, 10)
	for i := range entries {
		entries[i] = Entry{Index: i, Image: "x.nii"}
	}

	owner := map[int]int{}
	for rank := range world {
		for _, e := range Partition(entries, rank, world) {
			if prev, dup := owner[e.Index]; dup {
				t.Fatalf("entry %d assigned to ranks %d and %d", e.Index, prev, rank)
			}
			if e.Index%world != rank {
				t.Fatalf("entry %d assigned to rank %d", e.Index, rank)
			}
			owner[e.Index] = rank
		}
	}
	if len(owner) != len(entries) {
		t.Fatalf("partitions cover %d of %d entries", len(owner), len(entries))
	}

	got := []int{}
	for _, e := range Partition(entries, 0, world) {
		got = append(got, e.Index)
	}
	if diff := cmp.Diff([]int{0, 3, 6, 9}, got); diff != "" {
		t.Fatalf("rank 0 partition mismatch (-want +got):\n%s", diff)
	}
}

func TestSingleWorkerOwnsEverything(t *testing.T) {
	for i := range 5 {
		if !Assigned(i, 0, 1) {
			t.Fatalf("entry %d not assigned to the only worker", i)
		}
	}
}
