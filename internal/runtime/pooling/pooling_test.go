package pooling

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maisi/internal/ndarray"
	"maisi/internal/runtime"
)

func loadAll(t *testing.T, b *Backend) {
	t.Helper()
	for _, role := range []string{
		runtime.RoleAutoencoder,
		runtime.RoleDiffusion,
		runtime.RoleControlNet,
		runtime.RoleMaskAutoencoder,
		runtime.RoleMaskDiffusion,
	} {
		require.NoError(t, b.Load(context.Background(), runtime.ModelSpec{Role: role}))
	}
}

func TestEncodeAveragePools(t *testing.T) {
	b := New(2, 3, nil)
	loadAll(t, b)

	in := ndarray.New(1, 1, 4, 2, 2)
	for i := range in.Data {
		if i < 8 {
			in.Data[i] = 1
		} else {
			in.Data[i] = 3
		}
	}
	out, err := b.Encode(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 1, 1}, out.Shape)
	assert.Equal(t, []float32{1, 3, 1, 3, 1, 3}, out.Data)
}

func TestEncodeRequiresLoadedAutoencoder(t *testing.T) {
	b := New(2, 1, nil)
	_, err := b.Encode(context.Background(), ndarray.New(1, 1, 2, 2, 2))
	assert.True(t, errors.Is(err, runtime.ErrNotLoaded), "got %v", err)
}

func TestEncodeRejectsIndivisibleShape(t *testing.T) {
	b := New(4, 1, nil)
	loadAll(t, b)
	_, err := b.Encode(context.Background(), ndarray.New(1, 1, 6, 4, 4))
	assert.Error(t, err)
}

func TestLoadMissingCheckpointFails(t *testing.T) {
	b := New(4, 4, nil)
	err := b.Load(context.Background(), runtime.ModelSpec{
		Role:       runtime.RoleAutoencoder,
		Checkpoint: t.TempDir() + "/absent.pt",
	})
	assert.Error(t, err)
	assert.Empty(t, b.Loaded())
}

func TestMaskAndImageAreDeterministic(t *testing.T) {
	b := New(4, 4, nil)
	loadAll(t, b)
	ctx := context.Background()
	req := runtime.MaskRequest{Seed: 11, OutputSize: [3]int{16, 16, 8}, Anatomy: []string{"liver", "spleen"}}

	first, err := b.GenerateMask(ctx, req)
	require.NoError(t, err)
	second, err := b.GenerateMask(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)

	labelled := 0
	for _, v := range first.Data {
		if v > 0 {
			labelled++
		}
		assert.LessOrEqual(t, v, float32(2))
	}
	assert.Positive(t, labelled)

	img, err := b.GenerateImage(ctx, runtime.ImageRequest{Seed: 11, Modality: 1, OutputSize: req.OutputSize, Mask: first})
	require.NoError(t, err)
	assert.Equal(t, first.Shape, img.Shape)

	_, err = b.GenerateImage(ctx, runtime.ImageRequest{Seed: 11, OutputSize: [3]int{8, 8, 8}, Mask: first})
	assert.Error(t, err, "mask shape mismatch should fail")
}
