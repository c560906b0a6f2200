package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volpatch/internal/models"
	"volpatch/pkg/queue"
)

var (
	_ queue.SubjectSource = (*MemorySource)(nil)
	_ queue.SubjectSource = (*SliceDirSource)(nil)
)

// writeStack writes depth uniform slices whose gray level is level(z)
func writeStack(t *testing.T, dir string, width, height, depth int, level func(z int) uint8) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for z := 0; z < depth; z++ {
		img := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray(x, y, color.Gray{Y: level(z)})
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("slice_%d.jpg", z)))
		require.NoError(t, err)
		require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 100}))
		require.NoError(t, f.Close())
	}
}

func TestSliceDirSource(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"case_b", "case_a"} {
		writeStack(t, filepath.Join(root, id, "t1"), 8, 6, 12, func(z int) uint8 { return uint8(z * 20) })
		writeStack(t, filepath.Join(root, id, "label"), 8, 6, 12, func(z int) uint8 {
			if z == 5 {
				return 255
			}
			return 0
		})
	}
	// stray files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0644))

	src, err := NewSliceDirSource(root, []string{"label"})
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())
	assert.Equal(t, []string{"case_a", "case_b"}, src.SubjectIDs())

	s, err := src.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "case_a", s.ID)
	assert.Equal(t, models.Point3{8, 6, 12}, s.Shape())

	t1 := s.Images["t1"]
	assert.Equal(t, models.Intensity, t1.Type)
	// numeric ordering puts slice_10 after slice_9
	for z := 0; z < 12; z++ {
		assert.InDelta(t, float64(z*20)/255.0, t1.At(0, 3, 3, z), 0.02, "slice %d", z)
	}

	name, label, err := s.FirstLabel()
	require.NoError(t, err)
	assert.Equal(t, "label", name)
	assert.Equal(t, 1.0, label.At(0, 0, 0, 5))
	assert.Equal(t, 0.0, label.At(0, 0, 0, 4))

	_, err = src.Get(context.Background(), 2)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Get(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceDirSourceErrors(t *testing.T) {
	_, err := NewSliceDirSource(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)

	_, err = NewSliceDirSource(t.TempDir(), nil)
	assert.Error(t, err)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "case", "t1"), 0755))
	src, err := NewSliceDirSource(root, nil)
	require.NoError(t, err)
	_, err = src.Get(context.Background(), 0)
	assert.Error(t, err)

	// channels with different shapes are rejected
	root = t.TempDir()
	writeStack(t, filepath.Join(root, "case", "t1"), 4, 4, 3, func(int) uint8 { return 10 })
	writeStack(t, filepath.Join(root, "case", "t2"), 4, 4, 2, func(int) uint8 { return 10 })
	src, err = NewSliceDirSource(root, nil)
	require.NoError(t, err)
	_, err = src.Get(context.Background(), 0)
	assert.Error(t, err)
}

func TestMemorySource(t *testing.T) {
	s, err := models.NewSubject("m", map[string]*models.Image{"t1": models.NewImage(models.Point3{2, 2, 2}, 1, models.Intensity)})
	require.NoError(t, err)

	src, err := NewMemorySource(s)
	require.NoError(t, err)
	assert.Equal(t, 1, src.Len())

	got, err := src.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = src.Get(context.Background(), 1)
	assert.Error(t, err)

	_, err = NewMemorySource(nil)
	assert.Error(t, err)
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("slice_12.jpg"))
	assert.Equal(t, 7, extractNumber("/a/b/img007.jpeg"))
	assert.Equal(t, 0, extractNumber("scout.jpg"))
}
