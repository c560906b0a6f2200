package sampler

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
)

// newSubject builds a subject with an intensity ramp and a label map whose
// foreground is given as a list of voxels
func newSubject(t *testing.T, shape models.Point3, foreground ...models.Point3) *models.Subject {
	t.Helper()
	t1 := models.NewImage(shape, 1, models.Intensity)
	for i := range t1.Data {
		t1.Data[i] = float64(i)
	}
	seg := models.NewImage(shape, 1, models.Label)
	for _, v := range foreground {
		seg.Set(0, v[0], v[1], v[2], 1)
	}
	s, err := models.NewSubject("subject", map[string]*models.Image{"t1": t1, "seg": seg})
	require.NoError(t, err)
	return s
}

func TestGridSamplerScenario(t *testing.T) {
	s := newSubject(t, models.Point3{10, 10, 10})
	g, err := NewGridSampler(s, models.Point3{4, 4, 4}, models.Point3{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, 64, g.Len())

	// n is ignored and repeated iteration yields identical windows
	first, err := g.Locations(s, 3)
	require.NoError(t, err)
	second, err := g.Locations(s, 1000)
	require.NoError(t, err)
	assert.Len(t, first, 64)
	assert.Equal(t, first, second)

	patches, err := g.Patches()
	require.NoError(t, err)
	require.Len(t, patches, 64)
	for i, p := range patches {
		assert.Equal(t, first[i], p.Location)
		assert.Equal(t, models.Point3{4, 4, 4}, p.Images["t1"].Shape)
	}

	p, err := g.Patch(5)
	require.NoError(t, err)
	assert.Equal(t, first[5], p.Location)
	_, err = g.Patch(64)
	assert.Error(t, err)
}

func TestGridSamplerRejectsLargePatch(t *testing.T) {
	s := newSubject(t, models.Point3{8, 8, 3})
	_, err := NewGridSampler(s, models.Point3{4, 4, 4}, models.Point3{})
	assert.ErrorIs(t, err, grid.ErrInvalidPatchSize)
}

func TestGridSamplerShapeMismatch(t *testing.T) {
	s := newSubject(t, models.Point3{8, 8, 8})
	g, err := NewGridSampler(s, models.Point3{4, 4, 4}, models.Point3{})
	require.NoError(t, err)

	other := newSubject(t, models.Point3{8, 8, 9})
	_, err = g.Locations(other, 0)
	assert.Error(t, err)
}

func TestUniformSamplerBounds(t *testing.T) {
	s := newSubject(t, models.Point3{9, 7, 5})
	u, err := NewUniformSampler(models.Point3{4, 3, 5}, WithSeed(1))
	require.NoError(t, err)

	locs, err := u.Locations(s, 500)
	require.NoError(t, err)
	require.Len(t, locs, 500)
	for _, loc := range locs {
		require.True(t, loc.Within(s.Shape()), "window %s escapes volume", loc)
		assert.Equal(t, 0, loc.Index[2])
	}

	patches, err := Sample(u, s, 4)
	require.NoError(t, err)
	require.Len(t, patches, 4)
	for _, p := range patches {
		assert.Equal(t, s.ID, p.SubjectID)
		assert.Len(t, p.Images, 2)
	}
}

func TestUniformSamplerInvalidPatch(t *testing.T) {
	_, err := NewUniformSampler(models.Point3{4, 0, 4})
	assert.ErrorIs(t, err, grid.ErrInvalidPatchSize)

	u, err := NewUniformSampler(models.Point3{4, 4, 4})
	require.NoError(t, err)
	_, err = u.Locations(newSubject(t, models.Point3{3, 8, 8}), 1)
	var sizeErr *grid.InvalidPatchSizeError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, models.Point3{3, 8, 8}, sizeErr.Extent)
}

// TestUniformSamplerDistribution checks the draws of 1x1x1 windows against a
// uniform distribution over every voxel with a chi-square test
func TestUniformSamplerDistribution(t *testing.T) {
	const k = 4
	const draws = 64000
	s := newSubject(t, models.Point3{k, k, k})
	u, err := NewUniformSampler(models.Point3{1, 1, 1}, WithSeed(42))
	require.NoError(t, err)

	locs, err := u.Locations(s, draws)
	require.NoError(t, err)

	observed := make([]float64, k*k*k)
	for _, loc := range locs {
		observed[(loc.Index[2]*k+loc.Index[1])*k+loc.Index[0]]++
	}
	expected := make([]float64, len(observed))
	for i := range expected {
		expected[i] = float64(draws) / float64(len(expected))
	}

	chi2 := stat.ChiSquare(observed, expected)
	critical := distuv.ChiSquared{K: float64(len(observed) - 1)}.Quantile(0.9999)
	assert.Less(t, chi2, critical, "draws are not uniform: chi2=%f critical=%f", chi2, critical)
}

func TestLabelSamplerContainsForeground(t *testing.T) {
	fg := []models.Point3{{0, 0, 0}, {9, 9, 9}, {5, 1, 8}}
	s := newSubject(t, models.Point3{10, 10, 10}, fg...)
	l, err := NewLabelSampler(models.Point3{4, 4, 4}, WithSeed(7))
	require.NoError(t, err)

	locs, err := l.Locations(s, 300)
	require.NoError(t, err)
	require.Len(t, locs, 300)

	hits := map[models.Point3]int{}
	for _, loc := range locs {
		require.True(t, loc.Within(s.Shape()))
		found := false
		for _, v := range fg {
			if loc.Contains(v) {
				found = true
				hits[v]++
			}
		}
		assert.True(t, found, "window %s has no foreground", loc)
	}
	// every foreground voxel gets picked at some point
	assert.Len(t, hits, len(fg))
}

func TestLabelSamplerCentresWindow(t *testing.T) {
	s := newSubject(t, models.Point3{10, 10, 10}, models.Point3{5, 5, 5})
	l, err := NewLabelSampler(models.Point3{3, 4, 1}, WithSeed(1))
	require.NoError(t, err)

	locs, err := l.Locations(s, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Point3{4, 3, 5}, locs[0].Index)
}

func TestLabelSamplerNoForeground(t *testing.T) {
	s := newSubject(t, models.Point3{6, 6, 6})
	l, err := NewLabelSampler(models.Point3{2, 2, 2})
	require.NoError(t, err)

	_, err = l.Locations(s, 1)
	assert.ErrorIs(t, err, ErrNoForeground)

	// an explicit fallback recovers
	u, err := NewUniformSampler(models.Point3{2, 2, 2})
	require.NoError(t, err)
	locs, err := Fallback(l, u).Locations(s, 3)
	require.NoError(t, err)
	assert.Len(t, locs, 3)
}

func TestFallbackKeepsOtherErrors(t *testing.T) {
	s := newSubject(t, models.Point3{2, 2, 2}, models.Point3{1, 1, 1})
	l, err := NewLabelSampler(models.Point3{3, 3, 3})
	require.NoError(t, err)
	u, err := NewUniformSampler(models.Point3{3, 3, 3})
	require.NoError(t, err)

	_, err = Fallback(l, u).Locations(s, 1)
	assert.ErrorIs(t, err, grid.ErrInvalidPatchSize)
}

func TestLabelSamplerOptions(t *testing.T) {
	shape := models.Point3{8, 8, 8}
	t1 := models.NewImage(shape, 1, models.Intensity)
	seg := models.NewImage(shape, 1, models.Label)
	seg.Set(0, 1, 1, 1, 1)
	seg.Set(0, 6, 6, 6, 2)
	s, err := models.NewSubject("s", map[string]*models.Image{"t1": t1, "tumour": seg})
	require.NoError(t, err)

	l, err := NewLabelSampler(models.Point3{2, 2, 2}, WithLabelChannel("tumour"), WithForegroundValue(2), WithSeed(3))
	require.NoError(t, err)
	locs, err := l.Locations(s, 50)
	require.NoError(t, err)
	for _, loc := range locs {
		assert.True(t, loc.Contains(models.Point3{6, 6, 6}))
	}

	missing, err := NewLabelSampler(models.Point3{2, 2, 2}, WithLabelChannel("other"))
	require.NoError(t, err)
	_, err = missing.Locations(s, 1)
	assert.ErrorIs(t, err, models.ErrNoLabel)

	noLabel, err := models.NewSubject("n", map[string]*models.Image{"t1": t1})
	require.NoError(t, err)
	_, err = l.Locations(noLabel, 1)
	assert.Error(t, err)
	plain, err := NewLabelSampler(models.Point3{2, 2, 2})
	require.NoError(t, err)
	_, err = plain.Locations(noLabel, 1)
	assert.ErrorIs(t, err, models.ErrNoLabel)
}

func TestLabelSamplerConcurrent(t *testing.T) {
	s := newSubject(t, models.Point3{12, 12, 12}, models.Point3{3, 4, 5}, models.Point3{10, 2, 2})
	l, err := NewLabelSampler(models.Point3{4, 4, 4})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Locations(s, 100); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestNewByKind(t *testing.T) {
	s := newSubject(t, models.Point3{6, 6, 6})
	p := models.Point3{2, 2, 2}

	u, err := New(KindUniform, p)
	require.NoError(t, err)
	assert.IsType(t, &UniformSampler{}, u)

	l, err := New(KindLabel, p)
	require.NoError(t, err)
	_, err = l.Locations(s, 1)
	assert.ErrorIs(t, err, ErrNoForeground)

	lu, err := New(KindLabelOrUniform, p)
	require.NoError(t, err)
	locs, err := lu.Locations(s, 2)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
	assert.Equal(t, p, lu.PatchSize())

	_, err = New("spiral", p)
	assert.Error(t, err)
	_, err = New(KindLabel, models.Point3{-1, 2, 2})
	assert.ErrorIs(t, err, grid.ErrInvalidPatchSize)
}

// cachedLabels returns the number of label maps with a cached foreground index
func cachedLabels(l *LabelSampler) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

func TestLabelSamplerCacheReuse(t *testing.T) {
	s := newSubject(t, models.Point3{8, 8, 8}, models.Point3{2, 3, 4})
	l, err := NewLabelSampler(models.Point3{2, 2, 2}, WithSeed(5))
	require.NoError(t, err)

	_, seg, err := s.FirstLabel()
	require.NoError(t, err)
	first := l.foregroundIndex(seg)
	second := l.foregroundIndex(seg)
	require.Len(t, first, 1)
	assert.Same(t, &first[0], &second[0])
	assert.Equal(t, 1, cachedLabels(l))
	runtime.KeepAlive(s)
}

// sampleFreshSubjects reloads the same case n times, the way a dataset
// source without caching does every epoch
func sampleFreshSubjects(t *testing.T, l *LabelSampler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := newSubject(t, models.Point3{16, 16, 16}, models.Point3{8, 8, 8})
		_, err := l.Locations(s, 2)
		require.NoError(t, err)
	}
}

func TestLabelSamplerCacheReleasesSubjects(t *testing.T) {
	l, err := NewLabelSampler(models.Point3{4, 4, 4}, WithSeed(9))
	require.NoError(t, err)

	sampleFreshSubjects(t, l, 100)
	assert.LessOrEqual(t, cachedLabels(l), foregroundCacheSize)

	// dropped subjects must not stay pinned by the sampler
	assert.Eventually(t, func() bool {
		runtime.GC()
		return cachedLabels(l) == 0
	}, 5*time.Second, 10*time.Millisecond, "label maps of dropped subjects are still cached")
}

func TestSamplersRejectNegativeCount(t *testing.T) {
	s := newSubject(t, models.Point3{6, 6, 6}, models.Point3{1, 1, 1})
	p := models.Point3{2, 2, 2}

	u, err := NewUniformSampler(p)
	require.NoError(t, err)
	_, err = u.Locations(s, -1)
	assert.Error(t, err)

	l, err := NewLabelSampler(p)
	require.NoError(t, err)
	_, err = l.Locations(s, -3)
	assert.Error(t, err)

	_, err = Sample(Fallback(l, u), s, -1)
	assert.Error(t, err)

	locs, err := u.Locations(s, 0)
	require.NoError(t, err)
	assert.Empty(t, locs)
}
