package grid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volpatch/internal/models"
)

func TestWindowsConcreteScenario(t *testing.T) {
	offsets, err := Windows(models.Point3{10, 10, 10}, models.Point3{4, 4, 4}, models.Point3{2, 2, 2})
	require.NoError(t, err)
	require.Len(t, offsets, 64)

	seen := map[int]bool{}
	for _, o := range offsets {
		seen[o[0]] = true
	}
	assert.Equal(t, map[int]bool{0: true, 2: true, 4: true, 6: true}, seen)

	// x varies fastest
	assert.Equal(t, models.Point3{0, 0, 0}, offsets[0])
	assert.Equal(t, models.Point3{2, 0, 0}, offsets[1])
	assert.Equal(t, models.Point3{0, 2, 0}, offsets[4])
	assert.Equal(t, models.Point3{0, 0, 2}, offsets[16])
	assert.Equal(t, models.Point3{6, 6, 6}, offsets[63])
}

func TestWindowsForcedLastOffset(t *testing.T) {
	// stride 3 on extent 10 lands exactly on 10-4
	got := axisOffsets(10, 4, 1)
	assert.Equal(t, []int{0, 3, 6}, got)

	// stride 4 on extent 10: 0,4 then forced 6
	got = axisOffsets(10, 4, 0)
	assert.Equal(t, []int{0, 4, 6}, got)

	// stride 2 on extent 7 with patch 3: 0,2,4 (4 == 7-3)
	got = axisOffsets(7, 3, 1)
	assert.Equal(t, []int{0, 2, 4}, got)

	// stride 5 on extent 12 with patch 5: 0,5 then forced 7
	got = axisOffsets(12, 5, 0)
	assert.Equal(t, []int{0, 5, 7}, got)
}

func TestWindowsPatchEqualsExtent(t *testing.T) {
	offsets, err := Windows(models.Point3{5, 6, 7}, models.Point3{5, 6, 7}, models.Point3{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []models.Point3{{0, 0, 0}}, offsets)
}

func TestWindowsCoverage(t *testing.T) {
	cases := []struct {
		extent, patch, overlap models.Point3
	}{
		{models.Point3{10, 10, 10}, models.Point3{4, 4, 4}, models.Point3{2, 2, 2}},
		{models.Point3{9, 7, 5}, models.Point3{4, 3, 5}, models.Point3{0, 1, 0}},
		{models.Point3{13, 1, 8}, models.Point3{5, 1, 3}, models.Point3{4, 0, 2}},
		{models.Point3{6, 6, 6}, models.Point3{1, 2, 3}, models.Point3{0, 1, 2}},
	}

	for _, tc := range cases {
		plan, err := NewPlan(tc.extent, tc.patch, tc.overlap)
		require.NoError(t, err)

		covered := make([]int, tc.extent.Prod())
		for _, loc := range plan.Locations() {
			require.True(t, loc.Within(tc.extent), "window %s escapes %s", loc, tc.extent)
			for z := loc.Index[2]; z < loc.End()[2]; z++ {
				for y := loc.Index[1]; y < loc.End()[1]; y++ {
					for x := loc.Index[0]; x < loc.End()[0]; x++ {
						covered[(z*tc.extent[1]+y)*tc.extent[0]+x]++
					}
				}
			}
		}
		for i, c := range covered {
			if c == 0 {
				t.Fatalf("extent %s patch %s overlap %s: voxel %d not covered", tc.extent, tc.patch, tc.overlap, i)
			}
		}
	}
}

func TestWindowsDeterministic(t *testing.T) {
	a, err := Windows(models.Point3{11, 9, 7}, models.Point3{4, 4, 4}, models.Point3{1, 2, 3})
	require.NoError(t, err)
	b, err := Windows(models.Point3{11, 9, 7}, models.Point3{4, 4, 4}, models.Point3{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWindowsInvalid(t *testing.T) {
	_, err := Windows(models.Point3{4, 4, 4}, models.Point3{5, 4, 4}, models.Point3{})
	var sizeErr *InvalidPatchSizeError
	require.True(t, errors.As(err, &sizeErr))
	assert.True(t, errors.Is(err, ErrInvalidPatchSize))
	assert.Equal(t, models.Point3{4, 4, 4}, sizeErr.Extent)

	_, err = Windows(models.Point3{4, 4, 4}, models.Point3{0, 4, 4}, models.Point3{})
	assert.ErrorIs(t, err, ErrInvalidPatchSize)

	_, err = Windows(models.Point3{4, 4, 4}, models.Point3{2, 2, 2}, models.Point3{2, 0, 0})
	var ovErr *InvalidOverlapError
	assert.True(t, errors.As(err, &ovErr))

	_, err = Windows(models.Point3{4, 4, 4}, models.Point3{2, 2, 2}, models.Point3{0, -1, 0})
	assert.True(t, errors.As(err, &ovErr))
}

func TestPlanIndexOf(t *testing.T) {
	plan, err := NewPlan(models.Point3{10, 10, 10}, models.Point3{4, 4, 4}, models.Point3{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, 64, plan.Len())

	for i, loc := range plan.Locations() {
		j, ok := plan.IndexOf(loc)
		require.True(t, ok)
		assert.Equal(t, i, j)
		assert.Equal(t, loc, plan.Location(i))
	}

	_, ok := plan.IndexOf(models.Location{Index: models.Point3{1, 0, 0}, Size: models.Point3{4, 4, 4}})
	assert.False(t, ok)
	_, ok = plan.IndexOf(models.Location{Index: models.Point3{0, 0, 0}, Size: models.Point3{3, 4, 4}})
	assert.False(t, ok)

	offsets := plan.Offsets()
	offsets[0] = models.Point3{99, 99, 99}
	assert.Equal(t, models.Point3{0, 0, 0}, plan.Location(0).Index)
}
