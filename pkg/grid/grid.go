// Package grid computes the tiling of a 3D extent into fixed-size,
// optionally overlapping windows.
//
// The tiling is shared by grid sampling and by grid aggregation, so its
// enumeration order is fixed: x varies fastest, then y, then z.
package grid

import (
	"errors"
	"fmt"

	"volpatch/internal/models"
)

// ErrInvalidPatchSize is matched by every *InvalidPatchSizeError.
var ErrInvalidPatchSize = errors.New("invalid patch size")

// InvalidPatchSizeError reports a patch size that is non-positive or larger
// than the volume it is applied to.
type InvalidPatchSizeError struct {
	PatchSize models.Point3
	Extent    models.Point3 // zero when no volume is known yet
}

func (e *InvalidPatchSizeError) Error() string {
	if e.Extent == (models.Point3{}) {
		return fmt.Sprintf("invalid patch size %s: dimensions must be positive", e.PatchSize)
	}
	return fmt.Sprintf("invalid patch size %s for volume %s", e.PatchSize, e.Extent)
}

func (e *InvalidPatchSizeError) Is(target error) bool {
	return target == ErrInvalidPatchSize
}

// InvalidOverlapError reports an overlap that is negative or not smaller than
// the patch size.
type InvalidOverlapError struct {
	Overlap   models.Point3
	PatchSize models.Point3
}

func (e *InvalidOverlapError) Error() string {
	return fmt.Sprintf("invalid overlap %s for patch size %s: need 0 <= overlap < patch", e.Overlap, e.PatchSize)
}

// CheckPatchSize verifies 0 < patch componentwise.
func CheckPatchSize(patch models.Point3) error {
	for a := 0; a < 3; a++ {
		if patch[a] <= 0 {
			return &InvalidPatchSizeError{PatchSize: patch}
		}
	}
	return nil
}

// CheckPatchFits verifies 0 < patch <= extent componentwise.
func CheckPatchFits(patch, extent models.Point3) error {
	for a := 0; a < 3; a++ {
		if patch[a] <= 0 || patch[a] > extent[a] {
			return &InvalidPatchSizeError{PatchSize: patch, Extent: extent}
		}
	}
	return nil
}

// CheckOverlap verifies 0 <= overlap < patch componentwise.
func CheckOverlap(overlap, patch models.Point3) error {
	for a := 0; a < 3; a++ {
		if overlap[a] < 0 || overlap[a] >= patch[a] {
			return &InvalidOverlapError{Overlap: overlap, PatchSize: patch}
		}
	}
	return nil
}

// axisOffsets returns the start offsets along one axis. The stride is
// patch-overlap; the last offset is always extent-patch so the far boundary
// is covered, even if that makes the final stride shorter.
func axisOffsets(extent, patch, overlap int) []int {
	stride := patch - overlap
	last := extent - patch

	offsets := make([]int, 0, last/stride+2)
	for s := 0; s <= last; s += stride {
		offsets = append(offsets, s)
	}
	if offsets[len(offsets)-1] != last {
		offsets = append(offsets, last)
	}
	return offsets
}

// Windows returns the start offsets of every window tiling extent with the
// given patch size and overlap.
func Windows(extent, patch, overlap models.Point3) ([]models.Point3, error) {
	if err := CheckPatchFits(patch, extent); err != nil {
		return nil, err
	}
	if err := CheckOverlap(overlap, patch); err != nil {
		return nil, err
	}

	xs := axisOffsets(extent[0], patch[0], overlap[0])
	ys := axisOffsets(extent[1], patch[1], overlap[1])
	zs := axisOffsets(extent[2], patch[2], overlap[2])

	result := make([]models.Point3, 0, len(xs)*len(ys)*len(zs))
	for _, z := range zs {
		for _, y := range ys {
			for _, x := range xs {
				result = append(result, models.Point3{x, y, z})
			}
		}
	}
	return result, nil
}

// Plan is a precomputed, read-only window tiling of one extent.
type Plan struct {
	extent  models.Point3
	patch   models.Point3
	overlap models.Point3
	offsets []models.Point3
	lookup  map[models.Point3]int
}

// NewPlan computes the tiling of extent. The plan can be shared between a
// grid sampler and an aggregator.
func NewPlan(extent, patch, overlap models.Point3) (*Plan, error) {
	offsets, err := Windows(extent, patch, overlap)
	if err != nil {
		return nil, err
	}

	lookup := make(map[models.Point3]int, len(offsets))
	for i, o := range offsets {
		lookup[o] = i
	}

	return &Plan{
		extent:  extent,
		patch:   patch,
		overlap: overlap,
		offsets: offsets,
		lookup:  lookup,
	}, nil
}

func (p *Plan) Extent() models.Point3    { return p.extent }
func (p *Plan) PatchSize() models.Point3 { return p.patch }
func (p *Plan) Overlap() models.Point3   { return p.overlap }

// Len returns the number of windows.
func (p *Plan) Len() int {
	return len(p.offsets)
}

// Offsets returns a copy of the window start offsets in enumeration order.
func (p *Plan) Offsets() []models.Point3 {
	out := make([]models.Point3, len(p.offsets))
	copy(out, p.offsets)
	return out
}

// Location returns the i-th window.
func (p *Plan) Location(i int) models.Location {
	return models.Location{Index: p.offsets[i], Size: p.patch}
}

// Locations returns every window in enumeration order.
func (p *Plan) Locations() []models.Location {
	out := make([]models.Location, len(p.offsets))
	for i, o := range p.offsets {
		out[i] = models.Location{Index: o, Size: p.patch}
	}
	return out
}

// IndexOf returns the enumeration index of loc, or false if loc is not one
// of the plan's windows.
func (p *Plan) IndexOf(loc models.Location) (int, bool) {
	if loc.Size != p.patch {
		return 0, false
	}
	i, ok := p.lookup[loc.Index]
	return i, ok
}
