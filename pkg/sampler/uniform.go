package sampler

import (
	"volpatch/internal/models"
	"volpatch/pkg/grid"
)

// UniformSampler draws windows whose start offset is uniform in
// [0, extent-patch] along every axis, independently for each draw.
//
// Safe for concurrent use.
type UniformSampler struct {
	patch models.Point3
	rng   *lockedRand
}

// NewUniformSampler returns a uniform sampler. Non-positive patch dimensions
// are rejected.
func NewUniformSampler(patchSize models.Point3, opts ...Option) (*UniformSampler, error) {
	if err := grid.CheckPatchSize(patchSize); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &UniformSampler{patch: patchSize, rng: o.rng}, nil
}

func (u *UniformSampler) PatchSize() models.Point3 {
	return u.patch
}

// Locations draws n fresh windows.
func (u *UniformSampler) Locations(subject *models.Subject, n int) ([]models.Location, error) {
	extent, err := checkSubject(u.patch, subject, n)
	if err != nil {
		return nil, err
	}

	locs := make([]models.Location, n)
	for i := range locs {
		var start models.Point3
		for a := 0; a < 3; a++ {
			start[a] = u.rng.IntN(extent[a] - u.patch[a] + 1)
		}
		locs[i] = models.Location{Index: start, Size: u.patch}
	}
	return locs, nil
}
