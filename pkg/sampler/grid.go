package sampler

import (
	"fmt"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
)

// GridSampler enumerates every window of a fixed tiling of one subject.
//
// It holds no mutable state: iterating it several times yields the same
// windows in the same order. The matching aggregator is built from the same
// plan (see aggregator.NewFromSampler).
type GridSampler struct {
	subject *models.Subject
	plan    *grid.Plan
}

// NewGridSampler tiles subject with windows of patchSize overlapping by
// overlap voxels. A patch larger than the volume is rejected here.
func NewGridSampler(subject *models.Subject, patchSize, overlap models.Point3) (*GridSampler, error) {
	if subject == nil {
		return nil, fmt.Errorf("nil subject")
	}
	plan, err := grid.NewPlan(subject.Shape(), patchSize, overlap)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", subject.ID, err)
	}
	return &GridSampler{subject: subject, plan: plan}, nil
}

// Plan returns the underlying window tiling.
func (g *GridSampler) Plan() *grid.Plan {
	return g.plan
}

// Subject returns the subject being tiled.
func (g *GridSampler) Subject() *models.Subject {
	return g.subject
}

func (g *GridSampler) PatchSize() models.Point3 {
	return g.plan.PatchSize()
}

// Len returns the number of windows.
func (g *GridSampler) Len() int {
	return g.plan.Len()
}

// Locations returns every window once, in plan order; n is ignored. The
// subject must have the same shape as the one the sampler was built for.
func (g *GridSampler) Locations(subject *models.Subject, n int) ([]models.Location, error) {
	if subject == nil {
		subject = g.subject
	}
	if subject.Shape() != g.plan.Extent() {
		return nil, fmt.Errorf("subject %s has shape %s, grid was planned for %s",
			subject.ID, subject.Shape(), g.plan.Extent())
	}
	return g.plan.Locations(), nil
}

// Patch materializes the i-th window of the bound subject.
func (g *GridSampler) Patch(i int) (*models.Patch, error) {
	if i < 0 || i >= g.plan.Len() {
		return nil, fmt.Errorf("window index %d out of range [0, %d)", i, g.plan.Len())
	}
	return models.Extract(g.subject, g.plan.Location(i))
}

// Patches materializes every window of the bound subject.
func (g *GridSampler) Patches() ([]*models.Patch, error) {
	return Sample(g, g.subject, 0)
}
