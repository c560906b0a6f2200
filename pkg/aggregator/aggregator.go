// Package aggregator reassembles a full volume from grid patches.
//
// Overlapping windows are averaged voxel by voxel: every patch adds its
// values into an accumulator and increments a per-voxel counter, and the
// output is accumulator/counter. The sum is independent of the order in
// which patches arrive.
package aggregator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/floats"

	"volpatch/internal/logger"
	"volpatch/internal/models"
	"volpatch/pkg/grid"
	"volpatch/pkg/sampler"
)

var (
	// ErrUnknownLocation is returned for a location that is not a window
	// of the aggregator's plan.
	ErrUnknownLocation = errors.New("location is not a window of the grid")

	// ErrShapeMismatch is returned for patch content whose shape or channel
	// count differs from what the aggregator expects.
	ErrShapeMismatch = errors.New("patch content shape mismatch")
)

// IncompleteReconstructionError is returned by Output when some voxels were
// never covered by an added patch.
type IncompleteReconstructionError struct {
	Missing int // voxels with a zero counter
	Total   int // voxels in the volume
}

func (e *IncompleteReconstructionError) Error() string {
	return fmt.Sprintf("incomplete reconstruction: %d of %d voxels not covered by any patch", e.Missing, e.Total)
}

// Option configures a GridAggregator.
type Option func(*GridAggregator)

// WithSentinel makes Output fill uncovered voxels with v instead of failing.
func WithSentinel(v float64) Option {
	return func(a *GridAggregator) {
		a.sentinel = v
		a.useSentinel = true
	}
}

// WithLogger sets the logger used for usage warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *GridAggregator) { a.log = l }
}

// WithImageType sets the type tag of the output image (Intensity by default).
func WithImageType(t models.ImageType) Option {
	return func(a *GridAggregator) { a.outType = t }
}

// GridAggregator accumulates output patches of a grid tiling.
//
// Safe for concurrent use.
type GridAggregator struct {
	plan     *grid.Plan
	channels int
	outType  models.ImageType

	sentinel    float64
	useSentinel bool
	log         *slog.Logger

	mu         sync.Mutex
	acc        []float64 // channels * voxels
	count      []float64 // voxels
	added      []int     // submissions per window
	duplicates int
}

// New returns an aggregator for the given plan and number of output
// channels.
func New(plan *grid.Plan, channels int, opts ...Option) (*GridAggregator, error) {
	if plan == nil {
		return nil, fmt.Errorf("nil plan")
	}
	if channels < 1 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}

	voxels := plan.Extent().Prod()
	a := &GridAggregator{
		plan:     plan,
		channels: channels,
		outType:  models.Intensity,
		log:      logger.Discard(),
		acc:      make([]float64, voxels*channels),
		count:    make([]float64, voxels),
		added:    make([]int, plan.Len()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewFromSampler returns an aggregator matching a grid sampler's tiling.
func NewFromSampler(s *sampler.GridSampler, channels int, opts ...Option) (*GridAggregator, error) {
	return New(s.Plan(), channels, opts...)
}

// AddPatch adds content into the window loc.
//
// Submitting the same window twice is a caller error: it is not corrected,
// both submissions are averaged in, and a warning is logged.
func (a *GridAggregator) AddPatch(content *models.Image, loc models.Location) error {
	idx, ok := a.plan.IndexOf(loc)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocation, loc)
	}
	if content == nil || content.Shape != loc.Size || content.Channels != a.channels {
		return fmt.Errorf("%w: want %d channel(s) of %s", ErrShapeMismatch, a.channels, loc.Size)
	}
	if len(content.Data) != loc.Size.Prod()*a.channels {
		return fmt.Errorf("%w: data length %d", ErrShapeMismatch, len(content.Data))
	}

	extent := a.plan.Extent()
	voxels := extent.Prod()
	rowLen := loc.Size[0]

	a.mu.Lock()
	defer a.mu.Unlock()

	a.added[idx]++
	if a.added[idx] > 1 {
		a.duplicates++
		a.log.Warn("window added more than once", "location", loc.String(), "times", a.added[idx])
	}

	for z := 0; z < loc.Size[2]; z++ {
		for y := 0; y < loc.Size[1]; y++ {
			dst := ((loc.Index[2]+z)*extent[1]+loc.Index[1]+y)*extent[0] + loc.Index[0]
			floats.AddConst(1, a.count[dst:dst+rowLen])

			for c := 0; c < a.channels; c++ {
				src := content.Index(c, 0, y, z)
				row := a.acc[c*voxels+dst : c*voxels+dst+rowLen]
				floats.Add(row, content.Data[src:src+rowLen])
			}
		}
	}
	return nil
}

// AddPatches adds the given channel of every patch.
func (a *GridAggregator) AddPatches(patches []*models.Patch, channel string) error {
	for _, p := range patches {
		img, ok := p.Images[channel]
		if !ok {
			return fmt.Errorf("patch %s of subject %s has no channel %q", p.Location, p.SubjectID, channel)
		}
		if err := a.AddPatch(img, p.Location); err != nil {
			return err
		}
	}
	return nil
}

// Coverage returns the number of voxels covered by at least one patch and
// the total number of voxels.
func (a *GridAggregator) Coverage() (covered, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.count {
		if c > 0 {
			covered++
		}
	}
	return covered, len(a.count)
}

// Duplicates returns how many submissions targeted an already added window.
func (a *GridAggregator) Duplicates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duplicates
}

// Output returns the averaged volume. Voxels that no patch covered make it
// fail with *IncompleteReconstructionError unless a sentinel was configured.
func (a *GridAggregator) Output() (*models.Image, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	voxels := len(a.count)
	missing := 0
	for _, c := range a.count {
		if c == 0 {
			missing++
		}
	}
	if missing > 0 && !a.useSentinel {
		return nil, &IncompleteReconstructionError{Missing: missing, Total: voxels}
	}

	out := models.NewImage(a.plan.Extent(), a.channels, a.outType)

	// Divide by a counter with uncovered voxels set to 1 so DivTo stays
	// finite; those voxels are overwritten below.
	divisor := a.count
	if missing > 0 {
		divisor = make([]float64, voxels)
		copy(divisor, a.count)
		for i, c := range divisor {
			if c == 0 {
				divisor[i] = 1
			}
		}
	}

	for c := 0; c < a.channels; c++ {
		floats.DivTo(out.Data[c*voxels:(c+1)*voxels], a.acc[c*voxels:(c+1)*voxels], divisor)
	}

	if missing > 0 {
		for i, cnt := range a.count {
			if cnt == 0 {
				for c := 0; c < a.channels; c++ {
					out.Data[c*voxels+i] = a.sentinel
				}
			}
		}
	}
	return out, nil
}
