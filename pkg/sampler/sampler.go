// Package sampler chooses patch windows inside a subject.
//
// Three strategies are provided:
//
//   - GridSampler walks a deterministic tiling of the volume (inference)
//   - UniformSampler draws windows uniformly at random (training)
//   - LabelSampler draws windows centred on random foreground voxels of a
//     label map (training on sparse targets)
//
// Samplers only produce locations; Sample materializes them into patches.
package sampler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
)

// ErrNoForeground is returned by LabelSampler for a label map without any
// foreground voxel. Callers decide what to do about it, e.g. with Fallback.
var ErrNoForeground = errors.New("label image has no foreground voxels")

// Sampler produces patch windows for a subject.
type Sampler interface {
	// PatchSize returns the size of every window produced.
	PatchSize() models.Point3

	// Locations returns n windows inside subject. Samplers that enumerate a
	// fixed set of windows ignore n.
	Locations(subject *models.Subject, n int) ([]models.Location, error)
}

// Sample draws n windows from subject and crops every channel for each.
func Sample(s Sampler, subject *models.Subject, n int) ([]*models.Patch, error) {
	locs, err := s.Locations(subject, n)
	if err != nil {
		return nil, err
	}

	patches := make([]*models.Patch, 0, len(locs))
	for _, loc := range locs {
		p, err := models.Extract(subject, loc)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	return patches, nil
}

// Option configures the random samplers.
type Option func(*options)

type options struct {
	rng             *lockedRand
	labelChannel    string
	foreground      float64
	foregroundIsSet bool
}

// WithRand sets the random source. Samplers built with the same option
// share one lock around r; r must not be used elsewhere concurrently.
func WithRand(r *rand.Rand) Option {
	lr := &lockedRand{rng: r}
	return func(o *options) { o.rng = lr }
}

// WithSeed seeds a PCG source, for reproducible draws.
func WithSeed(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// WithLabelChannel selects the label image by channel name instead of using
// the first Label image of the subject.
func WithLabelChannel(name string) Option {
	return func(o *options) { o.labelChannel = name }
}

// WithForegroundValue counts only voxels equal to v as foreground. By
// default any nonzero voxel is foreground.
func WithForegroundValue(v float64) Option {
	return func(o *options) {
		o.foreground = v
		o.foregroundIsSet = true
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = &lockedRand{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	}
	return o
}

// lockedRand guards a *rand.Rand shared by concurrent queue workers.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.IntN(n)
}

// Kind names a sampler strategy in configuration files.
type Kind string

const (
	KindUniform Kind = "uniform"
	KindLabel   Kind = "label"

	// KindLabelOrUniform is a label sampler that falls back to uniform
	// sampling for subjects without foreground.
	KindLabelOrUniform Kind = "label+uniform"
)

// New builds a subject-agnostic sampler by kind. Grid samplers are bound to
// a subject and built with NewGridSampler instead.
func New(kind Kind, patchSize models.Point3, opts ...Option) (Sampler, error) {
	switch kind {
	case KindUniform, "":
		return NewUniformSampler(patchSize, opts...)
	case KindLabel:
		return NewLabelSampler(patchSize, opts...)
	case KindLabelOrUniform:
		label, err := NewLabelSampler(patchSize, opts...)
		if err != nil {
			return nil, err
		}
		uniform, err := NewUniformSampler(patchSize, opts...)
		if err != nil {
			return nil, err
		}
		return Fallback(label, uniform), nil
	default:
		return nil, fmt.Errorf("unknown sampler type %q", kind)
	}
}

// fallbackSampler delegates to secondary when primary finds no foreground.
type fallbackSampler struct {
	primary   Sampler
	secondary Sampler
}

// Fallback returns a sampler that uses primary, and switches to secondary
// only for subjects where primary fails with ErrNoForeground. Any other error
// is returned unchanged. Both samplers must share the same patch size.
func Fallback(primary, secondary Sampler) Sampler {
	return &fallbackSampler{primary: primary, secondary: secondary}
}

func (f *fallbackSampler) PatchSize() models.Point3 {
	return f.primary.PatchSize()
}

func (f *fallbackSampler) Locations(subject *models.Subject, n int) ([]models.Location, error) {
	locs, err := f.primary.Locations(subject, n)
	if errors.Is(err, ErrNoForeground) {
		return f.secondary.Locations(subject, n)
	}
	return locs, err
}

// checkSubject validates the draw count and the patch size against the
// subject volume before anything is drawn.
func checkSubject(patch models.Point3, subject *models.Subject, n int) (models.Point3, error) {
	if n < 0 {
		return models.Point3{}, fmt.Errorf("number of windows must not be negative, got %d", n)
	}
	if subject == nil {
		return models.Point3{}, fmt.Errorf("nil subject")
	}
	extent := subject.Shape()
	if err := grid.CheckPatchFits(patch, extent); err != nil {
		return extent, fmt.Errorf("subject %s: %w", subject.ID, err)
	}
	return extent, nil
}
