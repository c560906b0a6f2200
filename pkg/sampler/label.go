package sampler

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"weak"

	"volpatch/internal/models"
	"volpatch/pkg/grid"
)

// foregroundCacheSize bounds the number of label maps whose foreground index
// is kept between calls. Entries are also dropped as soon as their label
// image is garbage collected.
const foregroundCacheSize = 64

// LabelSampler draws windows that always contain foreground.
//
// For each draw a foreground voxel of the label map is picked uniformly at
// random and the window is centred on it, then shifted to stay inside the
// volume. The list of foreground voxels is computed once per label image and
// reused, so the cost of a draw does not depend on how sparse the label is.
//
// Safe for concurrent use.
type LabelSampler struct {
	patch        models.Point3
	rng          *lockedRand
	labelChannel string
	foreground   float64
	matchValue   bool

	mu    sync.Mutex
	cache map[weak.Pointer[models.Image]][]int
	order []weak.Pointer[models.Image]
}

// NewLabelSampler returns a label-biased sampler. Non-positive patch
// dimensions are rejected.
func NewLabelSampler(patchSize models.Point3, opts ...Option) (*LabelSampler, error) {
	if err := grid.CheckPatchSize(patchSize); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &LabelSampler{
		patch:        patchSize,
		rng:          o.rng,
		labelChannel: o.labelChannel,
		foreground:   o.foreground,
		matchValue:   o.foregroundIsSet,
		cache:        make(map[weak.Pointer[models.Image]][]int),
	}, nil
}

func (l *LabelSampler) PatchSize() models.Point3 {
	return l.patch
}

// Locations draws n windows centred on random foreground voxels. It fails
// with ErrNoForeground when the label map is all background.
func (l *LabelSampler) Locations(subject *models.Subject, n int) ([]models.Location, error) {
	extent, err := checkSubject(l.patch, subject, n)
	if err != nil {
		return nil, err
	}

	label, err := l.labelImage(subject)
	if err != nil {
		return nil, err
	}

	fg := l.foregroundIndex(label)
	if len(fg) == 0 {
		return nil, fmt.Errorf("subject %s: %w", subject.ID, ErrNoForeground)
	}

	nx, ny := extent[0], extent[1]
	locs := make([]models.Location, n)
	for i := range locs {
		flat := fg[l.rng.IntN(len(fg))]
		voxel := models.Point3{flat % nx, (flat / nx) % ny, flat / (nx * ny)}
		locs[i] = models.Location{Index: l.centre(voxel, extent), Size: l.patch}
	}
	return locs, nil
}

// centre places the window on voxel, clamped to [0, extent-patch].
func (l *LabelSampler) centre(voxel, extent models.Point3) models.Point3 {
	var start models.Point3
	for a := 0; a < 3; a++ {
		s := voxel[a] - l.patch[a]/2
		if s < 0 {
			s = 0
		}
		if maxStart := extent[a] - l.patch[a]; s > maxStart {
			s = maxStart
		}
		start[a] = s
	}
	return start
}

func (l *LabelSampler) labelImage(subject *models.Subject) (*models.Image, error) {
	if l.labelChannel == "" {
		_, img, err := subject.FirstLabel()
		return img, err
	}
	img, ok := subject.Images[l.labelChannel]
	if !ok {
		return nil, fmt.Errorf("subject %s has no channel %q: %w", subject.ID, l.labelChannel, models.ErrNoLabel)
	}
	return img, nil
}

func (l *LabelSampler) isForeground(v float64) bool {
	if l.matchValue {
		return v == l.foreground
	}
	return v != 0
}

// foregroundIndex returns the spatial flat indices of foreground voxels. A
// voxel counts when any channel of the label map is foreground there.
func (l *LabelSampler) foregroundIndex(label *models.Image) []int {
	key := weak.Make(label)

	l.mu.Lock()
	if fg, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return fg
	}
	l.mu.Unlock()

	n := label.NumVoxels()
	seen := make([]bool, n)
	var fg []int
	for c := 0; c < label.Channels; c++ {
		channel := label.Data[c*n : (c+1)*n]
		for i, v := range channel {
			if !seen[i] && l.isForeground(v) {
				seen[i] = true
				fg = append(fg, i)
			}
		}
	}
	if label.Channels > 1 {
		// keep the list ordered by voxel for reproducible draws
		fg = fg[:0]
		for i, ok := range seen {
			if ok {
				fg = append(fg, i)
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[key]; !ok {
		if len(l.order) >= foregroundCacheSize {
			delete(l.cache, l.order[0])
			l.order = l.order[1:]
		}
		l.cache[key] = fg
		l.order = append(l.order, key)
		runtime.AddCleanup(label, l.evict, key)
	}
	return l.cache[key]
}

// evict drops the entry of a collected label image.
func (l *LabelSampler) evict(key weak.Pointer[models.Image]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, key)
	if i := slices.Index(l.order, key); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
}
