// Package dataset provides subject sources for the patch queue.
//
// MemorySource serves subjects already held in memory. SliceDirSource reads
// subjects from stacks of 2D JPEG slices on disk, one directory per subject
// and one sub-directory per channel:
//
//	root/
//	  case001/
//	    t1/    slice_000.jpg slice_001.jpg ...
//	    label/ slice_000.jpg slice_001.jpg ...
//	  case002/
//	    ...
//
// Slices are ordered by the number in their filename.
package dataset

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"volpatch/internal/models"
)

// MemorySource is a fixed list of subjects.
type MemorySource struct {
	subjects []*models.Subject
}

// NewMemorySource validates and wraps subjects.
func NewMemorySource(subjects ...*models.Subject) (*MemorySource, error) {
	for i, s := range subjects {
		if s == nil {
			return nil, fmt.Errorf("subject %d is nil", i)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &MemorySource{subjects: subjects}, nil
}

func (m *MemorySource) Len() int {
	return len(m.subjects)
}

func (m *MemorySource) Get(ctx context.Context, i int) (*models.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(m.subjects) {
		return nil, fmt.Errorf("subject index %d out of range [0, %d)", i, len(m.subjects))
	}
	return m.subjects[i], nil
}

// SliceDirSource loads subjects from JPEG slice stacks. Subjects are read
// from disk on every Get; nothing is cached.
type SliceDirSource struct {
	root          string
	subjects      []string
	labelChannels map[string]bool
}

// NewSliceDirSource lists the subject directories under root. Channels
// named in labelChannels are loaded as Label images and binarized at 0.5.
func NewSliceDirSource(root string, labelChannels []string) (*SliceDirSource, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset root: %w", err)
	}

	var subjects []string
	for _, e := range entries {
		if e.IsDir() {
			subjects = append(subjects, e.Name())
		}
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("no subject directories found in %s", root)
	}
	sort.Strings(subjects)

	labels := make(map[string]bool, len(labelChannels))
	for _, c := range labelChannels {
		labels[c] = true
	}

	return &SliceDirSource{root: root, subjects: subjects, labelChannels: labels}, nil
}

func (s *SliceDirSource) Len() int {
	return len(s.subjects)
}

// SubjectIDs returns the subject directory names in index order.
func (s *SliceDirSource) SubjectIDs() []string {
	return append([]string(nil), s.subjects...)
}

// Get loads subject i with all of its channels.
func (s *SliceDirSource) Get(ctx context.Context, i int) (*models.Subject, error) {
	if i < 0 || i >= len(s.subjects) {
		return nil, fmt.Errorf("subject index %d out of range [0, %d)", i, len(s.subjects))
	}
	id := s.subjects[i]
	dir := filepath.Join(s.root, id)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading subject %s: %w", id, err)
	}

	images := make(map[string]*models.Image)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		typ := models.Intensity
		if s.labelChannels[e.Name()] {
			typ = models.Label
		}
		img, err := LoadSliceStack(ctx, filepath.Join(dir, e.Name()), typ)
		if err != nil {
			return nil, fmt.Errorf("subject %s channel %s: %w", id, e.Name(), err)
		}
		images[e.Name()] = img
	}

	return models.NewSubject(id, images)
}

// LoadSliceStack reads every JPEG in dir as one z-slice of a volume. Values
// are scaled to [0, 1]; Label stacks are thresholded to 0/1.
func LoadSliceStack(ctx context.Context, dir string, typ models.ImageType) (*models.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPG images found in %s", dir)
	}

	// Sort on the number in the filename so slice_10 follows slice_9
	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	var vol *models.Image
	for z, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", name, err)
		}
		b := img.Bounds()
		if vol == nil {
			vol = models.NewImage(models.Point3{b.Dx(), b.Dy(), len(files)}, 1, typ)
		} else if b.Dx() != vol.Shape[0] || b.Dy() != vol.Shape[1] {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", name, b.Dx(), b.Dy(), vol.Shape[0], vol.Shape[1])
		}

		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				v := float64(r) / 65535.0
				if typ == models.Label {
					if v >= 0.5 {
						v = 1
					} else {
						v = 0
					}
				}
				vol.Set(0, x, y, z, v)
			}
		}
	}
	return vol, nil
}

// extractNumber returns the digits of a filename as an integer, or 0.
func extractNumber(filename string) int {
	var digits strings.Builder
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return jpeg.Decode(file)
}
