package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"volpatch/internal/models"
)

// Viewer renders orthogonal slices of one channel of a volume as 16-bit
// grayscale images. Values are mapped linearly from the display window
// [lo, hi] to [0, 65535] and clipped.
type Viewer struct {
	img     *models.Image
	channel int

	lo, hi float64
}

// ViewerOption configures a Viewer.
type ViewerOption func(*Viewer)

// WithWindow fixes the display window instead of using the channel's
// min/max.
func WithWindow(lo, hi float64) ViewerOption {
	return func(v *Viewer) {
		v.lo, v.hi = lo, hi
	}
}

// NewViewer creates a viewer for the given channel of img.
func NewViewer(img *models.Image, channel int, opts ...ViewerOption) (*Viewer, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if channel < 0 || channel >= img.Channels {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", channel, img.Channels)
	}

	v := &Viewer{img: img, channel: channel}
	v.lo, v.hi = channelRange(img, channel)
	for _, opt := range opts {
		opt(v)
	}
	if v.hi <= v.lo {
		v.hi = v.lo + 1
	}
	return v, nil
}

func channelRange(img *models.Image, channel int) (lo, hi float64) {
	n := img.NumVoxels()
	data := img.Data[channel*n : (channel+1)*n]
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range data {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func (v *Viewer) gray(x, y, z int) color.Gray16 {
	t := (v.img.At(v.channel, x, y, z) - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	width, height, depth := v.img.Shape[0], v.img.Shape[1], v.img.Shape[2]
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		img = image.NewGray16(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, v.gray(position, y, z))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		img = image.NewGray16(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, v.gray(x, position, z))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		img = image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, v.gray(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 95})
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
// Files are named slice_<axis>_<pos>.jpg, which dataset.LoadSliceStack reads
// back in order.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.img.Shape[0]
	case "y", "Y":
		maxPos = v.img.Shape[1]
	case "z", "Z":
		maxPos = v.img.Shape[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
