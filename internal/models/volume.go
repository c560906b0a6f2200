package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ErrNoLabel is returned when a subject has no image of type Label.
var ErrNoLabel = errors.New("no label image in subject")

// Point3 is an integer 3-tuple ordered (x, y, z).
type Point3 [3]int

// Add returns p + q componentwise.
func (p Point3) Add(q Point3) Point3 {
	return Point3{p[0] + q[0], p[1] + q[1], p[2] + q[2]}
}

// Sub returns p - q componentwise.
func (p Point3) Sub(q Point3) Point3 {
	return Point3{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

// Prod returns the number of voxels in a box of size p.
func (p Point3) Prod() int {
	return p[0] * p[1] * p[2]
}

func (p Point3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Location identifies a patch window inside a volume.
type Location struct {
	// Index is the start offset of the window
	Index Point3

	// Size is the extent of the window along each axis
	Size Point3
}

// End returns the exclusive end offset of the window.
func (l Location) End() Point3 {
	return l.Index.Add(l.Size)
}

// Contains reports whether voxel v lies inside the window.
func (l Location) Contains(v Point3) bool {
	for a := 0; a < 3; a++ {
		if v[a] < l.Index[a] || v[a] >= l.Index[a]+l.Size[a] {
			return false
		}
	}
	return true
}

// Within reports whether the window fits inside a volume of the given extent.
func (l Location) Within(extent Point3) bool {
	for a := 0; a < 3; a++ {
		if l.Index[a] < 0 || l.Size[a] <= 0 || l.Index[a]+l.Size[a] > extent[a] {
			return false
		}
	}
	return true
}

func (l Location) String() string {
	return fmt.Sprintf("%s at offset %s", l.Size, l.Index)
}

// ImageType tags how an image takes part in sampling.
type ImageType int

const (
	// Intensity images hold continuous values (MRI signal, CT densities)
	Intensity ImageType = iota

	// Label images hold segmentation classes and drive label-biased sampling
	Label
)

func (t ImageType) String() string {
	switch t {
	case Intensity:
		return "intensity"
	case Label:
		return "label"
	default:
		return "unknown"
	}
}

// Image is a dense 3D volume with one or more channels.
//
// Data is stored channel-major and x-fastest inside a channel:
// index = ((c*Z + z)*Y + y)*X + x
type Image struct {
	// Data holds the voxel values
	Data []float64

	// Shape is the spatial extent (x, y, z) in voxels
	Shape Point3

	// Channels is the number of channels, at least 1
	Channels int

	// Type tells intensity images from label maps
	Type ImageType
}

// NewImage allocates a zero-filled image.
func NewImage(shape Point3, channels int, typ ImageType) *Image {
	if channels < 1 {
		channels = 1
	}
	return &Image{
		Data:     make([]float64, shape.Prod()*channels),
		Shape:    shape,
		Channels: channels,
		Type:     typ,
	}
}

// NewImageFromData wraps existing voxel data, checking its length.
func NewImageFromData(data []float64, shape Point3, channels int, typ ImageType) (*Image, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	for a := 0; a < 3; a++ {
		if shape[a] <= 0 {
			return nil, fmt.Errorf("shape must be positive, got %s", shape)
		}
	}
	if len(data) != shape.Prod()*channels {
		return nil, fmt.Errorf("data length %d does not match shape %s with %d channels", len(data), shape, channels)
	}
	return &Image{Data: data, Shape: shape, Channels: channels, Type: typ}, nil
}

// NumVoxels returns the number of spatial voxels (per channel).
func (img *Image) NumVoxels() int {
	return img.Shape.Prod()
}

// Index returns the flat offset of voxel (x, y, z) in channel c.
func (img *Image) Index(c, x, y, z int) int {
	return ((c*img.Shape[2]+z)*img.Shape[1]+y)*img.Shape[0] + x
}

// At returns the value of voxel (x, y, z) in channel c.
func (img *Image) At(c, x, y, z int) float64 {
	return img.Data[img.Index(c, x, y, z)]
}

// Set stores v at voxel (x, y, z) in channel c.
func (img *Image) Set(c, x, y, z int, v float64) {
	img.Data[img.Index(c, x, y, z)] = v
}

// Crop copies the window loc out of the image. The result shares no memory
// with the source.
func (img *Image) Crop(loc Location) (*Image, error) {
	if !loc.Within(img.Shape) {
		return nil, fmt.Errorf("window %s outside image of shape %s", loc, img.Shape)
	}

	out := NewImage(loc.Size, img.Channels, img.Type)
	rowLen := loc.Size[0]

	// Copy row by row; rows are contiguous along x
	for c := 0; c < img.Channels; c++ {
		for z := 0; z < loc.Size[2]; z++ {
			for y := 0; y < loc.Size[1]; y++ {
				src := img.Index(c, loc.Index[0], loc.Index[1]+y, loc.Index[2]+z)
				dst := out.Index(c, 0, y, z)
				copy(out.Data[dst:dst+rowLen], img.Data[src:src+rowLen])
			}
		}
	}

	return out, nil
}

// Subject is one case of a dataset: a set of co-registered images keyed by
// channel name.
type Subject struct {
	// ID identifies the subject in logs and patch records
	ID string

	// Images maps channel names to their volumes
	Images map[string]*Image
}

// NewSubject builds a subject and checks that every image shares the same
// spatial shape. An empty id is replaced with a random UUID.
func NewSubject(id string, images map[string]*Image) (*Subject, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Subject{ID: id, Images: images}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the subject invariants.
func (s *Subject) Validate() error {
	if len(s.Images) == 0 {
		return fmt.Errorf("subject %s has no images", s.ID)
	}

	var shape Point3
	first := ""
	for _, name := range s.ChannelNames() {
		img := s.Images[name]
		if img == nil {
			return fmt.Errorf("subject %s: image %q is nil", s.ID, name)
		}
		if first == "" {
			shape = img.Shape
			first = name
			continue
		}
		if img.Shape != shape {
			return fmt.Errorf("subject %s: image %q has shape %s, %q has %s",
				s.ID, name, img.Shape, first, shape)
		}
	}
	return nil
}

// ChannelNames returns the image names in sorted order.
func (s *Subject) ChannelNames() []string {
	names := make([]string, 0, len(s.Images))
	for name := range s.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shape returns the spatial shape shared by all images.
func (s *Subject) Shape() Point3 {
	for _, name := range s.ChannelNames() {
		return s.Images[name].Shape
	}
	return Point3{}
}

// FirstLabel returns the first Label image in channel-name order.
func (s *Subject) FirstLabel() (string, *Image, error) {
	for _, name := range s.ChannelNames() {
		if img := s.Images[name]; img.Type == Label {
			return name, img, nil
		}
	}
	return "", nil, fmt.Errorf("subject %s: %w", s.ID, ErrNoLabel)
}

// Patch is a window of a subject, materialized for every channel.
type Patch struct {
	// SubjectID is the ID of the subject the patch was cut from
	SubjectID string

	// Location is the window inside the subject volume
	Location Location

	// Images holds the cropped content keyed by channel name
	Images map[string]*Image
}

// Extract materializes the window loc of every image in the subject.
func Extract(subject *Subject, loc Location) (*Patch, error) {
	p := &Patch{
		SubjectID: subject.ID,
		Location:  loc,
		Images:    make(map[string]*Image, len(subject.Images)),
	}
	for name, img := range subject.Images {
		crop, err := img.Crop(loc)
		if err != nil {
			return nil, fmt.Errorf("subject %s channel %q: %w", subject.ID, name, err)
		}
		p.Images[name] = crop
	}
	return p, nil
}
