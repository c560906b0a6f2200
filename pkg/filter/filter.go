// Package filter holds simple per-patch volume filters used as stand-in
// models for patch inference.
package filter

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"volpatch/internal/models"
)

// BoxMean averages each voxel with its 3x3x3 neighbourhood. Neighbours
// outside the image are skipped.
func BoxMean(img *models.Image) *models.Image {
	out := models.NewImage(img.Shape, img.Channels, img.Type)
	s := img.Shape
	for c := 0; c < img.Channels; c++ {
		for z := 0; z < s[2]; z++ {
			for y := 0; y < s[1]; y++ {
				for x := 0; x < s[0]; x++ {
					sum, n := 0.0, 0
					for dz := max(0, z-1); dz <= min(s[2]-1, z+1); dz++ {
						for dy := max(0, y-1); dy <= min(s[1]-1, y+1); dy++ {
							for dx := max(0, x-1); dx <= min(s[0]-1, x+1); dx++ {
								sum += img.At(c, dx, dy, dz)
								n++
							}
						}
					}
					out.Set(c, x, y, z, sum/float64(n))
				}
			}
		}
	}
	return out
}

// LowPass removes spatial frequencies above cutoff, given as a fraction of
// the Nyquist frequency in (0, 1]. The filter is separable: each axis is
// transformed with a real FFT, high bins are zeroed and the line is
// transformed back. A cutoff of 1 returns the input up to rounding.
func LowPass(img *models.Image, cutoff float64) (*models.Image, error) {
	if cutoff <= 0 || cutoff > 1 {
		return nil, fmt.Errorf("cutoff must be in (0, 1], got %g", cutoff)
	}

	out := models.NewImage(img.Shape, img.Channels, img.Type)
	copy(out.Data, img.Data)

	for axis := 0; axis < 3; axis++ {
		lowPassAxis(out, axis, cutoff)
	}
	return out, nil
}

// lowPassAxis filters every line of img along axis in place.
func lowPassAxis(img *models.Image, axis int, cutoff float64) {
	n := img.Shape[axis]
	if n < 2 {
		return
	}

	fft := fourier.NewFFT(n)
	line := make([]float64, n)
	coeff := make([]complex128, n/2+1)
	keep := int(cutoff * float64(n/2))

	// the two axes that are not filtered
	u, v := (axis+1)%3, (axis+2)%3
	var p [3]int
	for c := 0; c < img.Channels; c++ {
		for j := 0; j < img.Shape[v]; j++ {
			for i := 0; i < img.Shape[u]; i++ {
				p[u], p[v] = i, j
				for k := 0; k < n; k++ {
					p[axis] = k
					line[k] = img.At(c, p[0], p[1], p[2])
				}

				fft.Coefficients(coeff, line)
				for f := keep + 1; f < len(coeff); f++ {
					coeff[f] = 0
				}
				fft.Sequence(line, coeff)

				for k := 0; k < n; k++ {
					p[axis] = k
					// Sequence is unnormalized
					img.Set(c, p[0], p[1], p[2], line[k]/float64(n))
				}
			}
		}
	}
}
