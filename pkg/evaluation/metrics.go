// Package evaluation compares a reconstructed volume with a reference.
//
// The metrics are global (whole volume) versions of the usual image quality
// measures. They are used to check grid reconstructions, where an identity
// model must give back the input exactly.
package evaluation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volpatch/internal/models"
)

// Metrics holds the comparison of a reconstruction with its reference.
type Metrics struct {
	// RMSE is the root mean square voxel difference. 0 means identical.
	RMSE float64

	// MaxAbsError is the largest absolute voxel difference.
	MaxAbsError float64

	// SSIM is the structural similarity index computed over the whole
	// volume, in [-1, 1] with 1 meaning identical structure.
	SSIM float64

	// Correlation is the Pearson correlation of the voxel values. NaN when
	// either volume is constant.
	Correlation float64
}

func (m Metrics) String() string {
	return fmt.Sprintf("RMSE=%.6f MaxAbs=%.6f SSIM=%.4f Corr=%.4f", m.RMSE, m.MaxAbsError, m.SSIM, m.Correlation)
}

// Compare computes the metrics of reconstructed against original. Both
// images must have the same shape and channel count.
func Compare(original, reconstructed *models.Image) (Metrics, error) {
	if original.Shape != reconstructed.Shape || original.Channels != reconstructed.Channels {
		return Metrics{}, fmt.Errorf("cannot compare %s x%d with %s x%d",
			original.Shape, original.Channels, reconstructed.Shape, reconstructed.Channels)
	}

	a, b := original.Data, reconstructed.Data
	return Metrics{
		RMSE:        RMSE(a, b),
		MaxAbsError: maxAbsDiff(a, b),
		SSIM:        SSIM(a, b, dynamicRange(a)),
		Correlation: stat.Correlation(a, b, nil),
	}, nil
}

// RMSE computes the root mean square error
func RMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	return floats.Distance(original, reconstructed, 2) / math.Sqrt(float64(n))
}

// SSIM computes the structural similarity index over the whole signal, for
// values spanning dynamic range L.
func SSIM(original, reconstructed []float64, L float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	if L <= 0 {
		L = 1
	}

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	var sigmaX, sigmaY, sigmaXY float64
	if n > 1 {
		sigmaX = stat.Variance(original, nil)
		sigmaY = stat.Variance(reconstructed, nil)
		sigmaXY = stat.Covariance(original, reconstructed, nil)
	}

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)

	if den > 0 {
		return num / den
	}
	return 0
}

// maxAbsDiff returns the largest absolute difference (L-infinity distance)
func maxAbsDiff(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return floats.Distance(a, b, math.Inf(1))
}

// dynamicRange returns max-min of data
func dynamicRange(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return floats.Max(data) - floats.Min(data)
}
