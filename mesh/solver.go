package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// coincidenceTolerance is the distance, relative to the centroid size of
	// the configuration, below which two landmarks are the same point.
	coincidenceTolerance = 1e-9

	// planarTolerance is the ratio of smallest to largest singular value
	// below which the configuration is treated as planar.
	planarTolerance = 1e-12
)

// SolveOptions are the per-request flags of the pairwise solver
type SolveOptions struct {
	AllowScaling    bool
	AllowReflection bool
}

// SolveSimilarity computes the similarity transform minimizing
// Σ‖targetᵢ − (s·R·sourceᵢ + t)‖² over orthonormal R (orthogonal Procrustes,
// Kabsch-type, via SVD of the cross-covariance).
//
// source and target must be index-aligned by landmark and hold at least
// MinLandmarks points. The scale is 1 unless opts.AllowScaling is set, and R
// is a proper rotation unless opts.AllowReflection is set. Landmarks that
// collapse to fewer than three distinct positions fail with
// ErrDegenerateConfiguration. Nearly colinear or coplanar landmarks are
// solved, deterministically, even though the rotation about the degenerate
// axis is then not unique.
func SolveSimilarity(source, target []r3.Vec, opts SolveOptions) (SimilarityTransform, error) {
	if len(source) != len(target) {
		return SimilarityTransform{}, fmt.Errorf("solve similarity: source has %d points, target has %d", len(source), len(target))
	}
	if len(source) < MinLandmarks {
		return SimilarityTransform{}, &DegenerateConfigurationError{
			Reason: fmt.Sprintf("%d landmarks, need at least %d", len(source), MinLandmarks),
		}
	}

	// 1. Center both configurations
	ys, cy := centered(source)
	xs, cx := centered(target)

	if n := distinctPositions(ys); n < MinLandmarks {
		return SimilarityTransform{}, &DegenerateConfigurationError{
			Reason: fmt.Sprintf("only %d distinct landmark positions", n),
		}
	}

	var sourceSS float64
	for _, y := range ys {
		sourceSS += r3.Norm2(y)
	}
	if sourceSS == 0 || math.IsNaN(sourceSS) || math.IsInf(sourceSS, 0) {
		return SimilarityTransform{}, &DegenerateConfigurationError{Reason: "source landmarks have no spread"}
	}

	// 2. Cross-covariance H = Y′ᵗ X′, one centered landmark per row
	var h mat.Dense
	h.Mul(pointsDense(ys).T(), pointsDense(xs))

	// 3. H = U Σ Vᵗ, singular values in decreasing order
	var svd mat.SVD
	if ok := svd.Factorize(&h, mat.SVDFull); !ok {
		return SimilarityTransform{}, &DegenerateConfigurationError{Reason: "singular value decomposition did not converge"}
	}
	sigma := svd.Values(nil)
	var ud, vd mat.Dense
	svd.UTo(&ud)
	svd.VTo(&vd)

	// 4. R = V Uᵗ
	r := mul(&vd, ud.T())

	// 5. Reflection policy. A planar configuration fits a rotation and its
	// mirror image equally well; the proper rotation is kept then.
	d := 1.0
	if r.Det() < 0 {
		planar := sigma[2] <= planarTolerance*sigma[0]
		if !opts.AllowReflection || planar {
			for i := 0; i < 3; i++ {
				ud.Set(i, 2, -ud.At(i, 2))
			}
			r = mul(&vd, ud.T())
			d = -1
		}
	}

	// 6. Scale from the corrected singular values
	scale := 1.0
	if opts.AllowScaling {
		scale = (sigma[0] + sigma[1] + d*sigma[2]) / sourceSS
		if !(scale > 0) || math.IsInf(scale, 0) {
			return SimilarityTransform{}, &DegenerateConfigurationError{
				Reason: fmt.Sprintf("scale %g is not positive; target landmarks have no spread", scale),
			}
		}
	}

	// 7. t = cx − s·R·cy
	t := r3.Sub(cx, r3.Scale(scale, r.MulVec(cy)))

	return SimilarityTransform{Rotation: r, Scale: scale, Translation: t}, nil
}

// distinctPositions counts centered landmark positions that are farther
// than coincidenceTolerance times the centroid size from every earlier one.
func distinctPositions(points []r3.Vec) int {
	var ss float64
	for _, p := range points {
		ss += r3.Norm2(p)
	}
	tol := coincidenceTolerance * math.Sqrt(ss)

	var seen []r3.Vec
	for _, p := range points {
		dup := false
		for _, q := range seen {
			if Distance(p, q) <= tol {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, p)
		}
	}
	return len(seen)
}

func pointsDense(points []r3.Vec) *mat.Dense {
	d := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		d.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	return d
}

// Residual returns Σ‖targetᵢ − t(sourceᵢ)‖²
func Residual(t SimilarityTransform, source, target []r3.Vec) float64 {
	var ss float64
	for i := range source {
		if i >= len(target) {
			break
		}
		ss += r3.Norm2(r3.Sub(target[i], t.Apply(source[i])))
	}
	return ss
}

// RMSE returns the root mean square landmark distance after applying t
func RMSE(t SimilarityTransform, source, target []r3.Vec) float64 {
	n := len(source)
	if len(target) < n {
		n = len(target)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(Residual(t, source[:n], target[:n]) / float64(n))
}
