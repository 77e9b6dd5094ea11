package morph

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Alignment failure taxonomy. Every failing call still returns a safe
// TransformResult (identity transform, scale 1.0).
var (
	// ErrShapeMismatch indicates the point sets differ in length.
	ErrShapeMismatch = errors.New("point sets must have the same number of points")
	// ErrInsufficientPoints indicates fewer than 3 point pairs.
	ErrInsufficientPoints = errors.New("need at least 3 points for procrustes alignment")
	// ErrDegenerateScale indicates the target set has near-zero spread, so a
	// scale factor cannot be estimated.
	ErrDegenerateScale = errors.New("target points have near-zero spread")
	// ErrInsufficientSets indicates fewer than 2 point sets for GPA.
	ErrInsufficientSets = errors.New("need at least 2 point sets for superimposition")
)

// degenerateSpread is the Frobenius-norm floor below which scale estimation
// is refused.
const degenerateSpread = 1e-10

func identityResult() TransformResult {
	return TransformResult{Transform: Identity(), Scale: 1.0}
}

// Align computes the least-squares similarity transform that maps target onto
// reference: optimal rotation, translation, and (when opts.AllowScale)
// uniform scale, via the SVD of the cross-covariance matrix.
//
// When opts.AllowReflection is false and the unconstrained optimum is an
// improper rotation (det < 0), the last column of V is negated before
// recomputing R. This is the minimal correction that guarantees det(R) = +1.
//
// Note: near-coplanar landmark configurations (a near-zero third singular
// value) make the rotation ill-conditioned; no special handling is applied.
func Align(reference, target PointSet, opts AlignOptions) (TransformResult, error) {
	if len(reference) != len(target) {
		return identityResult(), ErrShapeMismatch
	}
	if len(reference) < 3 {
		return identityResult(), ErrInsufficientPoints
	}

	refCentroid := Centroid(reference)
	tgtCentroid := Centroid(target)
	refCentered := centered(reference, refCentroid)
	tgtCentered := centered(target, tgtCentroid)

	scale := 1.0
	if opts.AllowScale {
		tgtNorm := frobeniusNorm(tgtCentered)
		if tgtNorm <= degenerateSpread {
			return identityResult(), ErrDegenerateScale
		}
		scale = frobeniusNorm(refCentered) / tgtNorm
	}

	// Cross-covariance H = (scale * tgtCentered)^T * refCentered, 3x3.
	var h [9]float64
	for i := range tgtCentered {
		t := r3.Scale(scale, tgtCentered[i])
		r := refCentered[i]
		h[0] += t.X * r.X
		h[1] += t.X * r.Y
		h[2] += t.X * r.Z
		h[3] += t.Y * r.X
		h[4] += t.Y * r.Y
		h[5] += t.Y * r.Z
		h[6] += t.Z * r.X
		h[7] += t.Z * r.Y
		h[8] += t.Z * r.Z
	}

	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(3, 3, h[:]), mat.SVDFull); !ok {
		return identityResult(), fmt.Errorf("svd factorization of cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * U^T.
	var rot mat.Dense
	rot.Mul(&v, u.T())

	if !opts.AllowReflection && mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rot.Mul(&v, u.T())
	}

	// translation = refCentroid - R * (scale * tgtCentroid)
	sc := r3.Scale(scale, tgtCentroid)
	rotated := r3.Vec{
		X: rot.At(0, 0)*sc.X + rot.At(0, 1)*sc.Y + rot.At(0, 2)*sc.Z,
		Y: rot.At(1, 0)*sc.X + rot.At(1, 1)*sc.Y + rot.At(1, 2)*sc.Z,
		Z: rot.At(2, 0)*sc.X + rot.At(2, 1)*sc.Y + rot.At(2, 2)*sc.Z,
	}
	translation := r3.Sub(refCentroid, rotated)

	t := Transform{
		rot.At(0, 0) * scale, rot.At(0, 1) * scale, rot.At(0, 2) * scale, translation.X,
		rot.At(1, 0) * scale, rot.At(1, 1) * scale, rot.At(1, 2) * scale, translation.Y,
		rot.At(2, 0) * scale, rot.At(2, 1) * scale, rot.At(2, 2) * scale, translation.Z,
		0, 0, 0, 1,
	}

	return TransformResult{Transform: t, Scale: scale}, nil
}

// RMSE applies the transform to each target point and returns the
// root-mean-square Euclidean distance to the corresponding reference point.
// Callers must pass shape-compatible sets; this function does not re-validate.
func RMSE(reference, target PointSet, t Transform) float64 {
	if len(reference) == 0 {
		return 0
	}
	var sum float64
	for i, p := range target {
		d := r3.Sub(reference[i], t.Apply(p))
		sum += d.X*d.X + d.Y*d.Y + d.Z*d.Z
	}
	return math.Sqrt(sum / float64(len(reference)))
}
