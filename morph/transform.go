package morph

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a 4x4 homogeneous transform stored row-major. The upper-left
// 3x3 block is rotation*scale, the last column holds the translation, and the
// bottom row is [0, 0, 0, 1].
type Transform [16]float64

// Identity returns an identity transform (no rotation, scale 1, no translation).
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Apply transforms a point in homogeneous coordinates.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// ApplyAll transforms every point of a set, returning a new set.
func (t Transform) ApplyAll(ps PointSet) PointSet {
	out := make(PointSet, len(ps))
	for i, p := range ps {
		out[i] = t.Apply(p)
	}
	return out
}

// Mul composes two transforms: applying the result is equivalent to applying
// o first, then t.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[i*4+k] * o[k*4+j]
			}
			out[i*4+j] = sum
		}
	}
	return out
}

// Translation returns the translation component.
func (t Transform) Translation() r3.Vec {
	return r3.Vec{X: t[3], Y: t[7], Z: t[11]}
}

// ScaleFactor extracts the uniform scale embedded in the linear block, taken
// as the Euclidean norm of the first row.
func (t Transform) ScaleFactor() float64 {
	return math.Sqrt(t[0]*t[0] + t[1]*t[1] + t[2]*t[2])
}

// IsIdentity reports whether the transform equals the identity to within tol.
func (t Transform) IsIdentity(tol float64) bool {
	id := Identity()
	for i := range t {
		if math.Abs(t[i]-id[i]) > tol {
			return false
		}
	}
	return true
}

// Centroid computes the center of mass of a point set.
func Centroid(ps PointSet) r3.Vec {
	if len(ps) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range ps {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1.0/float64(len(ps)), sum)
}

// centered returns the set translated so its centroid sits at the origin.
func centered(ps PointSet, c r3.Vec) PointSet {
	out := make(PointSet, len(ps))
	for i, p := range ps {
		out[i] = r3.Sub(p, c)
	}
	return out
}

// frobeniusNorm is the square root of the summed squared coordinates, a
// measure of the set's spread about the origin.
func frobeniusNorm(ps PointSet) float64 {
	var sum float64
	for _, p := range ps {
		sum += p.X*p.X + p.Y*p.Y + p.Z*p.Z
	}
	return math.Sqrt(sum)
}

// MeanShape computes the elementwise average across point sets. All sets must
// share the length of the first; the caller validates this.
func MeanShape(sets []PointSet) PointSet {
	if len(sets) == 0 {
		return nil
	}
	n := len(sets[0])
	mean := make(PointSet, n)
	for _, ps := range sets {
		for i, p := range ps {
			mean[i] = r3.Add(mean[i], p)
		}
	}
	inv := 1.0 / float64(len(sets))
	for i := range mean {
		mean[i] = r3.Scale(inv, mean[i])
	}
	return mean
}

// maxComponentDelta returns the largest absolute per-coordinate difference
// between two equally sized point sets.
func maxComponentDelta(a, b PointSet) float64 {
	var max float64
	for i := range a {
		d := r3.Sub(a[i], b[i])
		for _, v := range []float64{d.X, d.Y, d.Z} {
			if av := math.Abs(v); av > max {
				max = av
			}
		}
	}
	return max
}
