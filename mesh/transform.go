package mesh

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Matrix3 is a row-major 3x3 matrix value. Products, transposes and
// determinants go through gonum's r3.Mat.
type Matrix3 [3][3]float64

// Identity3 returns the 3x3 identity matrix
func Identity3() Matrix3 {
	return matrix3Of(r3.Eye())
}

// Mat returns m as a gonum 3x3 matrix
func (m Matrix3) Mat() *r3.Mat {
	return r3.NewMat([]float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

func matrix3Of(a mat.Matrix) Matrix3 {
	var m Matrix3
	for i := range m {
		for j := range m[i] {
			m[i][j] = a.At(i, j)
		}
	}
	return m
}

// mul returns the 3x3 product a·b
func mul(a, b mat.Matrix) Matrix3 {
	var p r3.Mat
	p.Mul(a, b)
	return matrix3Of(&p)
}

// MulVec returns m·v
func (m Matrix3) MulVec(v r3.Vec) r3.Vec {
	return m.Mat().MulVec(v)
}

// Det returns the determinant of m
func (m Matrix3) Det() float64 {
	return m.Mat().Det()
}

// RotationAboutAxis returns the proper rotation of angle radians about axis
// (right-handed). A zero axis yields the identity.
func RotationAboutAxis(axis r3.Vec, angle float64) Matrix3 {
	if r3.Norm(axis) == 0 {
		return Identity3()
	}
	return matrix3Of(r3.NewRotation(angle, axis).Mat())
}

// Matrix4 is a row-major homogeneous transform
type Matrix4 [4][4]float64

// Identity4 returns the 4x4 identity matrix
func Identity4() Matrix4 {
	return Matrix4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Apply transforms a point (w = 1)
func (m Matrix4) Apply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z + m[0][3],
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z + m[1][3],
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z + m[2][3],
	}
}

// Mul returns m*b
func (m Matrix4) Mul(b Matrix4) Matrix4 {
	var out Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += m[i][k] * b[k][j]
			}
		}
	}
	return out
}

// SimilarityTransform maps a point y to Scale*Rotation*y + Translation.
// Rotation is orthonormal; its determinant is -1 only when a reflection
// was allowed and chosen.
type SimilarityTransform struct {
	Rotation    Matrix3
	Scale       float64
	Translation r3.Vec
}

// IdentityTransform returns the transform that leaves every point in place
func IdentityTransform() SimilarityTransform {
	return SimilarityTransform{Rotation: Identity3(), Scale: 1}
}

// Apply transforms a single point
func (t SimilarityTransform) Apply(v r3.Vec) r3.Vec {
	return r3.Add(r3.Scale(t.Scale, t.Rotation.MulVec(v)), t.Translation)
}

// ApplyAll transforms every point into a new slice
func (t SimilarityTransform) ApplyAll(points []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// ApplyLandmarks transforms every landmark of a set into a new set
func (t SimilarityTransform) ApplyLandmarks(ls LandmarkSet) LandmarkSet {
	out := make(LandmarkSet, len(ls))
	for name, p := range ls {
		out[name] = t.Apply(p)
	}
	return out
}

// Matrix4 returns the homogeneous form with the scale folded into the
// upper-left block.
func (t SimilarityTransform) Matrix4() Matrix4 {
	m := Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = t.Scale * t.Rotation[i][j]
		}
	}
	m[0][3] = t.Translation.X
	m[1][3] = t.Translation.Y
	m[2][3] = t.Translation.Z
	return m
}

// Compose returns the transform that applies u first, then t
func (t SimilarityTransform) Compose(u SimilarityTransform) SimilarityTransform {
	return SimilarityTransform{
		Rotation:    mul(t.Rotation.Mat(), u.Rotation.Mat()),
		Scale:       t.Scale * u.Scale,
		Translation: t.Apply(u.Translation),
	}
}

// Inverse returns the transform undoing t. It returns false when Scale is zero.
func (t SimilarityTransform) Inverse() (SimilarityTransform, bool) {
	if t.Scale == 0 {
		return IdentityTransform(), false
	}
	rt := matrix3Of(t.Rotation.Mat().T())
	inv := 1 / t.Scale
	return SimilarityTransform{
		Rotation:    rt,
		Scale:       inv,
		Translation: r3.Scale(-inv, rt.MulVec(t.Translation)),
	}, true
}

// Determinant returns det(Rotation): +1 for a proper rotation, -1 for a reflection
func (t SimilarityTransform) Determinant() float64 {
	return t.Rotation.Det()
}

// IsReflection reports whether the rotation part mirrors space
func (t SimilarityTransform) IsReflection() bool {
	return t.Determinant() < 0
}

// RotationAngle returns the rotation angle in degrees of the proper part of
// the rotation.
func (t SimilarityTransform) RotationAngle() float64 {
	r := t.Rotation
	if t.IsReflection() {
		// strip the mirror about the origin so the trace formula applies
		for i := range r {
			for j := range r[i] {
				r[i][j] = -r[i][j]
			}
		}
	}
	c := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

type transformJSON struct {
	Rotation    Matrix3    `json:"rotation"`
	Scale       float64    `json:"scale"`
	Translation [3]float64 `json:"translation"`
	Matrix      *Matrix4   `json:"matrix,omitempty"`
}

// MarshalJSON encodes vectors as [x, y, z] and includes the homogeneous matrix
func (t SimilarityTransform) MarshalJSON() ([]byte, error) {
	m := t.Matrix4()
	return json.Marshal(transformJSON{
		Rotation:    t.Rotation,
		Scale:       t.Scale,
		Translation: vecToArray(t.Translation),
		Matrix:      &m,
	})
}

// UnmarshalJSON decodes the MarshalJSON form; the matrix field is ignored
func (t *SimilarityTransform) UnmarshalJSON(data []byte) error {
	var raw transformJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Rotation = raw.Rotation
	t.Scale = raw.Scale
	t.Translation = arrayToVec(raw.Translation)
	return nil
}

func vecToArray(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func arrayToVec(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

// Centroid calculates the center of mass of a set of points
func Centroid(points []r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// CentroidSize is the square root of the summed squared distances of the
// points from their centroid.
func CentroidSize(points []r3.Vec) float64 {
	c := Centroid(points)
	var ss float64
	for _, p := range points {
		ss += r3.Norm2(r3.Sub(p, c))
	}
	return math.Sqrt(ss)
}

// centered returns the points translated so their centroid is the origin
func centered(points []r3.Vec) ([]r3.Vec, r3.Vec) {
	c := Centroid(points)
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Sub(p, c)
	}
	return out, c
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 r3.Vec) float64 {
	return r3.Norm(r3.Sub(p2, p1))
}
