package mesh

import (
	"encoding/json"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-9

func floatEquals(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func vecEquals(a, b r3.Vec, eps float64) bool {
	return r3.Norm(r3.Sub(a, b)) <= eps
}

func assertVecNear(t *testing.T, label string, got, want r3.Vec, eps float64) {
	t.Helper()
	if !vecEquals(got, want, eps) {
		t.Errorf("%s = %v, want %v (|diff| = %g)", label, got, want, r3.Norm(r3.Sub(got, want)))
	}
}

func assertMatrixNear(t *testing.T, label string, got, want Matrix3, eps float64) {
	t.Helper()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !floatEquals(got[i][j], want[i][j], eps) {
				t.Errorf("%s[%d][%d] = %g, want %g", label, i, j, got[i][j], want[i][j])
			}
		}
	}
}

// skullLandmarks is a non-planar configuration with four named landmarks
func skullLandmarks() LandmarkSet {
	return LandmarkSet{
		"landmark_nasion":   {X: 0, Y: 0, Z: 0},
		"landmark_bregma":   {X: 1, Y: 0, Z: 0},
		"landmark_lambda":   {X: 0, Y: 2, Z: 0},
		"landmark_opisthio": {X: 0, Y: 0, Z: 3},
	}
}

// transformedObject returns an object whose landmarks and vertices are
// skullLandmarks (plus a few extra vertices) mapped through t
func transformedObject(name string, t SimilarityTransform) *Object {
	base := skullLandmarks()
	obj := &Object{
		Name:      name,
		Landmarks: t.ApplyLandmarks(base),
		Vertices: t.ApplyAll([]r3.Vec{
			{X: 0, Y: 0, Z: 0},
			{X: 1, Y: 1, Z: 1},
			{X: -2, Y: 0.5, Z: 4},
		}),
	}
	return obj
}

// sampleTransform is a proper rotation about a skew axis with translation
func sampleTransform(scale float64) SimilarityTransform {
	return SimilarityTransform{
		Rotation:    RotationAboutAxis(r3.Vec{X: 1, Y: 2, Z: 3}, 0.65),
		Scale:       scale,
		Translation: r3.Vec{X: 5, Y: -3, Z: 2},
	}
}

func objectFileJSON(t *testing.T, f *ObjectFile) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshaling object file: %v", err)
	}
	return data
}
