package mesh

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/spatial/r3"
)

// noisyObjects returns three objects that share the skull configuration up
// to a similarity, with a small per-object perturbation so no transform fits
// exactly.
func noisyObjects() []*Object {
	a := transformedObject("skull-a", IdentityTransform())
	b := transformedObject("skull-b", sampleTransform(1))
	c := transformedObject("skull-c", SimilarityTransform{
		Rotation:    RotationAboutAxis(r3.Vec{X: -1, Y: 0.5, Z: 0.2}, 2.1),
		Scale:       1,
		Translation: r3.Vec{X: -7, Y: 1, Z: 12},
	})

	b.Landmarks["landmark_bregma"] = r3.Add(b.Landmarks["landmark_bregma"], r3.Vec{X: 0.05, Y: -0.02, Z: 0.01})
	c.Landmarks["landmark_lambda"] = r3.Add(c.Landmarks["landmark_lambda"], r3.Vec{X: -0.03, Y: 0.04, Z: 0.06})
	return []*Object{a, b, c}
}

func TestAlign_ReferenceMode(t *testing.T) {
	a := transformedObject("skull-a", IdentityTransform())
	b := transformedObject("skull-b", sampleTransform(1))
	c := transformedObject("skull-c", sampleTransform(2))

	result, err := Align(AlignmentRequest{
		Objects:      []*Object{a, b, c},
		Reference:    "skull-a",
		AllowScaling: true,
	})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if result.Mode != ModeReference || result.Reference != "skull-a" {
		t.Errorf("Mode/Reference = %s/%q, want reference/skull-a", result.Mode, result.Reference)
	}
	if result.Iterations != 1 || !result.Converged {
		t.Errorf("Iterations = %d, Converged = %v, want 1, true", result.Iterations, result.Converged)
	}
	if len(result.Residuals) != 1 || result.Residuals[0] > 1e-16 {
		t.Errorf("Residuals = %v, want a single ~0 entry", result.Residuals)
	}
	if result.MeanShape != nil {
		t.Errorf("MeanShape = %v, want nil in reference mode", result.MeanShape)
	}
	if result.RunID == "" {
		t.Error("RunID is empty")
	}

	// Objects are reported in request order
	for i, name := range []string{"skull-a", "skull-b", "skull-c"} {
		if result.Objects[i].Name != name {
			t.Errorf("Objects[%d].Name = %q, want %q", i, result.Objects[i].Name, name)
		}
	}

	ref, _ := result.Transform("skull-a")
	if ref != IdentityTransform() {
		t.Errorf("reference transform = %+v, want identity", ref)
	}

	for _, obj := range []*Object{b, c} {
		tr, ok := result.Transform(obj.Name)
		if !ok {
			t.Fatalf("no transform for %s", obj.Name)
		}
		for name, p := range obj.Landmarks {
			assertVecNear(t, obj.Name+"/"+name, tr.Apply(p), a.Landmarks[name], 1e-9)
		}
	}

	if tr, _ := result.Transform("skull-c"); !floatEquals(tr.Scale, 0.5, 1e-9) {
		t.Errorf("skull-c scale = %g, want 0.5", tr.Scale)
	}
}

func TestAlign_UnknownReference(t *testing.T) {
	_, err := Align(AlignmentRequest{
		Objects:   noisyObjects(),
		Reference: "skull-z",
	})
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("error = %v, want ErrUnknownReference", err)
	}
	if got := ErrorKind(err); got != "UnknownReference" {
		t.Errorf("ErrorKind = %q", got)
	}
}

func TestAlign_MeanShapeExactConfigurations(t *testing.T) {
	a := transformedObject("skull-a", IdentityTransform())
	b := transformedObject("skull-b", sampleTransform(1))

	result, err := Align(AlignmentRequest{Objects: []*Object{a, b}})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if result.Mode != ModeMeanShape || result.Reference != "" {
		t.Errorf("Mode/Reference = %s/%q, want mean-shape with no reference", result.Mode, result.Reference)
	}
	if !result.Converged || result.Iterations != 1 {
		t.Errorf("Converged = %v after %d iterations, want true after 1", result.Converged, result.Iterations)
	}

	// The mean shape is the first object's configuration, centered
	points, _ := a.Landmarks.Positions(result.Landmarks)
	want, _ := centered(points)
	if len(result.MeanShape) != len(want) {
		t.Fatalf("len(MeanShape) = %d, want %d", len(result.MeanShape), len(want))
	}
	for i := range want {
		assertVecNear(t, "MeanShape["+result.Landmarks[i]+"]", result.MeanShape[i], want[i], 1e-9)
	}

	// The first object is only translated
	ta, _ := result.Transform("skull-a")
	assertMatrixNear(t, "skull-a rotation", ta.Rotation, Identity3(), 1e-9)
	assertVecNear(t, "skull-a translation", ta.Translation, r3.Scale(-1, Centroid(points)), 1e-9)

	for _, oa := range result.Objects {
		if oa.RMSE > 1e-9 {
			t.Errorf("%s RMSE = %g, want ~0", oa.Name, oa.RMSE)
		}
	}
}

func TestAlign_MeanShapeConverges(t *testing.T) {
	objects := noisyObjects()
	result, err := Align(AlignmentRequest{Objects: objects})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if !result.Converged {
		t.Fatalf("did not converge in %d iterations, residuals %v", result.Iterations, result.Residuals)
	}
	if result.Iterations > DefaultMaxIterations {
		t.Errorf("Iterations = %d, above the default bound", result.Iterations)
	}
	if len(result.Residuals) != result.Iterations {
		t.Errorf("len(Residuals) = %d, want one per iteration (%d)", len(result.Residuals), result.Iterations)
	}

	// Without scaling every iteration can only lower the total misfit
	for i := 1; i < len(result.Residuals); i++ {
		if result.Residuals[i] > result.Residuals[i-1]+1e-12 {
			t.Errorf("Residuals[%d] = %g > Residuals[%d] = %g", i, result.Residuals[i], i-1, result.Residuals[i-1])
		}
	}

	assertVecNear(t, "mean shape centroid", Centroid(result.MeanShape), r3.Vec{}, 1e-9)

	for i, oa := range result.Objects {
		if oa.Transform.Scale != 1 {
			t.Errorf("%s Scale = %g, want 1 when scaling is disabled", oa.Name, oa.Transform.Scale)
		}
		if oa.Transform.IsReflection() {
			t.Errorf("%s transform is a reflection", oa.Name)
		}
		// The perturbation is small, so every object ends up close to the mean
		if oa.RMSE > 0.1 {
			t.Errorf("%s RMSE = %g, want < 0.1", oa.Name, oa.RMSE)
		}
		if oa.Name != objects[i].Name {
			t.Errorf("Objects[%d] = %q, want request order", i, oa.Name)
		}
	}
}

func TestAlign_MeanShapeWithScalingKeepsSeedSize(t *testing.T) {
	objects := noisyObjects()
	objects[1] = transformedObject("skull-b", sampleTransform(4))

	result, err := Align(AlignmentRequest{Objects: objects, AllowScaling: true})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	seed, _ := objects[0].Landmarks.Positions(result.Landmarks)
	if got, want := CentroidSize(result.MeanShape), CentroidSize(seed); !floatEquals(got, want, 1e-9) {
		t.Errorf("CentroidSize(MeanShape) = %g, want the seed's %g", got, want)
	}
	if tb, _ := result.Transform("skull-b"); !floatEquals(tb.Scale, 0.25, 0.01) {
		t.Errorf("skull-b scale = %g, want ~0.25", tb.Scale)
	}
}

func TestAlign_IterationLimit(t *testing.T) {
	result, err := Align(AlignmentRequest{Objects: noisyObjects(), MaxIterations: 1})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if result.Converged {
		t.Error("a perturbed set cannot converge in a single iteration")
	}
	if len(result.Objects) != 3 || len(result.MeanShape) != 4 {
		t.Error("a non-converged run still reports transforms and a mean shape")
	}
}

func TestAlign_Reflection(t *testing.T) {
	a := transformedObject("skull-a", IdentityTransform())
	b := transformedObject("skull-b", IdentityTransform())
	for name, p := range b.Landmarks {
		b.Landmarks[name] = r3.Vec{X: -p.X, Y: p.Y, Z: p.Z}
	}

	for _, allow := range []bool{false, true} {
		result, err := Align(AlignmentRequest{
			Objects:         []*Object{a, b},
			Reference:       "skull-a",
			AllowReflection: allow,
		})
		if err != nil {
			t.Fatalf("AllowReflection=%v: %v", allow, err)
		}
		tb, _ := result.Transform("skull-b")
		if tb.IsReflection() != allow {
			t.Errorf("AllowReflection=%v: IsReflection = %v", allow, tb.IsReflection())
		}
	}
}

func TestAlign_Deterministic(t *testing.T) {
	req := AlignmentRequest{Objects: noisyObjects(), AllowScaling: true}

	first, err := Align(req)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	second, err := Align(req)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if first.RunID == second.RunID {
		t.Error("each run gets its own RunID")
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(AlignmentResult{}, "RunID")); diff != "" {
		t.Errorf("repeated runs differ (-first +second):\n%s", diff)
	}
}

func TestAlign_DoesNotModifyInputs(t *testing.T) {
	objects := noisyObjects()
	before := make([]*Object, len(objects))
	for i, obj := range objects {
		before[i] = obj.Clone()
	}

	if _, err := Align(AlignmentRequest{Objects: objects, AllowScaling: true}); err != nil {
		t.Fatalf("Align: %v", err)
	}

	if diff := cmp.Diff(before, objects); diff != "" {
		t.Errorf("inputs modified (-before +after):\n%s", diff)
	}
}

func TestAlign_AllOrNothing(t *testing.T) {
	objects := noisyObjects()
	// Collapse skull-c to two distinct positions
	for _, name := range []string{"landmark_bregma", "landmark_lambda"} {
		objects[2].Landmarks[name] = objects[2].Landmarks["landmark_nasion"]
	}

	for _, ref := range []string{"", "skull-a"} {
		result, err := Align(AlignmentRequest{Objects: objects, Reference: ref})
		if result != nil {
			t.Errorf("reference %q: partial result returned", ref)
		}
		var de *DegenerateConfigurationError
		if !errors.As(err, &de) {
			t.Fatalf("reference %q: error = %v, want DegenerateConfigurationError", ref, err)
		}
		if de.Object != "skull-c" {
			t.Errorf("reference %q: Object = %q, want skull-c", ref, de.Object)
		}
	}
}

func TestAlign_ValidationComesFirst(t *testing.T) {
	objects := noisyObjects()
	delete(objects[1].Landmarks, "landmark_lambda")

	_, err := Align(AlignmentRequest{Objects: objects, Reference: "skull-z"})
	if !errors.Is(err, ErrNameMismatch) {
		t.Errorf("error = %v, want ErrNameMismatch before the reference is checked", err)
	}

	_, err = Align(AlignmentRequest{Objects: objects[:1]})
	if !errors.Is(err, ErrEmptySelection) {
		t.Errorf("error = %v, want ErrEmptySelection", err)
	}
}

func TestAlignmentResult_Transform(t *testing.T) {
	var nilResult *AlignmentResult
	if tr, ok := nilResult.Transform("x"); ok || tr != IdentityTransform() {
		t.Error("nil result should report identity, false")
	}

	r := &AlignmentResult{Objects: []ObjectAlignment{{Name: "x", Transform: sampleTransform(2)}}}
	if tr, ok := r.Transform("x"); !ok || tr.Scale != 2 {
		t.Errorf("Transform(x) = %+v, %v", tr, ok)
	}
	if _, ok := r.Transform("y"); ok {
		t.Error("Transform(y) should not be found")
	}
}

func TestLandmarkConfigs(t *testing.T) {
	objects := noisyObjects()[:2]
	names := objects[0].Landmarks.Names()

	configs, err := landmarkConfigs(objects, names)
	if err != nil {
		t.Fatalf("landmarkConfigs: %v", err)
	}
	if len(configs) != 2 || len(configs[1]) != len(names) {
		t.Fatalf("configs shape = %d x %d, want 2 x %d", len(configs), len(configs[1]), len(names))
	}
	assertVecNear(t, "skull-b "+names[0], configs[1][0], objects[1].Landmarks[names[0]], 0)

	delete(objects[1].Landmarks, names[0])
	if _, err := landmarkConfigs(objects, names); err == nil {
		t.Error("expected an error for an object missing a landmark")
	} else if ErrorKind(err) != "internal" {
		t.Errorf("ErrorKind = %q, want internal", ErrorKind(err))
	}
}
