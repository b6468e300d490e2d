package mesh

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// Align runs one alignment over req.Objects and returns a transform per
// object, in request order.
//
// With a Reference the named object stays fixed (identity) and every other
// object is solved against it once. Without one, the objects are jointly
// aligned to an iteratively estimated mean shape (generalized Procrustes).
//
// Alignment is all-or-nothing: the first degenerate object aborts the run
// and no result is returned. Align never modifies its inputs.
func Align(req AlignmentRequest) (*AlignmentResult, error) {
	names, err := ValidateCorrespondence(req.Objects)
	if err != nil {
		return nil, err
	}

	configs, err := landmarkConfigs(req.Objects, names)
	if err != nil {
		return nil, err
	}

	opts := SolveOptions{
		AllowScaling:    req.AllowScaling,
		AllowReflection: req.AllowReflection,
	}

	result := &AlignmentResult{
		RunID:     uuid.NewString(),
		Landmarks: names,
		Objects:   make([]ObjectAlignment, len(req.Objects)),
	}
	for i, obj := range req.Objects {
		result.Objects[i].Name = obj.Name
	}

	if req.Reference != "" {
		ref := indexOfObject(req.Objects, req.Reference)
		if ref < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownReference, req.Reference)
		}
		result.Mode = ModeReference
		result.Reference = req.Reference
		if err := alignToReference(result, req.Objects, configs, ref, opts); err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Mode = ModeMeanShape
	if err := alignToMeanShape(result, req.Objects, configs, opts, req.maxIterations(), req.tolerance()); err != nil {
		return nil, err
	}
	return result, nil
}

// alignToReference solves every object against the fixed reference
// configuration in a single pass.
func alignToReference(result *AlignmentResult, objects []*Object, configs [][]r3.Vec, ref int, opts SolveOptions) error {
	target := configs[ref]
	var total float64

	for i := range configs {
		if i == ref {
			result.Objects[i].Transform = IdentityTransform()
			continue
		}
		t, err := SolveSimilarity(configs[i], target, opts)
		if err != nil {
			return attachObject(err, objects[i].Name)
		}
		result.Objects[i].Transform = t
		result.Objects[i].RMSE = RMSE(t, configs[i], target)
		total += Residual(t, configs[i], target)
	}

	result.Iterations = 1
	result.Converged = true
	result.Residuals = []float64{total}
	return nil
}

// alignToMeanShape is generalized Procrustes analysis: align every object to
// the current target, replace the target by the mean of the aligned
// configurations, and repeat until the target stops moving.
func alignToMeanShape(result *AlignmentResult, objects []*Object, configs [][]r3.Vec, opts SolveOptions, maxIterations int, tolerance float64) error {
	// The first object's configuration, centered, seeds the target
	target, _ := centered(configs[0])
	seedSize := CentroidSize(target)

	transforms := make([]SimilarityTransform, len(configs))
	aligned := make([][]r3.Vec, len(configs))

	for iter := 1; iter <= maxIterations; iter++ {
		for i := range configs {
			t, err := SolveSimilarity(configs[i], target, opts)
			if err != nil {
				return attachObject(err, objects[i].Name)
			}
			transforms[i] = t
			aligned[i] = t.ApplyAll(configs[i])
		}

		next, _ := centered(meanConfiguration(aligned))
		if opts.AllowScaling {
			// hold the mean at the seed's size so it cannot shrink or blow up
			if size := CentroidSize(next); size > 0 {
				next = scalePoints(next, seedSize/size)
			}
		}

		var residual float64
		for i := range aligned {
			residual += sumSquaredDistance(aligned[i], next)
		}
		result.Residuals = append(result.Residuals, residual)
		result.Iterations = iter

		shift := sumSquaredDistance(target, next)
		target = next
		if shift < tolerance {
			result.Converged = true
			break
		}
	}

	for i := range configs {
		result.Objects[i].Transform = transforms[i]
		result.Objects[i].RMSE = RMSE(transforms[i], configs[i], target)
	}
	result.MeanShape = target
	return nil
}

// meanConfiguration averages configurations landmark by landmark
func meanConfiguration(configs [][]r3.Vec) []r3.Vec {
	mean := make([]r3.Vec, len(configs[0]))
	for _, c := range configs {
		for j, p := range c {
			mean[j] = r3.Add(mean[j], p)
		}
	}
	inv := 1 / float64(len(configs))
	for j := range mean {
		mean[j] = r3.Scale(inv, mean[j])
	}
	return mean
}

func scalePoints(points []r3.Vec, f float64) []r3.Vec {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Scale(f, p)
	}
	return out
}

// sumSquaredDistance returns Σ‖aᵢ − bᵢ‖² over index-aligned points
func sumSquaredDistance(a, b []r3.Vec) float64 {
	var ss float64
	for i := range a {
		ss += r3.Norm2(r3.Sub(a[i], b[i]))
	}
	return ss
}

func indexOfObject(objects []*Object, name string) int {
	for i, obj := range objects {
		if obj.Name == name {
			return i
		}
	}
	return -1
}

// attachObject records which object a solver failure belongs to
func attachObject(err error, name string) error {
	var de *DegenerateConfigurationError
	if errors.As(err, &de) {
		return &DegenerateConfigurationError{Object: name, Reason: de.Reason}
	}
	return fmt.Errorf("object %q: %w", name, err)
}

// landmarkConfigs returns each object's landmark positions in names order.
// Align only calls it after validation, so a missing name is an internal error.
func landmarkConfigs(objects []*Object, names []string) ([][]r3.Vec, error) {
	configs := make([][]r3.Vec, len(objects))
	for i, obj := range objects {
		points, ok := obj.Landmarks.Positions(names)
		if !ok {
			return nil, fmt.Errorf("object %q is missing landmarks of the validated set", obj.Name)
		}
		configs[i] = points
	}
	return configs, nil
}
