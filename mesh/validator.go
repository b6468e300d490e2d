package mesh

// ValidateCorrespondence checks that objects can be aligned against each
// other: at least two objects, every object with at least MinLandmarks
// landmarks, and identical landmark names everywhere.
//
// On success it returns the shared names in lexicographic order. Every
// position vector built downstream uses this order, so landmarks are paired
// by name and never by insertion order.
func ValidateCorrespondence(objects []*Object) ([]string, error) {
	if len(objects) < 2 {
		return nil, ErrEmptySelection
	}

	for _, obj := range objects {
		if len(obj.Landmarks) < MinLandmarks {
			return nil, &InsufficientLandmarksError{Object: obj.Name, Count: len(obj.Landmarks)}
		}
	}

	baseline := objects[0]
	names := baseline.Landmarks.Names()

	var diffs []NameDifference
	for _, obj := range objects[1:] {
		if d, ok := diffNames(baseline.Landmarks, obj); ok {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) > 0 {
		return nil, &NameMismatchError{Baseline: baseline.Name, Differences: diffs}
	}

	return names, nil
}

// diffNames compares obj's landmark names with baseline.
// It returns false when they match.
func diffNames(baseline LandmarkSet, obj *Object) (NameDifference, bool) {
	d := NameDifference{Object: obj.Name}
	for _, name := range baseline.Names() {
		if _, ok := obj.Landmarks[name]; !ok {
			d.Missing = append(d.Missing, name)
		}
	}
	for _, name := range obj.Landmarks.Names() {
		if _, ok := baseline[name]; !ok {
			d.Unexpected = append(d.Unexpected, name)
		}
	}
	return d, len(d.Missing) > 0 || len(d.Unexpected) > 0
}
