package mesh

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Request-shape errors are detected before any numerical work; numerical
// errors come from the solver. Match them with errors.Is.
var (
	ErrEmptySelection          = errors.New("at least 2 objects are required")
	ErrInsufficientLandmarks   = errors.New("insufficient landmarks")
	ErrNameMismatch            = errors.New("landmark names differ between objects")
	ErrUnknownReference        = errors.New("reference object is not part of the selection")
	ErrDegenerateConfiguration = errors.New("degenerate landmark configuration")
)

// InsufficientLandmarksError reports an object with fewer than MinLandmarks landmarks
type InsufficientLandmarksError struct {
	Object string
	Count  int
}

func (e *InsufficientLandmarksError) Error() string {
	return fmt.Sprintf("object %q has %d landmarks, need at least %d", e.Object, e.Count, MinLandmarks)
}

func (e *InsufficientLandmarksError) Unwrap() error { return ErrInsufficientLandmarks }

// NameDifference lists how one object's landmark names differ from the
// names of the first object in the selection.
type NameDifference struct {
	Object     string   `json:"object"`
	Missing    []string `json:"missing,omitempty"`
	Unexpected []string `json:"unexpected,omitempty"`
}

// NameMismatchError reports every object whose landmark names differ from
// those of Baseline.
type NameMismatchError struct {
	Baseline    string
	Differences []NameDifference
}

func (e *NameMismatchError) Error() string {
	parts := make([]string, 0, len(e.Differences))
	for _, d := range e.Differences {
		var b strings.Builder
		fmt.Fprintf(&b, "object %q", d.Object)
		if len(d.Missing) > 0 {
			fmt.Fprintf(&b, " missing [%s]", strings.Join(d.Missing, ", "))
		}
		if len(d.Unexpected) > 0 {
			fmt.Fprintf(&b, " unexpected [%s]", strings.Join(d.Unexpected, ", "))
		}
		parts = append(parts, b.String())
	}
	return fmt.Sprintf("landmark names differ from %q: %s", e.Baseline, strings.Join(parts, "; "))
}

func (e *NameMismatchError) Unwrap() error { return ErrNameMismatch }

// Names returns every differing name across all objects, sorted and deduplicated
func (e *NameMismatchError) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, d := range e.Differences {
		for _, n := range append(append([]string{}, d.Missing...), d.Unexpected...) {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// DegenerateConfigurationError names the object whose landmarks could not be solved
type DegenerateConfigurationError struct {
	Object string
	Reason string
}

func (e *DegenerateConfigurationError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("degenerate landmark configuration: %s", e.Reason)
	}
	return fmt.Sprintf("object %q: degenerate landmark configuration: %s", e.Object, e.Reason)
}

func (e *DegenerateConfigurationError) Unwrap() error { return ErrDegenerateConfiguration }

// ErrorKind returns a short machine-readable name for an alignment error,
// or "internal" for anything else.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrEmptySelection):
		return "EmptySelection"
	case errors.Is(err, ErrInsufficientLandmarks):
		return "InsufficientLandmarks"
	case errors.Is(err, ErrNameMismatch):
		return "NameMismatch"
	case errors.Is(err, ErrUnknownReference):
		return "UnknownReference"
	case errors.Is(err, ErrDegenerateConfiguration):
		return "DegenerateConfiguration"
	default:
		return "internal"
	}
}
