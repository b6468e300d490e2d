package mesh

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// LandmarkSet maps a landmark name to its world-space position.
// Names are case-sensitive.
type LandmarkSet map[string]r3.Vec

// Names returns the landmark names in lexicographic order
func (ls LandmarkSet) Names() []string {
	names := make([]string, 0, len(ls))
	for name := range ls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Positions returns the positions for names, in the order given.
// The second return value is false if any name is missing.
func (ls LandmarkSet) Positions(names []string) ([]r3.Vec, bool) {
	points := make([]r3.Vec, len(names))
	for i, name := range names {
		p, ok := ls[name]
		if !ok {
			return nil, false
		}
		points[i] = p
	}
	return points, true
}

// Clone returns an independent copy of the set
func (ls LandmarkSet) Clone() LandmarkSet {
	if ls == nil {
		return nil
	}
	out := make(LandmarkSet, len(ls))
	for k, v := range ls {
		out[k] = v
	}
	return out
}

// Object is one alignable point set: its landmarks and its full geometry,
// both in world coordinates.
type Object struct {
	Name      string
	Landmarks LandmarkSet
	Vertices  []r3.Vec
	Color     string // hex color used by the preview renderer only
}

// Clone returns a deep copy of the object
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := &Object{
		Name:      o.Name,
		Landmarks: o.Landmarks.Clone(),
		Color:     o.Color,
	}
	if o.Vertices != nil {
		c.Vertices = make([]r3.Vec, len(o.Vertices))
		copy(c.Vertices, o.Vertices)
	}
	return c
}

// AlignmentMode identifies how the target shape of a run was chosen
type AlignmentMode string

const (
	ModeReference AlignmentMode = "reference"
	ModeMeanShape AlignmentMode = "mean-shape"
)

const (
	// DefaultMaxIterations bounds the mean-shape iteration
	DefaultMaxIterations = 50

	// DefaultTolerance is the convergence threshold for the mean shape,
	// in squared distance units summed over all landmarks.
	DefaultTolerance = 1e-10

	// MinLandmarks is the smallest landmark count that fixes a 3-D rotation
	MinLandmarks = 3
)

// AlignmentRequest is one alignment run over a selection of objects.
type AlignmentRequest struct {
	Objects []*Object

	// Reference names the object that stays fixed. Empty selects mean-shape mode.
	Reference string

	AllowScaling    bool
	AllowReflection bool

	// MaxIterations and Tolerance tune mean-shape mode; zero values use the defaults.
	MaxIterations int
	Tolerance     float64
}

func (r AlignmentRequest) maxIterations() int {
	if r.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return r.MaxIterations
}

func (r AlignmentRequest) tolerance() float64 {
	if r.Tolerance <= 0 {
		return DefaultTolerance
	}
	return r.Tolerance
}

// ObjectAlignment is the outcome for a single object of a run
type ObjectAlignment struct {
	Name      string              `json:"name"`
	Transform SimilarityTransform `json:"transform"`
	RMSE      float64             `json:"rmse"` // landmark RMSE against the final target
}

// AlignmentResult is everything one alignment run produced
type AlignmentResult struct {
	RunID      string            `json:"runId"`
	Mode       AlignmentMode     `json:"mode"`
	Reference  string            `json:"reference,omitempty"`
	Landmarks  []string          `json:"landmarks"`
	Objects    []ObjectAlignment `json:"objects"`
	MeanShape  []r3.Vec          `json:"meanShape,omitempty"`
	Iterations int               `json:"iterations"`
	Converged  bool              `json:"converged"`

	// Residuals holds the Procrustes sum of squares (all objects' transformed
	// landmarks against the target) after each iteration.
	Residuals []float64 `json:"residuals"`
}

// Transform returns the transform computed for the named object
func (r *AlignmentResult) Transform(name string) (SimilarityTransform, bool) {
	if r == nil {
		return IdentityTransform(), false
	}
	for _, oa := range r.Objects {
		if oa.Name == name {
			return oa.Transform, true
		}
	}
	return IdentityTransform(), false
}

// ObjectConfig defines an object from the config file
type ObjectConfig struct {
	Name   string  `yaml:"name" json:"name"`
	File   string  `yaml:"file,omitempty" json:"file,omitempty"`
	Color  string  `yaml:"color,omitempty" json:"color,omitempty"`
	Topic  string  `yaml:"topic,omitempty" json:"topic,omitempty"`   // Optional MQTT snapshot topic
	ApiURL *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // Optional API URL for fetching the object
}

// AlignmentConfig holds the default alignment options
type AlignmentConfig struct {
	Reference       string  `yaml:"reference,omitempty" json:"reference,omitempty"` // Optional reference object
	AllowScaling    bool    `yaml:"allowScaling" json:"allowScaling"`
	AllowReflection bool    `yaml:"allowReflection" json:"allowReflection"`
	MaxIterations   int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Tolerance       float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	Alignment      AlignmentConfig `yaml:"alignment" json:"alignment"`
	LandmarkPrefix string          `yaml:"landmarkPrefix,omitempty" json:"landmarkPrefix,omitempty"`
	Objects        []ObjectConfig  `yaml:"objects" json:"objects"`
	MQTT           MQTTConfig      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetObjectByName returns the object config with the given name
func (c *Config) GetObjectByName(name string) *ObjectConfig {
	for i := range c.Objects {
		if c.Objects[i].Name == name {
			return &c.Objects[i]
		}
	}
	return nil
}

// GetReference returns the reference object name from config or empty string
func (c *Config) GetReference() string {
	return c.Alignment.Reference
}

// Request builds an alignment request over objects from the configured defaults
func (c *Config) Request(objects []*Object) AlignmentRequest {
	return AlignmentRequest{
		Objects:         objects,
		Reference:       c.Alignment.Reference,
		AllowScaling:    c.Alignment.AllowScaling,
		AllowReflection: c.Alignment.AllowReflection,
		MaxIterations:   c.Alignment.MaxIterations,
		Tolerance:       c.Alignment.Tolerance,
	}
}

// AlignOverrides carries per-run option overrides from an HTTP request body or
// an MQTT align command. Nil fields keep the configured value.
type AlignOverrides struct {
	Reference       *string `json:"reference,omitempty"`
	AllowScaling    *bool   `json:"allowScaling,omitempty"`
	AllowReflection *bool   `json:"allowReflection,omitempty"`
	MaxIterations   *int    `json:"maxIterations,omitempty"`
}

// Apply writes the set fields into req
func (o AlignOverrides) Apply(req *AlignmentRequest) {
	if o.Reference != nil {
		req.Reference = *o.Reference
	}
	if o.AllowScaling != nil {
		req.AllowScaling = *o.AllowScaling
	}
	if o.AllowReflection != nil {
		req.AllowReflection = *o.AllowReflection
	}
	if o.MaxIterations != nil {
		req.MaxIterations = *o.MaxIterations
	}
}
