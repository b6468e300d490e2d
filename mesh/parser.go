package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// ObjectFile is the on-disk form of an object: local vertices, an optional
// local-to-world matrix, and landmarks given either as world positions or as
// vertex indices.
type ObjectFile struct {
	Name             string                `json:"name" yaml:"name"`
	MatrixWorld      *Matrix4              `json:"matrixWorld,omitempty" yaml:"matrixWorld,omitempty"`
	Vertices         [][3]float64          `json:"vertices" yaml:"vertices"`
	Landmarks        map[string][3]float64 `json:"landmarks,omitempty" yaml:"landmarks,omitempty"`
	LandmarkVertices map[string]int        `json:"landmarkVertices,omitempty" yaml:"landmarkVertices,omitempty"`
	Color            string                `json:"color,omitempty" yaml:"color,omitempty"`
}

// ParseObjectFile reads an object file. YAML is used for .yaml/.yml
// extensions, JSON otherwise. A missing name is taken from the file name.
func ParseObjectFile(path string) (*ObjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var f *ObjectFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err = ParseObjectYAML(data)
	default:
		f, err = ParseObjectJSON(data)
	}
	if err != nil {
		return nil, err
	}

	if f.Name == "" {
		f.Name = ObjectNameFromPath(path)
	}
	return f, nil
}

// ParseObjectJSON parses object JSON data
func ParseObjectJSON(data []byte) (*ObjectFile, error) {
	var f ObjectFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &f, nil
}

// ParseObjectYAML parses object YAML data
func ParseObjectYAML(data []byte) (*ObjectFile, error) {
	var f ObjectFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &f, nil
}

// ObjectNameFromPath derives an object name from a file name:
// "scans/skull-a.object.json" -> "skull-a"
func ObjectNameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSuffix(base, ".object")
}

// Resolve converts the file into an Object in world coordinates. Vertices
// are mapped through MatrixWorld; vertex-index landmarks are looked up and
// mapped the same way. When prefix is non-empty only landmarks whose name
// starts with it are kept.
func (f *ObjectFile) Resolve(prefix string) (*Object, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("object name is required")
	}

	world := Identity4()
	if f.MatrixWorld != nil {
		world = *f.MatrixWorld
	}

	obj := &Object{
		Name:      f.Name,
		Landmarks: make(LandmarkSet, len(f.Landmarks)+len(f.LandmarkVertices)),
		Vertices:  make([]r3.Vec, len(f.Vertices)),
		Color:     f.Color,
	}
	for i, v := range f.Vertices {
		obj.Vertices[i] = world.Apply(arrayToVec(v))
	}

	for name, p := range f.Landmarks {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		obj.Landmarks[name] = arrayToVec(p)
	}

	for _, name := range sortedKeys(f.LandmarkVertices) {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		idx := f.LandmarkVertices[name]
		if idx < 0 || idx >= len(f.Vertices) {
			return nil, fmt.Errorf("object %q: landmark %q references vertex %d, object has %d vertices",
				f.Name, name, idx, len(f.Vertices))
		}
		if _, dup := obj.Landmarks[name]; dup {
			return nil, fmt.Errorf("object %q: landmark %q is defined twice", f.Name, name)
		}
		obj.Landmarks[name] = obj.Vertices[idx]
	}

	return obj, nil
}

// LoadObject reads an object file and resolves it to world coordinates
func LoadObject(path, prefix string) (*Object, error) {
	f, err := ParseObjectFile(path)
	if err != nil {
		return nil, err
	}
	return f.Resolve(prefix)
}

// NewObjectFile converts an Object back to file form. Vertices are written
// in world coordinates, so MatrixWorld is the identity and omitted.
func NewObjectFile(obj *Object) *ObjectFile {
	f := &ObjectFile{
		Name:      obj.Name,
		Vertices:  make([][3]float64, len(obj.Vertices)),
		Landmarks: make(map[string][3]float64, len(obj.Landmarks)),
		Color:     obj.Color,
	}
	for i, v := range obj.Vertices {
		f.Vertices[i] = vecToArray(v)
	}
	for name, p := range obj.Landmarks {
		f.Landmarks[name] = vecToArray(p)
	}
	return f
}

// WriteObjectFile writes obj to path, as YAML for .yaml/.yml and JSON otherwise
func WriteObjectFile(path string, obj *Object) error {
	f := NewObjectFile(obj)

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(f)
	default:
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshaling object %q: %w", obj.Name, err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing object file: %w", err)
	}
	return nil
}

// ObjectSummary provides a summary of an object's contents
type ObjectSummary struct {
	Name          string
	VertexCount   int
	LandmarkNames []string
	Centroid      r3.Vec
	CentroidSize  float64
}

// Summarize extracts key information from an object
func Summarize(obj *Object) ObjectSummary {
	names := obj.Landmarks.Names()
	points, _ := obj.Landmarks.Positions(names)
	return ObjectSummary{
		Name:          obj.Name,
		VertexCount:   len(obj.Vertices),
		LandmarkNames: names,
		Centroid:      Centroid(points),
		CentroidSize:  CentroidSize(points),
	}
}
