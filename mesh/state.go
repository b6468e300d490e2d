package mesh

import (
	"fmt"
	"sync"
	"time"
)

// ObjectStore holds the objects of a session and applies alignment results
// to them. Each object is kept as loaded, in its own frame, together with
// the transform of the last applied run; alignments always solve from the
// loaded geometry, so a result's transforms map loaded to aligned and can be
// re-applied to freshly loaded objects. It is safe for concurrent use;
// readers always see either the state before a run or the state after it.
type ObjectStore struct {
	mu          sync.RWMutex
	objects     map[string]*storedObject
	order       []string // insertion order
	lastResult  *AlignmentResult
	lastApplied time.Time
}

type storedObject struct {
	loaded    *Object
	transform SimilarityTransform
	current   *Object // loaded mapped through transform
}

func newStoredObject(loaded *Object, transform SimilarityTransform) *storedObject {
	so := &storedObject{loaded: loaded, transform: transform}
	if transform == IdentityTransform() {
		so.current = loaded.Clone()
		return so
	}
	so.current = &Object{
		Name:      loaded.Name,
		Landmarks: transform.ApplyLandmarks(loaded.Landmarks),
		Vertices:  transform.ApplyAll(loaded.Vertices),
		Color:     loaded.Color,
	}
	return so
}

// NewObjectStore creates an empty object store
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make(map[string]*storedObject),
	}
}

// Put stores a copy of obj in its own frame, replacing any object with the
// same name. A replaced object keeps its last transform until the next run.
func (st *ObjectStore) Put(obj *Object) error {
	if obj == nil || obj.Name == "" {
		return fmt.Errorf("object name is required")
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	transform := IdentityTransform()
	if prev, exists := st.objects[obj.Name]; exists {
		transform = prev.transform
	} else {
		st.order = append(st.order, obj.Name)
	}
	st.objects[obj.Name] = newStoredObject(obj.Clone(), transform)
	return nil
}

// UpdateLandmarks replaces the landmarks of an existing object, keeping its
// geometry. landmarks are in the object's own frame, like its loaded vertices.
func (st *ObjectStore) UpdateLandmarks(name string, landmarks LandmarkSet) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	so, ok := st.objects[name]
	if !ok {
		return fmt.Errorf("object %q not found", name)
	}
	loaded := so.loaded.Clone()
	loaded.Landmarks = landmarks.Clone()
	st.objects[name] = newStoredObject(loaded, so.transform)
	return nil
}

// SetColor sets the preview color for an object
func (st *ObjectStore) SetColor(name, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if so, ok := st.objects[name]; ok {
		loaded := so.loaded.Clone()
		loaded.Color = hexColor
		st.objects[name] = newStoredObject(loaded, so.transform)
	}
}

// Get returns a copy of the named object as currently aligned
func (st *ObjectStore) Get(name string) (*Object, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	so, ok := st.objects[name]
	if !ok {
		return nil, false
	}
	return so.current.Clone(), true
}

// Transform returns the transform last applied to the named object
func (st *ObjectStore) Transform(name string) (SimilarityTransform, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	so, ok := st.objects[name]
	if !ok {
		return IdentityTransform(), false
	}
	return so.transform, true
}

// Remove deletes an object from the store
func (st *ObjectStore) Remove(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.objects[name]; !ok {
		return
	}
	delete(st.objects, name)
	for i, n := range st.order {
		if n == name {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
}

// Names returns the object names in insertion order
func (st *ObjectStore) Names() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, len(st.order))
	copy(out, st.order)
	return out
}

// Len returns the number of stored objects
func (st *ObjectStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.objects)
}

// HasObjects returns true if at least one object is stored
func (st *ObjectStore) HasObjects() bool {
	return st.Len() > 0
}

// Snapshot returns copies of the named objects as currently aligned, or of
// all objects in insertion order when no names are given.
func (st *ObjectStore) Snapshot(names ...string) ([]*Object, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked(names, false)
}

// Loaded is Snapshot for the objects as loaded, before any alignment
func (st *ObjectStore) Loaded(names ...string) ([]*Object, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked(names, true)
}

func (st *ObjectStore) snapshotLocked(names []string, loaded bool) ([]*Object, error) {
	if len(names) == 0 {
		names = st.order
	}
	out := make([]*Object, 0, len(names))
	for _, name := range names {
		so, ok := st.objects[name]
		if !ok {
			return nil, fmt.Errorf("object %q not found", name)
		}
		if loaded {
			out = append(out, so.loaded.Clone())
		} else {
			out = append(out, so.current.Clone())
		}
	}
	return out, nil
}

// ApplyResult maps the loaded landmarks and vertices of every object in
// result through its transform. Either every object is updated or, if any
// is missing, none is. Applying the same result twice is idempotent.
func (st *ObjectStore) ApplyResult(result *AlignmentResult) error {
	if result == nil {
		return fmt.Errorf("alignment result is nil")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.applyLocked(result)
}

func (st *ObjectStore) applyLocked(result *AlignmentResult) error {
	updated := make(map[string]*storedObject, len(result.Objects))
	for _, oa := range result.Objects {
		so, ok := st.objects[oa.Name]
		if !ok {
			return fmt.Errorf("applying alignment: object %q not found", oa.Name)
		}
		updated[oa.Name] = newStoredObject(so.loaded, oa.Transform)
	}

	for name, so := range updated {
		st.objects[name] = so
	}
	st.lastResult = result
	st.lastApplied = time.Now()
	return nil
}

// AlignAndApply aligns the named objects as loaded (all objects when no
// names are given; req.Objects is replaced) and applies the result. The store
// stays locked for the whole run, so concurrent landmark updates cannot
// interleave with it.
func (st *ObjectStore) AlignAndApply(req AlignmentRequest, names ...string) (*AlignmentResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	objects, err := st.snapshotLocked(names, true)
	if err != nil {
		return nil, err
	}
	req.Objects = objects

	result, err := Align(req)
	if err != nil {
		return nil, err
	}
	if err := st.applyLocked(result); err != nil {
		return nil, err
	}
	return result, nil
}

// LastResult returns the most recently applied alignment and when it was applied
func (st *ObjectStore) LastResult() (*AlignmentResult, time.Time) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastResult, st.lastApplied
}
