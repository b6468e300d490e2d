package mesh

import (
	"fmt"
	"image/color"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"gonum.org/v1/gonum/spatial/r3"
)

// Feature kinds, stored in the "kind" property
const (
	KindFootprint = "footprint"
	KindLandmark  = "landmark"
	KindMeanShape = "mean-shape"
)

// PlanViewOptions configures the plan-view export
type PlanViewOptions struct {
	Plane Plane

	// SimplifyTolerance simplifies footprint rings with Douglas-Peucker,
	// in world units. 0 keeps the hull as is.
	SimplifyTolerance float64
}

// BuildPlanView exports objects as a GeoJSON FeatureCollection projected onto
// opts.Plane. Each object yields a footprint polygon (the convex hull of its
// projected vertices, or of its landmarks when it has none) and one point per
// landmark. When result is given, footprints carry the object's transform
// summary and the mean shape (if any) is added as a MultiPoint.
func BuildPlanView(objects []*Object, result *AlignmentResult, opts PlanViewOptions) *geojson.FeatureCollection {
	plane := opts.Plane
	if plane == "" {
		plane = PlaneXY
	}

	fc := geojson.NewFeatureCollection()

	for _, obj := range objects {
		if f := footprintFeature(obj, plane, opts.SimplifyTolerance); f != nil {
			if result != nil {
				for _, oa := range result.Objects {
					if oa.Name != obj.Name {
						continue
					}
					f.Properties["runId"] = result.RunID
					f.Properties["rmse"] = oa.RMSE
					f.Properties["scale"] = oa.Transform.Scale
					f.Properties["rotationAngle"] = oa.Transform.RotationAngle()
					f.Properties["reflection"] = oa.Transform.IsReflection()
				}
			}
			fc.Append(f)
		}

		for _, name := range obj.Landmarks.Names() {
			p := obj.Landmarks[name]
			u, v := plane.Project(p)
			f := geojson.NewFeature(orb.Point{u, v})
			f.ID = fmt.Sprintf("%s/%s", obj.Name, name)
			f.Properties["kind"] = KindLandmark
			f.Properties["object"] = obj.Name
			f.Properties["landmark"] = name
			f.Properties["color"] = hexColor(LandmarkColor(name))
			f.Properties["depth"] = depth(plane, p)
			fc.Append(f)
		}
	}

	if mean := MeanShapeLandmarks(result); len(mean) > 0 {
		names := mean.Names()
		mp := make(orb.MultiPoint, len(names))
		for i, name := range names {
			u, v := plane.Project(mean[name])
			mp[i] = orb.Point{u, v}
		}
		f := geojson.NewFeature(mp)
		f.ID = "mean-shape"
		f.Properties["kind"] = KindMeanShape
		f.Properties["runId"] = result.RunID
		f.Properties["landmarks"] = names
		fc.Append(f)
	}

	return fc
}

func footprintFeature(obj *Object, plane Plane, tolerance float64) *geojson.Feature {
	source := obj.Vertices
	if len(source) < 3 {
		names := obj.Landmarks.Names()
		source, _ = obj.Landmarks.Positions(names)
	}

	points := make([]orb.Point, len(source))
	for i, p := range source {
		u, v := plane.Project(p)
		points[i] = orb.Point{u, v}
	}

	hull := convexHull(points)
	if len(hull) < 3 {
		return nil
	}

	ring := orb.Ring(append(hull, hull[0]))
	if tolerance > 0 {
		simplified := simplify.DouglasPeucker(tolerance).Ring(ring.Clone())
		if len(simplified) >= 4 {
			ring = simplified
		}
	}

	poly := orb.Polygon{ring}
	centroid, area := planar.CentroidArea(poly)

	f := geojson.NewFeature(poly)
	f.ID = obj.Name
	f.Properties["kind"] = KindFootprint
	f.Properties["object"] = obj.Name
	f.Properties["area"] = area
	f.Properties["centroid"] = []float64{centroid[0], centroid[1]}
	f.Properties["vertexCount"] = len(obj.Vertices)
	f.Properties["landmarkCount"] = len(obj.Landmarks)
	if obj.Color != "" {
		f.Properties["color"] = obj.Color
	}
	return f
}

// depth returns the coordinate along the axis the plane drops
func depth(plane Plane, p r3.Vec) float64 {
	switch plane {
	case PlaneXZ:
		return p.Y
	case PlaneYZ:
		return p.X
	default:
		return p.Z
	}
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// convexHull computes the convex hull of points with Andrew's monotone chain
// algorithm. The hull is counter-clockwise and not closed.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	// cross returns the cross product of vectors OA and OB where O is origin
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Remove last point (duplicate of first)
	return hull[:len(hull)-1]
}
