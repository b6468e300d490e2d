package mesh

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/spatial/r3"
)

// Plane selects the two world axes a preview or plan view projects onto
type Plane string

const (
	PlaneXY Plane = "xy"
	PlaneXZ Plane = "xz"
	PlaneYZ Plane = "yz"
)

// ParsePlane parses a plane name ("xy", "xz" or "yz", case-insensitive)
func ParsePlane(s string) (Plane, error) {
	switch p := Plane(strings.ToLower(strings.TrimSpace(s))); p {
	case PlaneXY, PlaneXZ, PlaneYZ:
		return p, nil
	case "":
		return PlaneXY, nil
	default:
		return "", fmt.Errorf("unknown plane %q (want xy, xz or yz)", s)
	}
}

// Project drops the axis normal to the plane
func (p Plane) Project(v r3.Vec) (float64, float64) {
	switch p {
	case PlaneXZ:
		return v.X, v.Z
	case PlaneYZ:
		return v.Y, v.Z
	default:
		return v.X, v.Y
	}
}

// objectPalette is used for objects without a configured color
var objectPalette = []color.RGBA{
	{0, 0, 139, 255},    // Dark blue
	{139, 0, 0, 255},    // Dark red
	{0, 100, 0, 255},    // Dark green
	{184, 134, 11, 255}, // Dark goldenrod
	{85, 26, 139, 255},  // Purple
}

// LandmarkColor returns a stable color for a landmark name, so the same
// landmark has the same color on every object.
func LandmarkColor(name string) color.RGBA {
	sum := md5.Sum([]byte(name))
	hue := float64(binary.BigEndian.Uint32(sum[:4]) % 360)
	return hsvToRGBA(hue, 0.65, 0.95)
}

// hsvToRGBA converts hue in degrees and saturation/value in [0,1]
func hsvToRGBA(h, s, v float64) color.RGBA {
	c := v * s
	hh := h / 60
	x := c * (1 - math.Abs(math.Mod(hh, 2)-1))

	var r, g, b float64
	switch {
	case hh < 1:
		r, g, b = c, x, 0
	case hh < 2:
		r, g, b = x, c, 0
	case hh < 3:
		r, g, b = 0, c, x
	case hh < 4:
		r, g, b = 0, x, c
	case hh < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	m := v - c
	to8 := func(f float64) uint8 { return uint8(math.Round((f + m) * 255)) }
	return color.RGBA{R: to8(r), G: to8(g), B: to8(b), A: 255}
}

// parseHexColor parses "#RRGGBB". ok is false when hex is empty or malformed.
func parseHexColor(hex string) (color.RGBA, bool) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return color.RGBA{}, false
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, true
}

// withAlpha returns c at the given opacity, premultiplied as canvas expects
func withAlpha(c color.RGBA, a uint8) color.RGBA {
	alpha := uint32(a)
	return color.RGBA{
		R: uint8(uint32(c.R) * alpha / 255),
		G: uint8(uint32(c.G) * alpha / 255),
		B: uint8(uint32(c.B) * alpha / 255),
		A: a,
	}
}

// PreviewRenderer draws objects and their landmarks projected onto a plane.
// Geometry is drawn as a faint point cloud in the object's color; each
// landmark is a disc in its name color, outlined in the object's color.
type PreviewRenderer struct {
	Objects    []*Object
	MeanShape  LandmarkSet // optional; drawn as hollow markers
	Plane      Plane
	Size       float64           // longest side of the drawing, in millimeters
	Padding    float64           // margin, in millimeters
	Marker     float64           // landmark marker radius, in millimeters
	Resolution canvas.Resolution // PNG output resolution
	Legend     bool              // PNG only: name legend in the top-left corner
}

// NewPreviewRenderer creates a preview renderer with default settings
func NewPreviewRenderer(objects []*Object, plane Plane) *PreviewRenderer {
	if plane == "" {
		plane = PlaneXY
	}
	return &PreviewRenderer{
		Objects:    objects,
		Plane:      plane,
		Size:       200,
		Padding:    10,
		Marker:     2.5,
		Resolution: canvas.DPI(150),
		Legend:     true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// previewLayout maps projected world coordinates onto the drawing
type previewLayout struct {
	minU, minV    float64
	scale         float64
	padding       float64
	width, height float64
}

func (l previewLayout) toCanvas(u, v float64) (float64, float64) {
	return (u-l.minU)*l.scale + l.padding, (v-l.minV)*l.scale + l.padding
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (r *PreviewRenderer) RenderToSVG(w io.Writer) error {
	layout, err := r.layout()
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, layout.width, layout.height, nil)
	r.renderToCanvas(svgRenderer, layout)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (r *PreviewRenderer) RenderToPNG(w io.Writer) error {
	layout, err := r.layout()
	if err != nil {
		return err
	}

	rast := rasterizer.New(layout.width, layout.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, layout)
	if r.Legend {
		r.drawLegend(rast)
	}
	return png.Encode(w, rast)
}

// drawLegend lists objects (outline color) and then landmarks (marker color)
func (r *PreviewRenderer) drawLegend(img draw.Image) {
	y := 16
	for i, obj := range r.Objects {
		drawSwatch(img, 10, y, r.objectColor(i, obj))
		drawText(img, 28, y+4, obj.Name, color.RGBA{0, 0, 0, 255})
		y += 18
	}

	seen := make(map[string]bool)
	for _, obj := range r.Objects {
		for _, name := range obj.Landmarks.Names() {
			if seen[name] {
				continue
			}
			seen[name] = true
			drawSwatch(img, 10, y, LandmarkColor(name))
			drawText(img, 28, y+4, name, color.RGBA{60, 60, 60, 255})
			y += 18
		}
	}
}

// drawSwatch fills a 12x12 square centered vertically on y
func drawSwatch(img draw.Image, x, y int, c color.RGBA) {
	for dy := 0; dy < 12; dy++ {
		for dx := 0; dx < 12; dx++ {
			img.Set(x+dx, y+dy-6, c)
		}
	}
}

// drawText renders text onto an image with its baseline at y
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func (r *PreviewRenderer) layout() (previewLayout, error) {
	minU, minV := math.MaxFloat64, math.MaxFloat64
	maxU, maxV := -math.MaxFloat64, -math.MaxFloat64
	n := 0

	extend := func(p r3.Vec) {
		u, v := r.Plane.Project(p)
		minU, maxU = math.Min(minU, u), math.Max(maxU, u)
		minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		n++
	}
	for _, obj := range r.Objects {
		for _, p := range obj.Vertices {
			extend(p)
		}
		for _, p := range obj.Landmarks {
			extend(p)
		}
	}
	for _, p := range r.MeanShape {
		extend(p)
	}

	if n == 0 {
		return previewLayout{}, fmt.Errorf("no objects to preview")
	}

	extent := math.Max(maxU-minU, maxV-minV)
	inner := r.Size - 2*r.Padding
	scale := 1.0
	if extent > 0 {
		scale = inner / extent
	}

	return previewLayout{
		minU:    minU,
		minV:    minV,
		scale:   scale,
		padding: r.Padding,
		width:   (maxU-minU)*scale + 2*r.Padding,
		height:  (maxV-minV)*scale + 2*r.Padding,
	}, nil
}

func (r *PreviewRenderer) objectColor(i int, obj *Object) color.RGBA {
	if c, ok := parseHexColor(obj.Color); ok {
		return c
	}
	return objectPalette[i%len(objectPalette)]
}

// renderToCanvas renders the preview (shared logic for SVG and PNG)
func (r *PreviewRenderer) renderToCanvas(renderer canvasRenderer, l previewLayout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	// 1. Geometry as a point cloud
	for i, obj := range r.Objects {
		pointStyle := canvas.DefaultStyle
		pointStyle.Fill = canvas.Paint{Color: withAlpha(r.objectColor(i, obj), 90)}
		pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		dot := r.Marker / 5
		for _, p := range obj.Vertices {
			x, y := l.toCanvas(r.Plane.Project(p))
			renderer.RenderPath(canvas.Circle(dot).Translate(x, y), pointStyle, canvas.Identity)
		}
	}

	// 2. Mean shape as hollow markers
	if len(r.MeanShape) > 0 {
		for _, name := range r.MeanShape.Names() {
			meanStyle := canvas.DefaultStyle
			meanStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			meanStyle.Stroke = canvas.Paint{Color: LandmarkColor(name)}
			meanStyle.StrokeWidth = r.Marker / 3
			meanStyle.Dashes = []float64{r.Marker / 2, r.Marker / 4}

			x, y := l.toCanvas(r.Plane.Project(r.MeanShape[name]))
			renderer.RenderPath(canvas.Circle(r.Marker*1.8).Translate(x, y), meanStyle, canvas.Identity)
		}
	}

	// 3. Landmarks, sorted by name for deterministic output
	for i, obj := range r.Objects {
		outline := r.objectColor(i, obj)
		for _, name := range obj.Landmarks.Names() {
			markerStyle := canvas.DefaultStyle
			markerStyle.Fill = canvas.Paint{Color: LandmarkColor(name)}
			markerStyle.Stroke = canvas.Paint{Color: outline}
			markerStyle.StrokeWidth = r.Marker / 4

			x, y := l.toCanvas(r.Plane.Project(obj.Landmarks[name]))
			renderer.RenderPath(canvas.Circle(r.Marker).Translate(x, y), markerStyle, canvas.Identity)
		}
	}
}

// MeanShapeLandmarks pairs a result's mean shape with its landmark names
func MeanShapeLandmarks(result *AlignmentResult) LandmarkSet {
	if result == nil || len(result.MeanShape) != len(result.Landmarks) {
		return nil
	}
	ls := make(LandmarkSet, len(result.Landmarks))
	for i, name := range result.Landmarks {
		ls[name] = result.MeanShape[i]
	}
	return ls
}
