package mesh

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ConvergencePlot builds a plot of the Procrustes residual after each
// iteration of a run. The Y axis is logarithmic when the residuals are
// positive and not all equal.
func ConvergencePlot(result *AlignmentResult) (*plot.Plot, error) {
	if result == nil || len(result.Residuals) == 0 {
		return nil, fmt.Errorf("no residuals to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Alignment convergence (%s, %d landmarks)", result.Mode, len(result.Landmarks))
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Residual sum of squares"

	pts := make(plotter.XYs, len(result.Residuals))
	positive := true
	minR, maxR := result.Residuals[0], result.Residuals[0]
	for i, r := range result.Residuals {
		pts[i] = plotter.XY{X: float64(i + 1), Y: r}
		if r <= 0 {
			positive = false
		}
		minR, maxR = min(minR, r), max(maxR, r)
	}
	if positive && minR < maxR {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("creating residual line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 0, G: 0, B: 139, A: 255}

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, fmt.Errorf("creating residual points: %w", err)
	}
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(2)
	scatter.GlyphStyle.Color = line.Color

	p.Add(line, scatter, plotter.NewGrid())
	p.Legend.Add(fmt.Sprintf("converged=%t", result.Converged), line)
	return p, nil
}

// WriteConvergencePlot renders the convergence plot in format ("png" or "svg")
func WriteConvergencePlot(w io.Writer, result *AlignmentResult, format string) error {
	p, err := ConvergencePlot(result)
	if err != nil {
		return err
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("creating %s canvas: %w", format, err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("writing convergence plot: %w", err)
	}
	return nil
}

// SaveConvergencePlot writes the convergence plot to path; the extension picks the format
func SaveConvergencePlot(path string, result *AlignmentResult) error {
	p, err := ConvergencePlot(result)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if strings.TrimPrefix(filepath.Ext(path), ".") == "" {
		path += ".png"
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving convergence plot: %w", err)
	}
	return nil
}
