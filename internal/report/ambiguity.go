package report

import (
	"fmt"
	"image/color"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/extrinsics"
	"github.com/banshee-data/multicam/internal/geometry"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var candidateColors = []color.Color{
	color.RGBA{R: 220, G: 50, B: 47, A: 255},
	color.RGBA{R: 38, G: 139, B: 210, A: 255},
}

// AmbiguityPlot saves a PNG overlaying the observed board corners with each
// candidate's reprojection, in image coordinates (origin top left).
func AmbiguityPlot(res extrinsics.Resolution, size camera.ImageSize, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s frame %d: %s", res.CameraID, res.Frame, res.Status)
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	p.X.Min, p.X.Max = 0, float64(size.Width)
	p.Y.Min, p.Y.Max = 0, float64(size.Height)
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	p.Add(plotter.NewGrid())

	if len(res.Observed) > 0 {
		observed, err := plotter.NewScatter(toXYs(res.Observed))
		if err != nil {
			return fmt.Errorf("observed corners: %w", err)
		}
		observed.GlyphStyle.Shape = draw.CircleGlyph{}
		observed.GlyphStyle.Radius = vg.Points(3)
		observed.GlyphStyle.Color = color.Black
		p.Add(observed)
		p.Legend.Add("observed", observed)
	}

	for i, c := range res.Candidates {
		if len(c.Reprojected) == 0 {
			continue
		}
		s, err := plotter.NewScatter(toXYs(c.Reprojected))
		if err != nil {
			return fmt.Errorf("candidate %d: %w", i, err)
		}
		s.GlyphStyle.Shape = draw.CrossGlyph{}
		s.GlyphStyle.Radius = vg.Points(4)
		s.GlyphStyle.Color = candidateColors[i%len(candidateColors)]
		p.Add(s)
		label := fmt.Sprintf("candidate %d (%.2f px)", i, c.RMSError)
		if !c.Plausible {
			label += " implausible"
		}
		if res.Resolved() && i == res.Selected {
			label += " selected"
		}
		p.Legend.Add(label, s)
	}
	p.Legend.Top = true

	aspect := float64(size.Height) / float64(size.Width)
	if err := p.Save(10*vg.Inch, vg.Length(10*aspect)*vg.Inch, path); err != nil {
		return fmt.Errorf("save ambiguity plot: %w", err)
	}
	return nil
}

func toXYs(pts []geometry.Point2) plotter.XYs {
	xys := make(plotter.XYs, 0, len(pts))
	for _, pt := range pts {
		xys = append(xys, plotter.XY{X: pt.X, Y: pt.Y})
	}
	return xys
}
