package report

import (
	"fmt"
	"sort"

	"github.com/banshee-data/multicam/internal/syncer"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SyncPlot saves the correlation-versus-lag curve of every non-reference
// camera of a trial as a PNG.
func SyncPlot(res *syncer.Result, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: correlation with %s", res.Trial, res.Reference)
	p.X.Label.Text = "Lag (frames)"
	p.Y.Label.Text = "Pearson r"
	p.Y.Min, p.Y.Max = -1, 1
	p.Add(plotter.NewGrid())

	ids := make([]string, 0, len(res.Offsets))
	for id := range res.Offsets {
		if id != res.Reference {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for i, id := range ids {
		o := res.Offsets[id]
		if len(o.Curve) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(o.Curve))
		for j, c := range o.Curve {
			pts[j] = plotter.XY{X: float64(c.Lag), Y: c.Correlation}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("camera %s: %w", id, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s offset %+.2f r=%.2f (%s)", id, o.Frames, o.Correlation, o.Status), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(12*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save sync plot: %w", err)
	}
	return nil
}
