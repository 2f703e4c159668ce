package report

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/banshee-data/multicam/internal/syncer"
	"github.com/banshee-data/multicam/internal/triangulate"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// TrialReport renders an HTML page summarizing a reconstructed trial: per
// frame mean residual and view count, per joint presence, and the vertical
// trajectory of every joint. sync may be nil.
func TrialReport(w io.Writer, res *triangulate.Result, sync *syncer.Result) error {
	frames := make([]string, len(res.Frames))
	for i, f := range res.Frames {
		frames[i] = strconv.Itoa(f.Frame)
	}
	s := res.Summary
	subtitle := fmt.Sprintf("frames=%d present=%d/%d degenerate=%d p50=%.1fmm p95=%.1fmm",
		s.Frames, s.Present, s.Points, s.Degenerate, 1000*s.ResidualP50, 1000*s.ResidualP95)
	if sync != nil {
		subtitle += " | sync " + string(sync.Status) + " ref=" + sync.Reference
	}

	page := components.NewPage()
	page.PageTitle = "Trial " + res.Trial
	page.AddCharts(
		residualChart(res, frames, subtitle),
		presenceChart(res),
		heightChart(res, frames),
	)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render trial report: %w", err)
	}
	return nil
}

// WriteTrialReport renders TrialReport into path.
func WriteTrialReport(path string, res *triangulate.Result, sync *syncer.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := TrialReport(f, res, sync); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func residualChart(res *triangulate.Result, frames []string, subtitle string) *charts.Line {
	residual := make([]opts.LineData, len(res.Frames))
	views := make([]opts.LineData, len(res.Frames))
	for i, f := range res.Frames {
		var sum float64
		n, v := 0, 0
		for _, p := range f.Points {
			v += p.Views
			if p.Present {
				sum += p.Residual
				n++
			}
		}
		if n == 0 {
			residual[i] = opts.LineData{Value: "-"}
		} else {
			residual[i] = opts.LineData{Value: 1000 * sum / float64(n)}
		}
		views[i] = opts.LineData{Value: float64(v) / float64(max(len(f.Points), 1))}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trial " + res.Trial, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Residual (mm) / views"}),
	)
	line.SetXAxis(frames).
		AddSeries("mean residual (mm)", residual).
		AddSeries("mean views", views)
	return line
}

func presenceChart(res *triangulate.Result) *charts.Bar {
	present := make([]opts.BarData, len(res.Joints))
	for j := range res.Joints {
		n := 0
		for _, f := range res.Frames {
			if j < len(f.Points) && f.Points[j].Present {
				n++
			}
		}
		pct := 0.0
		if len(res.Frames) > 0 {
			pct = 100 * float64(n) / float64(len(res.Frames))
		}
		present[j] = opts.BarData{Value: pct}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Joint presence (%)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100}),
	)
	bar.SetXAxis(res.Joints).AddSeries("present", present,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

func heightChart(res *triangulate.Result, frames []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Joint height (m)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Type: "scroll", Top: "30"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(frames)
	for j, joint := range res.Joints {
		data := make([]opts.LineData, len(res.Frames))
		for i, f := range res.Frames {
			if j < len(f.Points) && f.Points[j].Present {
				data[i] = opts.LineData{Value: f.Points[j].Position.Y}
			} else {
				data[i] = opts.LineData{Value: "-"}
			}
		}
		line.AddSeries(joint, data)
	}
	return line
}
