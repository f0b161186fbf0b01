package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/fruitpilot/internal/nav"
)

type TimelineOptions struct {
	// AssetsHost overrides where echarts.js is loaded from. Empty uses
	// the library default.
	AssetsHost string
	Theme      string
}

// stateAxis lists the y-axis categories of the state chart in order.
func stateAxis() []string {
	var names []string
	for st := nav.StateIdle; st <= nav.StateReturnToLaunch; st++ {
		names = append(names, st.String())
	}
	return names
}

// statePoints draws transitions as steps: each change contributes a point
// in the old state and one in the new state at the same instant.
func statePoints(s Session) []opts.LineData {
	var pts []opts.LineData
	var last string
	for _, t := range s.Transitions {
		if stateLevel(t.From) < 0 || stateLevel(t.To) < 0 {
			continue
		}
		x := s.Elapsed(t.At)
		pts = append(pts,
			opts.LineData{Value: []interface{}{x, t.From}},
			opts.LineData{Value: []interface{}{x, t.To}},
		)
		last = t.To
	}
	if last != "" && s.Summary.Session.EndedAt != nil {
		pts = append(pts, opts.LineData{Value: []interface{}{s.Elapsed(*s.Summary.Session.EndedAt), last}})
	}
	return pts
}

// Timeline writes an HTML page with the state trace, altitude and
// detection charts of a session.
func Timeline(w io.Writer, s Session, o TimelineOptions) error {
	info := s.Summary.Session
	initOpts := func(title string) opts.Initialization {
		return opts.Initialization{PageTitle: title, Theme: o.Theme, Width: "100%", Height: "360px", AssetsHost: o.AssetsHost}
	}
	subtitle := fmt.Sprintf("session=%s outcome=%s duration=%s", info.ID, info.Outcome, s.Summary.Duration.Round(time.Millisecond))

	states := charts.NewLine()
	states.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Flight timeline")),
		charts.WithTitleOpts(opts.Title{Title: "Navigation state", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: stateAxis()}),
	)
	states.AddSeries("state", statePoints(s))

	alt := make([]opts.LineData, 0, len(s.Telemetry))
	for _, t := range s.Telemetry {
		alt = append(alt, opts.LineData{Value: []interface{}{s.Elapsed(t.At), t.AltitudeM}})
	}
	altitude := charts.NewLine()
	altitude.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Altitude")),
		charts.WithTitleOpts(opts.Title{Title: "Altitude", Subtitle: fmt.Sprintf("samples=%d mean=%.2fm", s.Summary.AltitudeM.N, s.Summary.AltitudeM.Mean)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Altitude (m)"}),
	)
	altitude.AddSeries("altitude", alt)

	dets := make([]opts.ScatterData, 0, len(s.Detections))
	for _, d := range s.Detections {
		dets = append(dets, opts.ScatterData{Value: []interface{}{s.Elapsed(d.At), d.Confidence}, Name: d.Label})
	}
	detections := charts.NewScatter()
	detections.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Detections")),
		charts.WithTitleOpts(opts.Title{Title: "Detections", Subtitle: fmt.Sprintf("frames=%d detections=%d", s.Summary.Frames, s.Summary.Detections)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Confidence", Min: 0, Max: 1}),
	)
	detections.AddSeries("detections", dets, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	secs := make([]opts.BarData, 0, len(s.Summary.TimeInState))
	var names []string
	for name := range s.Summary.TimeInState {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return stateLevel(names[i]) < stateLevel(names[j]) })
	for _, name := range names {
		secs = append(secs, opts.BarData{Value: float64(s.Summary.TimeInState[name]) / 1000})
	}
	inState := charts.NewBar()
	inState.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts("Time in state")),
		charts.WithTitleOpts(opts.Title{Title: "Time in state (s)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	inState.SetXAxis(names).
		AddSeries("seconds", secs,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetPageTitle("Flight " + shortID(info.ID))
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	page.AddCharts(states, altitude, detections, inState)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render timeline: %w", err)
	}
	return nil
}
