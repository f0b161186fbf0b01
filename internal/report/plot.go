package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	altitudeColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	distanceColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// AltitudePlot writes a PNG of altitude over the session with the
// estimated target distance of each detection overlaid.
func AltitudePlot(w io.Writer, s Session) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s - %s", shortID(s.Summary.Session.ID), s.Summary.Session.Outcome)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Metres"
	p.Add(plotter.NewGrid())

	alt := make(plotter.XYs, 0, len(s.Telemetry))
	for _, t := range s.Telemetry {
		alt = append(alt, plotter.XY{X: s.Elapsed(t.At), Y: t.AltitudeM})
	}
	if len(alt) > 0 {
		line, err := plotter.NewLine(alt)
		if err != nil {
			return err
		}
		line.Color = altitudeColor
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("altitude", line)
	}

	dist := make(plotter.XYs, 0, len(s.Detections))
	for _, d := range s.Detections {
		if d.DistanceCM == nil {
			continue
		}
		dist = append(dist, plotter.XY{X: s.Elapsed(d.At), Y: *d.DistanceCM / 100})
	}
	if len(dist) > 0 {
		sc, err := plotter.NewScatter(dist)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = distanceColor
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
		p.Legend.Add("target distance", sc)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("altitude plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
