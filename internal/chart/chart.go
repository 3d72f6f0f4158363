// Package chart renders an event's observation window as a PNG line chart.
package chart

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

const (
	defaultWidth  = 800
	defaultHeight = 300

	marginLeft   = 48.0
	marginRight  = 16.0
	marginTop    = 28.0
	marginBottom = 30.0

	scaleBuffer = 10.0
)

// Options controls the rendered chart. Low and High bound the shaded target
// band; both zero disables it.
type Options struct {
	Width  int
	Height int
	Low    float64
	High   float64
	Title  string
}

// Render draws the readings of one event window with the target band, an
// event marker and the peak, and returns the encoded PNG.
func Render(ev model.Event, readings []model.Reading, opts Options) ([]byte, error) {
	if !ev.PeriodEnd.After(ev.PeriodStart) {
		return nil, fmt.Errorf("chart: empty window %s .. %s", ev.PeriodStart, ev.PeriodEnd)
	}
	width, height := opts.Width, opts.Height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB255(255, 255, 255)
	dc.Clear()

	labelFace, err := fontFace(11)
	if err != nil {
		return nil, err
	}
	titleFace, err := fontFace(13)
	if err != nil {
		return nil, err
	}

	plotW := float64(width) - marginLeft - marginRight
	plotH := float64(height) - marginTop - marginBottom

	vMin, vMax := valueScale(readings, opts)
	start, end := ev.PeriodStart, ev.PeriodEnd
	span := end.Sub(start).Seconds()

	xAt := func(t time.Time) float64 {
		return marginLeft + t.Sub(start).Seconds()/span*plotW
	}
	yAt := func(v float64) float64 {
		return marginTop + plotH - (v-vMin)/(vMax-vMin)*plotH
	}

	// Target band.
	if opts.High > opts.Low {
		top := yAt(opts.High)
		dc.SetRGBA255(74, 222, 128, 40)
		dc.DrawRectangle(marginLeft, top, plotW, yAt(opts.Low)-top)
		dc.Fill()
	}

	// Hourly grid with time labels.
	dc.SetFontFace(labelFace)
	step := time.Hour
	if end.Sub(start) > 8*time.Hour {
		step = 2 * time.Hour
	}
	for tick := start.Truncate(time.Hour); !tick.After(end); tick = tick.Add(step) {
		if tick.Before(start) {
			continue
		}
		x := xAt(tick)
		dc.SetRGB255(229, 231, 235)
		dc.SetLineWidth(1)
		dc.DrawLine(x, marginTop, x, marginTop+plotH)
		dc.Stroke()
		dc.SetRGB255(107, 114, 128)
		dc.DrawStringAnchored(tick.Format("15:04"), x, float64(height)-marginBottom/2, 0.5, 0.5)
	}

	// Value labels on the left edge.
	dc.SetRGB255(107, 114, 128)
	for _, v := range valueTicks(vMin, vMax, opts) {
		dc.DrawStringAnchored(strconv.FormatFloat(v, 'f', 0, 64), marginLeft-6, yAt(v), 1, 0.5)
	}

	// Plot frame.
	dc.SetRGB255(209, 213, 219)
	dc.SetLineWidth(1)
	dc.DrawRectangle(marginLeft, marginTop, plotW, plotH)
	dc.Stroke()

	if len(readings) == 0 {
		dc.SetRGB255(107, 114, 128)
		dc.DrawStringAnchored("no readings in window", marginLeft+plotW/2, marginTop+plotH/2, 0.5, 0.5)
	} else {
		dc.SetRGB255(59, 130, 246)
		dc.SetLineWidth(2)
		for i, r := range readings {
			if i == 0 {
				dc.MoveTo(xAt(r.Timestamp), yAt(r.Value))
				continue
			}
			dc.LineTo(xAt(r.Timestamp), yAt(r.Value))
		}
		dc.Stroke()
		for _, r := range readings {
			dc.DrawCircle(xAt(r.Timestamp), yAt(r.Value), 2)
			dc.Fill()
		}
	}

	// Event marker.
	dc.SetRGB255(239, 68, 68)
	dc.SetLineWidth(1.5)
	dc.SetDash(4, 4)
	ex := xAt(ev.Timestamp)
	dc.DrawLine(ex, marginTop, ex, marginTop+plotH)
	dc.Stroke()
	dc.SetDash()

	// Peak marker at at_event + spike.
	if ev.Stats.PeakTime != nil && ev.Stats.AtEvent != nil && ev.Stats.Spike != nil {
		dc.SetLineWidth(2)
		dc.DrawCircle(xAt(*ev.Stats.PeakTime), yAt(*ev.Stats.AtEvent+*ev.Stats.Spike), 4)
		dc.Stroke()
	}

	title := opts.Title
	if title == "" {
		title = ev.NoteUUID
	}
	dc.SetFontFace(titleFace)
	dc.SetRGB255(31, 41, 55)
	dc.DrawStringAnchored(fmt.Sprintf("%s at %s", title, ev.Timestamp.Format("2006-01-02 15:04")),
		marginLeft, marginTop/2, 0, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// valueScale pads the reading range and stretches it over the target band so
// the band is always visible.
func valueScale(readings []model.Reading, opts Options) (float64, float64) {
	vMin, vMax := opts.Low, opts.High
	if vMax <= vMin {
		vMin, vMax = 70, 180
	}
	for _, r := range readings {
		if r.Value < vMin {
			vMin = r.Value
		}
		if r.Value > vMax {
			vMax = r.Value
		}
	}
	vMin -= scaleBuffer
	if vMin < 0 {
		vMin = 0
	}
	vMax += scaleBuffer
	if vMax <= vMin {
		vMax = vMin + 1
	}
	return vMin, vMax
}

func valueTicks(vMin, vMax float64, opts Options) []float64 {
	ticks := []float64{vMin, vMax}
	if opts.High > opts.Low {
		ticks = append(ticks, opts.Low, opts.High)
	}
	return ticks
}

func fontFace(size float64) (font.Face, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}
