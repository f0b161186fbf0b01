package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

// ScriptFrame is one scripted frame. ReadError and DetectError simulate a
// camera failure and a detector failure respectively.
type ScriptFrame struct {
	Detections  []Detection `json:"detections"`
	ReadError   string      `json:"read_error,omitempty"`
	DetectError string      `json:"detect_error,omitempty"`
}

// Script is a replayable sequence of frames used by -dev mode and tests.
type Script struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Loop   bool `json:"loop"`
	Render bool `json:"render"`

	// Interval paces Read like a camera, e.g. "100ms". Empty reads
	// back-to-back.
	Interval string        `json:"interval,omitempty"`
	Frames   []ScriptFrame `json:"frames"`
}

// NewScript builds a non-looping 640x480 script from per-frame detections.
func NewScript(frames ...[]Detection) *Script {
	s := &Script{Width: 640, Height: 480}
	for _, dets := range frames {
		s.Frames = append(s.Frames, ScriptFrame{Detections: dets})
	}
	return s
}

// LoadScript reads a JSON script fixture.
func LoadScript(path string) (*Script, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("script file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return ParseScript(data, path)
}

// ParseScript decodes a script fixture; name is used in errors.
func ParseScript(data []byte, name string) (*Script, error) {
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script JSON: %w", err)
	}
	if s.Width <= 0 {
		s.Width = 640
	}
	if s.Height <= 0 {
		s.Height = 480
	}
	if len(s.Frames) == 0 {
		return nil, fmt.Errorf("script %s has no frames", name)
	}
	if s.Interval != "" {
		if _, err := time.ParseDuration(s.Interval); err != nil {
			return nil, fmt.Errorf("invalid script interval %q: %w", s.Interval, err)
		}
	}
	return &s, nil
}

func (s *Script) interval() time.Duration {
	d, _ := time.ParseDuration(s.Interval)
	return d
}

func (s *Script) frame(seq int) (ScriptFrame, bool) {
	if len(s.Frames) == 0 {
		return ScriptFrame{}, false
	}
	if seq >= len(s.Frames) {
		if !s.Loop {
			return ScriptFrame{}, false
		}
		seq %= len(s.Frames)
	}
	return s.Frames[seq], true
}

// Source returns a FrameSource that replays the script using clock for
// frame timestamps.
func (s *Script) Source(clock timeutil.Clock) *ScriptedSource {
	return &ScriptedSource{script: s, clock: clock}
}

// Detector returns a Detector that answers with the scripted detections for
// each frame sequence number.
func (s *Script) Detector() *ScriptedDetector {
	return &ScriptedDetector{script: s}
}

// ScriptedSource replays a Script.
type ScriptedSource struct {
	mu     sync.Mutex
	script *Script
	clock  timeutil.Clock
	next   int
	closed bool
}

func (s *ScriptedSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if err := timeutil.Sleep(ctx, s.clock, s.script.interval()); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, fmt.Errorf("%w: source closed", ErrCameraRead)
	}
	seq := s.next
	sf, ok := s.script.frame(seq)
	if !ok {
		return Frame{}, ErrEndOfStream
	}
	s.next++
	if sf.ReadError != "" {
		return Frame{}, fmt.Errorf("%w: %s", ErrCameraRead, sf.ReadError)
	}

	f := Frame{
		Seq:    seq,
		Time:   s.clock.Now(),
		Width:  s.script.Width,
		Height: s.script.Height,
	}
	if s.script.Render {
		f.Image = render(s.script.Width, s.script.Height, sf.Detections)
	}
	return f, nil
}

func (s *ScriptedSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ScriptedDetector returns the detections recorded for each frame.
type ScriptedDetector struct {
	mu     sync.Mutex
	script *Script
	calls  int
}

func (d *ScriptedDetector) Detect(ctx context.Context, f Frame) ([]Detection, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sf, ok := d.script.frame(f.Seq)
	if !ok {
		return nil, nil
	}
	if sf.DetectError != "" {
		return nil, fmt.Errorf("%w: %s", ErrDetection, sf.DetectError)
	}
	out := make([]Detection, len(sf.Detections))
	copy(out, sf.Detections)
	return out, nil
}

// Calls returns how many times Detect was invoked.
func (d *ScriptedDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *ScriptedDetector) Close() error { return nil }

var (
	backgroundColor = color.RGBA{R: 40, G: 60, B: 40, A: 255}
	targetColor     = color.RGBA{R: 230, G: 140, B: 30, A: 255}
)

// render draws detections as filled rectangles so dev-mode snapshots have
// something recognisable in them.
func render(w, h int, dets []Detection) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)
	for _, d := range dets {
		r := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2)).Intersect(img.Bounds())
		draw.Draw(img, r, &image.Uniform{C: targetColor}, image.Point{}, draw.Src)
	}
	return img
}
