package vision

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fruitpilot/internal/geometry"
	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

func det(label string, conf, x1, y1, x2, y2 float64) Detection {
	return Detection{Box: geometry.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: conf, Label: label}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	dets := []Detection{
		det("mango", 0.9, 0, 0, 10, 10),
		det("mango", 0.4, 0, 0, 10, 10),
		det("leaf", 0.95, 0, 0, 10, 10),
	}

	tests := []struct {
		name   string
		min    float64
		labels []string
		want   int
	}{
		{"confidence only", 0.6, nil, 2},
		{"label allowlist", 0.6, []string{"mango"}, 1},
		{"nothing passes", 0.99, nil, 0},
		{"threshold is inclusive", 0.4, nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Len(t, Filter(dets, tt.min, tt.labels), tt.want)
		})
	}
}

func TestBest(t *testing.T) {
	_, ok := Best(nil)
	assert.False(t, ok)

	best, ok := Best([]Detection{
		det("a", 0.7, 0, 0, 1, 1),
		det("b", 0.9, 0, 0, 1, 1),
		det("c", 0.9, 0, 0, 1, 1),
	})
	require.True(t, ok)
	assert.Equal(t, "b", best.Label)
}

func TestClosest(t *testing.T) {
	g := geometry.NewFrameGeometry(geometry.Camera{FocalMM: 3.6, SensorWidthMM: 4.8, SensorHeightMM: 3.6, ImageWidthPX: 640, ImageHeightPX: 480})
	target := geometry.Target{WidthCM: 20}

	_, _, ok := Closest(nil, g, target)
	assert.False(t, ok)

	d, est, ok := Closest([]Detection{
		det("far", 0.9, 300, 200, 320, 220),
		det("near", 0.7, 250, 150, 370, 300),
	}, g, target)
	require.True(t, ok)
	assert.Equal(t, "near", d.Label)
	assert.InDelta(t, 80.0, est.DistanceCM, 1e-9)
}

func TestIoU(t *testing.T) {
	a := geometry.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-12)
	assert.InDelta(t, 0.0, IoU(a, geometry.Box{X1: 20, Y1: 20, X2: 30, Y2: 30}), 1e-12)
	assert.InDelta(t, 25.0/175.0, IoU(a, geometry.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}), 1e-12)
}

func TestNMS(t *testing.T) {
	dets := []Detection{
		det("mango", 0.6, 0, 0, 10, 10),
		det("mango", 0.9, 1, 1, 11, 11),
		det("leaf", 0.5, 1, 1, 11, 11),
		det("mango", 0.8, 50, 50, 60, 60),
	}
	kept := NMS(dets, 0.45)
	require.Len(t, kept, 3)
	assert.Equal(t, 0.9, kept[0].Confidence)
	assert.Equal(t, 0.8, kept[1].Confidence)
	assert.Equal(t, "leaf", kept[2].Label)
}

func TestScript_SourceAndDetector(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	script := NewScript(nil, []Detection{det("mango", 0.9, 295, 200, 345, 260)})
	src := script.Source(clock)
	detector := script.Detector()
	ctx := context.Background()

	f0, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f0.Seq)
	assert.Equal(t, 640, f0.Width)
	dets, err := detector.Detect(ctx, f0)
	require.NoError(t, err)
	assert.Empty(t, dets)

	f1, err := src.Read(ctx)
	require.NoError(t, err)
	dets, err = detector.Detect(ctx, f1)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "mango", dets[0].Label)

	_, err = src.Read(ctx)
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.Equal(t, 2, detector.Calls())
}

func TestScript_Errors(t *testing.T) {
	script := &Script{Width: 640, Height: 480, Frames: []ScriptFrame{
		{DetectError: "model crashed"},
		{ReadError: "usb unplugged"},
	}}
	src := script.Source(timeutil.RealClock{})
	ctx := context.Background()

	f, err := src.Read(ctx)
	require.NoError(t, err)
	_, err = script.Detector().Detect(ctx, f)
	assert.ErrorIs(t, err, ErrDetection)

	_, err = src.Read(ctx)
	assert.ErrorIs(t, err, ErrCameraRead)

	require.NoError(t, src.Close())
	_, err = src.Read(ctx)
	assert.ErrorIs(t, err, ErrCameraRead)
}

func TestScript_Loop(t *testing.T) {
	script := NewScript([]Detection{det("a", 1, 0, 0, 1, 1)})
	script.Loop = true
	src := script.Source(timeutil.RealClock{})
	for i := 0; i < 5; i++ {
		f, err := src.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, f.Seq)
	}
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mission.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "render": true,
  "frames": [
    {"detections": []},
    {"detections": [{"box": {"X1": 10, "Y1": 10, "X2": 60, "Y2": 70}, "confidence": 0.8, "label": "mango"}]}
  ]
}`), 0644))

	script, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, 640, script.Width)
	assert.Len(t, script.Frames, 2)

	src := script.Source(timeutil.RealClock{})
	f, err := src.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f.Image)
	assert.Equal(t, image.Rect(0, 0, 640, 480), f.Image.Bounds())

	_, err = LoadScript(filepath.Join(dir, "mission.txt"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"frames": []}`), 0644))
	_, err = LoadScript(empty)
	assert.Error(t, err)
}

func TestReadHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScript(nil).Source(timeutil.RealClock{}).Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStubsReportUnavailable(t *testing.T) {
	if _, err := NewYOLODetector("best.onnx", "labels.txt", 0.5); err != nil {
		assert.ErrorIs(t, err, ErrVisionUnavailable)
	}
}
