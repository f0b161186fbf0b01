//go:build !gocv

package vision

import (
	"context"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

// Camera is unavailable without the gocv build tag.
type Camera struct{}

// OpenCamera always fails in builds without gocv.
func OpenCamera(device string, width, height int, clock timeutil.Clock) (*Camera, error) {
	return nil, ErrVisionUnavailable
}

func (c *Camera) Read(ctx context.Context) (Frame, error) { return Frame{}, ErrVisionUnavailable }
func (c *Camera) Close() error                             { return nil }

// YOLODetector is unavailable without the gocv build tag.
type YOLODetector struct{}

// NewYOLODetector always fails in builds without gocv.
func NewYOLODetector(modelPath, labelsPath string, confidence float64) (*YOLODetector, error) {
	return nil, ErrVisionUnavailable
}

func (d *YOLODetector) Detect(ctx context.Context, f Frame) ([]Detection, error) {
	return nil, ErrVisionUnavailable
}

func (d *YOLODetector) Close() error { return nil }
