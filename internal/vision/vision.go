// Package vision supplies frames and object detections to the navigation
// loop. The OpenCV camera and YOLO detector are compiled only with the gocv
// build tag; the default build uses scripted sources and stubs.
package vision

import (
	"context"
	"errors"
	"image"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/fruitpilot/internal/geometry"
)

var (
	// ErrCameraRead means no frame could be read. The frame loop treats it
	// as fatal.
	ErrCameraRead = errors.New("camera read failed")
	// ErrDetection wraps detector failures; callers treat the frame as
	// having no detections.
	ErrDetection = errors.New("detection failed")
	// ErrVisionUnavailable is returned by the OpenCV-backed constructors in
	// builds without the gocv tag.
	ErrVisionUnavailable = errors.New("vision: built without gocv tag")
	// ErrEndOfStream is returned by finite sources once exhausted.
	ErrEndOfStream = errors.New("end of frame stream")
)

// Detection is one object found in a frame.
type Detection struct {
	Box        geometry.Box `json:"box"`
	Confidence float64      `json:"confidence"`
	Label      string       `json:"label"`
}

// Frame is a captured image plus metadata. Image may be nil for scripted
// sources; Native carries a backend-specific handle (a gocv.Mat) that the
// matching detector can use without conversion.
type Frame struct {
	Seq    int
	Time   time.Time
	Width  int
	Height int
	Image  image.Image
	Native any
}

// FrameSource produces frames. Read blocks until a frame is available.
type FrameSource interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Detector maps a frame to detections. An empty result is not an error.
type Detector interface {
	Detect(ctx context.Context, f Frame) ([]Detection, error)
	Close() error
}

// Filter keeps detections at or above minConfidence whose label is in
// labels. An empty labels list accepts every label.
func Filter(dets []Detection, minConfidence float64, labels []string) []Detection {
	var allowed map[string]bool
	if len(labels) > 0 {
		allowed = make(map[string]bool, len(labels))
		for _, l := range labels {
			allowed[l] = true
		}
	}

	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		if allowed != nil && !allowed[d.Label] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Best returns the highest-confidence detection. Ties go to the earlier one.
func Best(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

// Closest returns the detection with the smallest estimated distance.
func Closest(dets []Detection, g geometry.FrameGeometry, target geometry.Target) (Detection, geometry.TargetEstimate, bool) {
	var (
		closest Detection
		est     geometry.TargetEstimate
		found   bool
	)
	est.DistanceCM = math.Inf(1)
	for _, d := range dets {
		e := g.Estimate(d.Box, target)
		if !found || e.DistanceCM < est.DistanceCM {
			closest, est, found = d, e, true
		}
	}
	return closest, est, found
}

// IoU is the intersection-over-union of two boxes.
func IoU(a, b geometry.Box) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Width()*a.Height() + b.Width()*b.Height() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS performs greedy non-maximum suppression per label, keeping the highest
// confidence box and dropping overlaps above iouThreshold.
func NMS(dets []Detection, iouThreshold float64) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Label == d.Label && IoU(k.Box, d.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}
