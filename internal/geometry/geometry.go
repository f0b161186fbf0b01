// Package geometry turns bounding boxes into physical estimates using a
// pinhole camera model.
package geometry

import "math"

// EstimateDistance returns the distance in centimetres to an object of known
// width that spans bboxWidthPX pixels. A non-positive width has no usable
// reading and yields +Inf.
func EstimateDistance(focalMM, realWidthCM, bboxWidthPX, imageWidthPX, sensorWidthMM float64) float64 {
	if bboxWidthPX <= 0 || sensorWidthMM <= 0 {
		return math.Inf(1)
	}
	focalPX := focalMM / sensorWidthMM * imageWidthPX
	return realWidthCM * focalPX / bboxWidthPX
}

// EstimateDistanceFromHeight is EstimateDistance on the vertical axis.
func EstimateDistanceFromHeight(focalMM, realHeightCM, bboxHeightPX, imageHeightPX, sensorHeightMM float64) float64 {
	return EstimateDistance(focalMM, realHeightCM, bboxHeightPX, imageHeightPX, sensorHeightMM)
}

// ComputeFOV returns the angular field of view in degrees along one sensor
// axis.
func ComputeFOV(sensorMM, focalMM float64) float64 {
	return 2 * math.Atan(sensorMM/2/focalMM) * 180 / math.Pi
}

// Camera holds the fixed lens and sensor constants.
type Camera struct {
	FocalMM        float64
	SensorWidthMM  float64
	SensorHeightMM float64
	ImageWidthPX   int
	ImageHeightPX  int
}

// Target is the real-world size of the object being tracked.
type Target struct {
	WidthCM  float64
	HeightCM float64
}

// FrameGeometry is computed once per session.
type FrameGeometry struct {
	Camera
	HFOVDeg float64
	VFOVDeg float64
}

// NewFrameGeometry derives both fields of view from the camera constants.
func NewFrameGeometry(c Camera) FrameGeometry {
	return FrameGeometry{
		Camera:  c,
		HFOVDeg: ComputeFOV(c.SensorWidthMM, c.FocalMM),
		VFOVDeg: ComputeFOV(c.SensorHeightMM, c.FocalMM),
	}
}

// Box is an axis-aligned pixel rectangle.
type Box struct {
	X1, Y1, X2, Y2 float64
}

func (b Box) Width() float64   { return b.X2 - b.X1 }
func (b Box) Height() float64  { return b.Y2 - b.Y1 }
func (b Box) CenterX() float64 { return (b.X1 + b.X2) / 2 }
func (b Box) CenterY() float64 { return (b.Y1 + b.Y2) / 2 }

// TargetEstimate is the per-frame estimate for one detection.
type TargetEstimate struct {
	DistanceCM float64
	// OffsetPX is the box centre minus the frame centre; positive is right.
	OffsetPX float64
	AngleDeg float64
	// FromHeight is set when DistanceCM came from the box height because
	// the width was clipped by the frame edge.
	FromHeight bool
}

// Estimate computes the distance and horizontal bearing of box. When the
// box touches the left or right frame edge its width is clipped, so the
// height-based distance replaces the width-based one if the target height
// is known. The replacement is reported through FromHeight.
func (g FrameGeometry) Estimate(box Box, target Target) TargetEstimate {
	width := float64(g.ImageWidthPX)
	est := TargetEstimate{
		DistanceCM: EstimateDistance(g.FocalMM, target.WidthCM, box.Width(), width, g.SensorWidthMM),
		OffsetPX:   box.CenterX() - width/2,
	}
	est.AngleDeg = g.OffsetToAngle(est.OffsetPX)
	if g.clipped(box) && target.HeightCM > 0 {
		if d := EstimateDistanceFromHeight(g.FocalMM, target.HeightCM, box.Height(), float64(g.ImageHeightPX), g.SensorHeightMM); !math.IsInf(d, 1) {
			est.DistanceCM, est.FromHeight = d, true
		}
	}
	return est
}

// OffsetToAngle converts a horizontal pixel offset to degrees of yaw.
func (g FrameGeometry) OffsetToAngle(offsetPX float64) float64 {
	if g.ImageWidthPX == 0 {
		return 0
	}
	return offsetPX / float64(g.ImageWidthPX) * g.HFOVDeg
}

func (g FrameGeometry) clipped(b Box) bool {
	return b.X1 <= 0 || b.X2 >= float64(g.ImageWidthPX)
}
