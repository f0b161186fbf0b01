//go:build gocv

package vision

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

const yoloInputSize = 640

// Camera reads frames from a V4L2 device index or a stream URL.
type Camera struct {
	mu    sync.Mutex
	cap   *gocv.VideoCapture
	mat   gocv.Mat
	clock timeutil.Clock
	seq   int
}

// OpenCamera opens device, which is either a numeric index ("0") or a path
// or URL understood by OpenCV.
func OpenCamera(device string, width, height int, clock timeutil.Clock) (*Camera, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.VideoCaptureFile(device)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCameraRead, device, err)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	return &Camera{cap: vc, mat: gocv.NewMat(), clock: clock}, nil
}

// Read grabs the next frame. The returned Frame's Native Mat is owned by the
// camera and is only valid until the next Read.
func (c *Camera) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.cap.Read(&c.mat); !ok || c.mat.Empty() {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrCameraRead)
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrCameraRead, err)
	}
	f := Frame{
		Seq:    c.seq,
		Time:   c.clock.Now(),
		Width:  c.mat.Cols(),
		Height: c.mat.Rows(),
		Image:  img,
		Native: c.mat,
	}
	c.seq++
	return f, nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.Close()
	return c.cap.Close()
}

// YOLODetector runs a YOLOv8 ONNX export through the OpenCV DNN module.
type YOLODetector struct {
	mu         sync.Mutex
	net        gocv.Net
	classNames []string
	confidence float64
	iou        float64
}

// NewYOLODetector loads an ONNX model and a newline-separated label file.
func NewYOLODetector(modelPath, labelsPath string, confidence float64) (*YOLODetector, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load ONNX model from %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	names, err := readLabels(labelsPath)
	if err != nil {
		net.Close()
		return nil, err
	}
	return &YOLODetector{net: net, classNames: names, confidence: confidence, iou: 0.45}, nil
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not read class names: %w", err)
	}
	defer f.Close()

	var names []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if name := strings.TrimSpace(scan.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, scan.Err()
}

// Detect runs one forward pass. The output tensor is [1, 4+classes, anchors]
// with centre-format boxes in 640x640 input space.
func (d *YOLODetector) Detect(ctx context.Context, f Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, owned, err := frameMat(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	if owned {
		defer mat.Close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(yoloInputSize, yoloInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 || sizes[1] < 5 {
		return nil, fmt.Errorf("%w: unexpected output shape %v", ErrDetection, sizes)
	}
	rows, anchors := sizes[1], sizes[2]
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}

	sx := float64(mat.Cols()) / yoloInputSize
	sy := float64(mat.Rows()) / yoloInputSize

	var dets []Detection
	for a := 0; a < anchors; a++ {
		classID, score := -1, float32(0)
		for c := 4; c < rows; c++ {
			if v := data[c*anchors+a]; v > score {
				classID, score = c-4, v
			}
		}
		if float64(score) < d.confidence || classID < 0 {
			continue
		}
		cx := float64(data[0*anchors+a])
		cy := float64(data[1*anchors+a])
		w := float64(data[2*anchors+a])
		h := float64(data[3*anchors+a])

		label := strconv.Itoa(classID)
		if classID < len(d.classNames) {
			label = d.classNames[classID]
		}
		det := Detection{Confidence: float64(score), Label: label}
		det.Box.X1 = (cx - w/2) * sx
		det.Box.Y1 = (cy - h/2) * sy
		det.Box.X2 = (cx + w/2) * sx
		det.Box.Y2 = (cy + h/2) * sy
		dets = append(dets, det)
	}
	return NMS(dets, d.iou), nil
}

func frameMat(f Frame) (gocv.Mat, bool, error) {
	if m, ok := f.Native.(gocv.Mat); ok && !m.Empty() {
		return m, false, nil
	}
	if f.Image == nil {
		return gocv.Mat{}, false, fmt.Errorf("frame %d has no image", f.Seq)
	}
	m, err := gocv.ImageToMatRGB(f.Image)
	if err != nil {
		return gocv.Mat{}, false, err
	}
	return m, true, nil
}

func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
