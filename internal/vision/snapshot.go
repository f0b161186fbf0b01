package vision

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"

	"github.com/banshee-data/fruitpilot/internal/security"
)

var boxColor = color.RGBA{R: 255, G: 40, B: 40, A: 255}

// SnapshotWriter saves annotated frames as WebP files under a fixed
// directory. Snapshots are debug artefacts; nothing reads them back.
type SnapshotWriter struct {
	dir      string
	maxWidth int
}

// NewSnapshotWriter creates dir if needed. Frames wider than maxWidth are
// downscaled; zero keeps the original size.
func NewSnapshotWriter(dir string, maxWidth int) (*SnapshotWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotWriter{dir: dir, maxWidth: maxWidth}, nil
}

// Save writes the frame with detection boxes drawn on it and returns the
// file path. Frames without an image are skipped with an empty path.
func (w *SnapshotWriter) Save(name string, f Frame, dets []Detection) (string, error) {
	if f.Image == nil {
		return "", nil
	}

	if name == "" {
		name = fmt.Sprintf("frame-%06d", f.Seq)
	}
	base := security.SanitizeFilename(name)
	path := filepath.Join(w.dir, base+".webp")
	if err := security.ValidatePathWithinDirectory(path, w.dir); err != nil {
		return "", err
	}

	img := annotate(f.Image, dets)
	if w.maxWidth > 0 && img.Bounds().Dx() > w.maxWidth {
		img = downscale(img, w.maxWidth)
	}

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer out.Close()

	if err := nativewebp.Encode(out, img, nil); err != nil {
		return "", fmt.Errorf("WebP encode: %w", err)
	}
	return path, nil
}

func annotate(src image.Image, dets []Detection) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	for _, d := range dets {
		r := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2)).Intersect(b)
		if r.Empty() {
			continue
		}
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.Set(x, r.Min.Y, boxColor)
			dst.Set(x, r.Max.Y-1, boxColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			dst.Set(r.Min.X, y, boxColor)
			dst.Set(r.Max.X-1, y, boxColor)
		}
	}
	return dst
}

func downscale(src *image.RGBA, width int) *image.RGBA {
	b := src.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
