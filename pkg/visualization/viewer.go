package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"ctslicesto3d/internal/models"
)

// Window maps calibrated intensities onto display grey levels.
type Window struct {
	Center float64
	Width  float64
}

// LungWindow is the usual window for reading lung nodules, in HU.
var LungWindow = Window{Center: -600, Width: 1500}

// Gray maps v into 0..255, clamping values outside the window.
func (w Window) Gray(v float64) uint8 {
	if w.Width <= 0 {
		if v < w.Center {
			return 0
		}
		return 255
	}
	lo := w.Center - w.Width/2
	t := (v - lo) / w.Width
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 255
	}
	return uint8(t*255 + 0.5)
}

// Viewer extracts orthogonal slices from an assembled volume.
type Viewer struct {
	volume *models.ScanVolume
	window Window
}

// NewViewer creates a viewer over vol using window w
func NewViewer(vol *models.ScanVolume, w Window) *Viewer {
	return &Viewer{volume: vol, window: w}
}

// ExtractSlice extracts a 2D slice along the given axis:
// "axial" (fixed depth), "coronal" (fixed row) or "sagittal" (fixed column).
// Coronal and sagittal images have depth as their vertical axis, with the
// most cranial slice on top.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray
	switch axis {
	case "axial":
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Cols, vol.Rows))
		for y := 0; y < vol.Rows; y++ {
			for x := 0; x < vol.Cols; x++ {
				img.SetGray(x, y, v.gray(position, y, x))
			}
		}

	case "coronal":
		if position >= vol.Rows {
			return nil, fmt.Errorf("position %d exceeds rows %d", position, vol.Rows)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Cols, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Cols; x++ {
				img.SetGray(x, z, v.gray(z, position, x))
			}
		}

	case "sagittal":
		if position >= vol.Cols {
			return nil, fmt.Errorf("position %d exceeds cols %d", position, vol.Cols)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Rows, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Rows; y++ {
				img.SetGray(y, z, v.gray(z, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be axial, coronal or sagittal)", axis)
	}

	return img, nil
}

func (v *Viewer) gray(z, y, x int) color.Gray {
	return color.Gray{Y: v.window.Gray(float64(v.volume.At(z, y, x)))}
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SavePreviews writes the centre slice along each axis into dir as
// preview_<axis>.png and returns the written paths.
func (v *Viewer) SavePreviews(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	centres := []struct {
		axis     string
		position int
	}{
		{"axial", v.volume.Depth / 2},
		{"coronal", v.volume.Rows / 2},
		{"sagittal", v.volume.Cols / 2},
	}

	var paths []string
	for _, c := range centres {
		img, err := v.ExtractSlice(c.axis, c.position)
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(dir, fmt.Sprintf("preview_%s.png", c.axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}

	return paths, nil
}
