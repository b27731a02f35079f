package visualization

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"ctslicesto3d/internal/models"
)

// createTestVolume builds a volume where every voxel holds its depth index
// times step, plus offset
func createTestVolume(depth, rows, cols int, offset, step int32) *models.ScanVolume {
	vol := &models.ScanVolume{
		Data:  make([]int32, depth*rows*cols),
		Depth: depth,
		Rows:  rows,
		Cols:  cols,
	}
	for z := 0; z < depth; z++ {
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				vol.Data[vol.Index(z, y, x)] = offset + int32(z)*step
			}
		}
	}
	return vol
}

// TestWindowGray verifies the window mapping and clamping
func TestWindowGray(t *testing.T) {
	w := Window{Center: 0, Width: 200}

	testCases := []struct {
		value    float64
		expected uint8
	}{
		{-1000, 0},
		{-100, 0},
		{0, 128},
		{100, 255},
		{3000, 255},
	}

	for _, tc := range testCases {
		if got := w.Gray(tc.value); got != tc.expected {
			t.Errorf("Gray(%v): expected %d, got %d", tc.value, tc.expected, got)
		}
	}

	binary := Window{Center: 10}
	if binary.Gray(9) != 0 || binary.Gray(10) != 255 {
		t.Errorf("zero-width window should threshold at its center")
	}
}

// TestExtractSlice verifies dimensions and orientation of extracted slices
func TestExtractSlice(t *testing.T) {
	depth, rows, cols := 4, 6, 8
	vol := createTestVolume(depth, rows, cols, -100, 50)
	viewer := NewViewer(vol, Window{Center: 0, Width: 200})

	axial, err := viewer.ExtractSlice("axial", 2)
	if err != nil {
		t.Fatalf("Failed to extract axial slice: %v", err)
	}
	if b := axial.Bounds(); b.Dx() != cols || b.Dy() != rows {
		t.Errorf("Expected axial dimensions %dx%d, got %dx%d", cols, rows, b.Dx(), b.Dy())
	}
	// depth 2 holds 0 HU, the window center
	if got := axial.GrayAt(3, 3).Y; got != 128 {
		t.Errorf("Expected axial value 128, got %d", got)
	}

	coronal, err := viewer.ExtractSlice("coronal", 1)
	if err != nil {
		t.Fatalf("Failed to extract coronal slice: %v", err)
	}
	if b := coronal.Bounds(); b.Dx() != cols || b.Dy() != depth {
		t.Errorf("Expected coronal dimensions %dx%d, got %dx%d", cols, depth, b.Dx(), b.Dy())
	}
	// top row is depth 0
	if got := coronal.GrayAt(0, 0).Y; got != 0 {
		t.Errorf("Expected top coronal value 0, got %d", got)
	}

	sagittal, err := viewer.ExtractSlice("sagittal", 7)
	if err != nil {
		t.Fatalf("Failed to extract sagittal slice: %v", err)
	}
	if b := sagittal.Bounds(); b.Dx() != rows || b.Dy() != depth {
		t.Errorf("Expected sagittal dimensions %dx%d, got %dx%d", rows, depth, b.Dx(), b.Dy())
	}
	// bottom row is depth 3, 50 HU
	if got := sagittal.GrayAt(0, 3).Y; got != 191 {
		t.Errorf("Expected bottom sagittal value 191, got %d", got)
	}
}

// TestExtractSliceErrors verifies bounds and axis validation
func TestExtractSliceErrors(t *testing.T) {
	viewer := NewViewer(createTestVolume(2, 3, 4, 0, 1), LungWindow)

	cases := []struct {
		axis     string
		position int
	}{
		{"axial", -1},
		{"axial", 2},
		{"coronal", 3},
		{"sagittal", 4},
		{"oblique", 0},
	}
	for _, c := range cases {
		if _, err := viewer.ExtractSlice(c.axis, c.position); err == nil {
			t.Errorf("ExtractSlice(%q, %d): expected error", c.axis, c.position)
		}
	}
}

// TestSavePreviews verifies that one decodable PNG is written per axis
func TestSavePreviews(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "previews")
	viewer := NewViewer(createTestVolume(3, 5, 7, -1000, 400), LungWindow)

	paths, err := viewer.SavePreviews(dir)
	if err != nil {
		t.Fatalf("Failed to save previews: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 previews, got %d", len(paths))
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", p, err)
		}
		_, err = png.Decode(f)
		f.Close()
		if err != nil {
			t.Errorf("Failed to decode %s: %v", p, err)
		}
	}
}
