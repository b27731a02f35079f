package reconstruction

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/logging"
)

// Orientation states how slice location relates to anatomy. It is an
// assumption: it is never checked against the image orientation tags, and a
// wrong value silently reverses the cranio-caudal axis.
type Orientation string

const (
	// FootToHead means increasing slice location moves towards the head
	FootToHead Orientation = "foot-to-head"

	// HeadToFoot means increasing slice location moves towards the feet
	HeadToFoot Orientation = "head-to-foot"
)

var (
	// ErrInsufficientSlices is returned when fewer than two slices of the
	// volumetric modality are available, so no thickness can be derived.
	ErrInsufficientSlices = errors.New("at least 2 slices are required to derive slice thickness")

	// ErrSliceShape is returned when a slice's pixel buffer does not match
	// the grid size read from the first slice.
	ErrSliceShape = errors.New("slice pixel buffer does not match grid size")
)

// Encoding of the assembled voxel grid.
const (
	VoxelType = "int32"
	ByteOrder = "little"
)

// DefaultSpacingTolerance is the relative standard deviation of inter-slice
// gaps above which spacing is reported as irregular.
const DefaultSpacingTolerance = 0.01

// Params holds the assembly parameters.
type Params struct {
	// Modality is the DICOM modality kept for the volume; other modalities
	// found in the same directory are discarded
	Modality string

	// Orientation of increasing slice location
	Orientation Orientation

	// SpacingTolerance bounds the relative standard deviation of gaps
	// between consecutive slices before a warning is logged
	SpacingTolerance float64
}

// DefaultParams returns the parameters used for CT series.
func DefaultParams() *Params {
	return &Params{
		Modality:         "CT",
		Orientation:      FootToHead,
		SpacingTolerance: DefaultSpacingTolerance,
	}
}

// Assembler builds a ScanVolume from the slices of one series.
//
// The assembly consists of several steps:
// 1. Keeping slices of the volumetric modality
// 2. Reading the grid size from the first retained slice
// 3. Sorting slices by location
// 4. Deriving slice thickness
// 5. Populating the grid with the most cranial slice at depth 0
// 6. Rescaling stored values into calibrated units
type Assembler struct {
	params *Params
	logger *zap.Logger
}

// NewAssembler creates a new assembler. Nil params select DefaultParams.
func NewAssembler(params *Params, logger *zap.Logger) *Assembler {
	if params == nil {
		params = DefaultParams()
	}
	return &Assembler{params: params, logger: logging.OrNop(logger)}
}

// Assemble runs the complete assembly for one series. header supplies the
// per-series constants read from the representative slice.
func (a *Assembler) Assemble(slices []models.Slice, header models.SeriesHeader) (*models.ScanVolume, error) {
	retained := a.filterModality(slices)
	if len(retained) < 2 {
		return nil, fmt.Errorf("%w: %d %s slices of %d", ErrInsufficientSlices, len(retained), a.params.Modality, len(slices))
	}

	// We assume all slices have the same dimensions
	rows, cols := retained[0].Rows, retained[0].Cols
	for _, s := range retained {
		if len(s.Pixels) != rows*cols {
			return nil, fmt.Errorf("%w: %s has %d values, want %dx%d", ErrSliceShape, s.Path, len(s.Pixels), cols, rows)
		}
	}

	sortByLocation(retained)
	a.checkSpacing(header.Key(), retained)

	thickness, err := SliceThickness(retained)
	if err != nil {
		return nil, err
	}

	vol := a.populate(retained, rows, cols)
	Rescale(vol, header.RescaleSlope, header.RescaleIntercept)

	vol.Metadata = models.ScanMetadata{
		Cols:             cols,
		Rows:             rows,
		Slices:           len(retained),
		SliceThickness:   thickness,
		RowSpacing:       header.RowSpacing,
		ColumnSpacing:    header.ColumnSpacing,
		RescaleSlope:     header.RescaleSlope,
		RescaleIntercept: header.RescaleIntercept,
		Orientation:      string(a.params.Orientation),
		VoxelType:        VoxelType,
		ByteOrder:        ByteOrder,
	}

	a.logger.Debug("Assembled volume",
		zap.String("series", header.Key().String()),
		zap.Int("slices", len(retained)),
		zap.Int("discarded", len(slices)-len(retained)),
		zap.Int("rows", rows),
		zap.Int("cols", cols),
		zap.Float64("sliceThickness", thickness))

	return vol, nil
}

// filterModality keeps the slices of the configured modality, preserving
// their order.
func (a *Assembler) filterModality(slices []models.Slice) []models.Slice {
	retained := make([]models.Slice, 0, len(slices))
	for _, s := range slices {
		if s.Modality == a.params.Modality {
			retained = append(retained, s)
		}
	}
	return retained
}

// sortByLocation sorts slices by ascending location. Ties keep their input
// order.
func sortByLocation(slices []models.Slice) {
	sort.SliceStable(slices, func(i, j int) bool {
		return slices[i].Location < slices[j].Location
	})
}

// SliceThickness derives the spacing between adjacent slices of a sorted
// series from its first and last locations.
func SliceThickness(sorted []models.Slice) (float64, error) {
	if len(sorted) < 2 {
		return 0, fmt.Errorf("%w: got %d", ErrInsufficientSlices, len(sorted))
	}
	first := sorted[0].Location
	last := sorted[len(sorted)-1].Location
	return math.Abs(last-first) / float64(len(sorted)-1), nil
}

// checkSpacing logs duplicate locations and irregular gaps. Neither stops
// the assembly.
func (a *Assembler) checkSpacing(key models.SeriesKey, sorted []models.Slice) {
	gaps := make([]float64, len(sorted)-1)
	duplicates := 0
	for i := 1; i < len(sorted); i++ {
		gaps[i-1] = sorted[i].Location - sorted[i-1].Location
		if gaps[i-1] == 0 {
			duplicates++
		}
	}

	if duplicates > 0 {
		a.logger.Warn("Duplicate slice locations",
			zap.String("series", key.String()),
			zap.Int("duplicates", duplicates))
	}

	if len(gaps) < 2 {
		return
	}
	mean, std := stat.MeanStdDev(gaps, nil)
	if mean > 0 && std/mean > a.params.SpacingTolerance {
		a.logger.Warn("Irregular slice spacing",
			zap.String("series", key.String()),
			zap.Float64("meanGap", mean),
			zap.Float64("stdDevGap", std),
			zap.Float64("minGap", floats.Min(gaps)),
			zap.Float64("maxGap", floats.Max(gaps)))
	}
}

// populate copies sorted slices into a new grid so that depth index 0 holds
// the most cranial slice.
func (a *Assembler) populate(sorted []models.Slice, rows, cols int) *models.ScanVolume {
	depth := len(sorted)
	plane := rows * cols
	vol := &models.ScanVolume{
		Data:  make([]int32, depth*plane),
		Depth: depth,
		Rows:  rows,
		Cols:  cols,
	}

	for i, s := range sorted {
		z := i
		if a.params.Orientation != HeadToFoot {
			// Ascending locations run foot to head; write them back to front.
			z = depth - 1 - i
		}
		copy(vol.Data[z*plane:(z+1)*plane], s.Pixels)
	}

	return vol
}

// Rescale applies voxel*slope + intercept to every voxel, rounding to the
// nearest integer.
func Rescale(vol *models.ScanVolume, slope, intercept float64) {
	plane := vol.Rows * vol.Cols
	if plane == 0 {
		return
	}

	buf := make([]float64, plane)
	for z := 0; z < vol.Depth; z++ {
		dst := vol.Data[z*plane : (z+1)*plane]
		for i, v := range dst {
			buf[i] = float64(v)
		}
		floats.Scale(slope, buf)
		floats.AddConst(intercept, buf)
		for i, v := range buf {
			dst[i] = int32(math.Round(v))
		}
	}
}
