package models

// Slice represents a single CT slice decoded from one DICOM file.
// Slices only live while a single series is being assembled.
type Slice struct {
	// Path is the source file the slice was read from
	Path string

	// Modality is the DICOM modality tag (e.g. "CT")
	Modality string

	// Location is the position of the slice along the scan axis in mm
	// (the z component of Image Position (Patient))
	Location float64

	// Number is the DICOM instance number
	Number int

	// Rows and Cols are the dimensions of the pixel grid
	Rows int
	Cols int

	// Pixels holds the stored pixel values in row-major order
	Pixels []int32
}

// SeriesHeader holds the per-series constants read once from the
// representative slice of a series.
type SeriesHeader struct {
	PatientID    string
	SeriesNumber string

	// RowSpacing and ColumnSpacing come from Pixel Spacing, in mm
	RowSpacing    float64
	ColumnSpacing float64

	// RescaleSlope and RescaleIntercept convert stored values into
	// calibrated units (Hounsfield units for CT)
	RescaleSlope     float64
	RescaleIntercept float64
}

// Key returns the series key carried by the header.
func (h SeriesHeader) Key() SeriesKey {
	return SeriesKey{PatientID: h.PatientID, SeriesNumber: h.SeriesNumber}
}

// ScanMetadata describes an assembled volume. It is persisted next to the
// raw voxel dump so the dump can be read back without any other input.
type ScanMetadata struct {
	Cols           int     `json:"cols"`
	Rows           int     `json:"rows"`
	Slices         int     `json:"slices"`
	SliceThickness float64 `json:"slice_thickness"`
	RowSpacing     float64 `json:"row_spacing"`
	ColumnSpacing  float64 `json:"column_spacing"`

	RescaleSlope     float64 `json:"rescale_slope"`
	RescaleIntercept float64 `json:"rescale_intercept"`

	// Orientation records which end of the scan depth index 0 holds
	Orientation string `json:"orientation"`

	// VoxelType, ByteOrder and Compression describe the scan.dat encoding
	VoxelType   string `json:"voxel_type"`
	ByteOrder   string `json:"byte_order"`
	Compression string `json:"compression"`
}

// ScanVolume represents a 3D volume assembled from CT slices
type ScanVolume struct {
	// Data is the 3D voxel grid as a 1D array in row-major order
	// (depth, row, col), in rescaled intensity units
	Data []int32

	// Depth, Rows and Cols are the grid dimensions in voxels
	Depth int
	Rows  int
	Cols  int

	// Metadata is the derived scan metadata
	Metadata ScanMetadata
}

// Index returns the offset of voxel (z, y, x) in Data.
func (v *ScanVolume) Index(z, y, x int) int {
	return z*v.Rows*v.Cols + y*v.Cols + x
}

// At returns the voxel at (z, y, x).
func (v *ScanVolume) At(z, y, x int) int32 {
	return v.Data[v.Index(z, y, x)]
}
