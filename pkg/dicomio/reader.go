// Package dicomio decodes DICOM files into slices and series headers.
package dicomio

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ctslicesto3d/internal/models"
)

// ErrEncapsulatedPixelData is returned for compressed pixel data, which is
// not decoded.
var ErrEncapsulatedPixelData = errors.New("encapsulated pixel data is not supported")

// lastHeaderTag is the highest tag HeaderFromDataset reads. Elements are
// stored in ascending tag order, so a header read can stop once it is passed.
var lastHeaderTag = tag.RescaleSlope

// Reader reads CT slices from DICOM files. The zero value reads every file
// in full regardless of modality.
type Reader struct {
	modality string
}

// NewReader creates a DICOM reader. Files of a modality other than
// modality are returned without geometry or pixels; an empty modality
// accepts all.
func NewReader(modality string) *Reader {
	return &Reader{modality: modality}
}

// ReadHeader reads the series constants from one file. Parsing stops after
// the last header tag, so the pixel data is not decoded.
func (r *Reader) ReadHeader(path string) (models.SeriesHeader, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.SeriesHeader{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return models.SeriesHeader{}, err
	}

	parser, err := dicom.NewParser(file, info.Size(), nil)
	if err != nil {
		return models.SeriesHeader{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var ds dicom.Dataset
	for {
		el, err := parser.Next()
		if errors.Is(err, dicom.ErrorEndOfDICOM) {
			break
		}
		if err != nil {
			return models.SeriesHeader{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		ds.Elements = append(ds.Elements, el)
		if !tagBefore(el.Tag, lastHeaderTag) {
			break
		}
	}

	h, err := HeaderFromDataset(&ds)
	if err != nil {
		return h, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

func tagBefore(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// ReadSlice reads the geometry and pixel grid of one file.
func (r *Reader) ReadSlice(path string) (models.Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return models.Slice{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	s, err := SliceFromDataset(&ds, r.modality)
	if err != nil {
		return models.Slice{}, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// HeaderFromDataset extracts the series constants. Missing rescale tags
// default to the identity transform.
func HeaderFromDataset(ds *dicom.Dataset) (models.SeriesHeader, error) {
	var h models.SeriesHeader
	var err error

	if h.PatientID, err = stringValue(ds, tag.PatientID); err != nil {
		return h, err
	}
	if h.SeriesNumber, err = stringValue(ds, tag.SeriesNumber); err != nil {
		return h, err
	}

	spacing, err := floatValues(ds, tag.PixelSpacing)
	if err != nil {
		return h, err
	}
	if len(spacing) < 2 {
		return h, fmt.Errorf("pixel spacing has %d values, need 2", len(spacing))
	}
	h.RowSpacing, h.ColumnSpacing = spacing[0], spacing[1]

	h.RescaleSlope, err = optionalFloat(ds, tag.RescaleSlope, 1)
	if err != nil {
		return h, err
	}
	h.RescaleIntercept, err = optionalFloat(ds, tag.RescaleIntercept, 0)
	if err != nil {
		return h, err
	}

	return h, nil
}

// SliceFromDataset extracts modality, location, instance number and the
// first frame of the pixel data. When modality is set and the dataset holds
// another one, only Modality is filled in; such objects (scouts, structured
// reports, presentation states) need not carry any geometry.
func SliceFromDataset(ds *dicom.Dataset, modality string) (models.Slice, error) {
	var s models.Slice
	var err error

	if s.Modality, err = stringValue(ds, tag.Modality); err != nil {
		return s, err
	}
	if modality != "" && s.Modality != modality {
		return s, nil
	}

	position, err := floatValues(ds, tag.ImagePositionPatient)
	if err != nil {
		return s, err
	}
	if len(position) < 3 {
		return s, fmt.Errorf("image position has %d values, need 3", len(position))
	}
	s.Location = position[2]

	if s.Number, err = intValue(ds, tag.InstanceNumber); err != nil {
		return s, err
	}
	if s.Rows, err = intValue(ds, tag.Rows); err != nil {
		return s, err
	}
	if s.Cols, err = intValue(ds, tag.Columns); err != nil {
		return s, err
	}

	bitsAllocated, err := intValue(ds, tag.BitsAllocated)
	if err != nil {
		return s, err
	}
	representation, err := intValue(ds, tag.PixelRepresentation)
	if err != nil {
		return s, err
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return s, fmt.Errorf("pixel data: %w", err)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return s, fmt.Errorf("pixel data: unexpected value type %v", el.Value.ValueType())
	}
	if len(info.Frames) == 0 {
		return s, errors.New("pixel data has no frames")
	}
	frame := info.Frames[0]
	if frame.Encapsulated {
		return s, ErrEncapsulatedPixelData
	}

	s.Pixels = ToInt32Pixels(frame.NativeData.Data, representation == 1, bitsAllocated)
	if len(s.Pixels) != s.Rows*s.Cols {
		return s, fmt.Errorf("pixel data holds %d values for a %dx%d grid", len(s.Pixels), s.Cols, s.Rows)
	}

	return s, nil
}

// ToInt32Pixels flattens native pixel samples, taking the first sample of
// each pixel. When signed is set, values stored as unsigned words are
// reinterpreted as two's complement.
func ToInt32Pixels(data [][]int, signed bool, bitsAllocated int) []int32 {
	out := make([]int32, len(data))
	var half, full int64
	if signed && bitsAllocated > 0 && bitsAllocated < 32 {
		full = 1 << uint(bitsAllocated)
		half = full >> 1
	}

	for i, px := range data {
		if len(px) == 0 {
			continue
		}
		v := int64(px[0])
		if full > 0 && v >= half {
			v -= full
		}
		out[i] = int32(v)
	}
	return out
}

func stringValues(ds *dicom.Dataset, t tag.Tag) ([]string, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("tag %v: %w", t, err)
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("tag %v: unexpected value type %v", t, el.Value.ValueType())
	}

	// Multi-valued strings may arrive joined with the DICOM separator.
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, `\`) {
			out = append(out, strings.TrimSpace(strings.TrimRight(part, "\x00")))
		}
	}
	return out, nil
}

func stringValue(ds *dicom.Dataset, t tag.Tag) (string, error) {
	values, err := stringValues(ds, t)
	if err != nil {
		return "", err
	}
	if len(values) == 0 || values[0] == "" {
		return "", fmt.Errorf("tag %v: empty value", t)
	}
	return values[0], nil
}

func floatValues(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	values, err := stringValues(ds, t)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(values))
	for _, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("tag %v: invalid decimal %q: %w", t, v, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func optionalFloat(ds *dicom.Dataset, t tag.Tag, def float64) (float64, error) {
	if _, err := ds.FindElementByTag(t); err != nil {
		return def, nil
	}
	values, err := floatValues(ds, t)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return def, nil
	}
	return values[0], nil
}

// intValue accepts both binary integer tags (US) and integer strings (IS).
func intValue(ds *dicom.Dataset, t tag.Tag) (int, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("tag %v: %w", t, err)
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) == 0 {
			return 0, fmt.Errorf("tag %v: empty value", t)
		}
		return v[0], nil
	case []string:
		s, err := stringValue(ds, t)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("tag %v: invalid integer %q: %w", t, s, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("tag %v: unexpected value type %v", t, el.Value.ValueType())
	}
}
