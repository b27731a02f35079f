package dicomio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"

	"ctslicesto3d/internal/models"
)

func dataset(t *testing.T, values map[tag.Tag]interface{}) *dicom.Dataset {
	t.Helper()
	ds := &dicom.Dataset{}
	for tg, v := range values {
		el, err := dicom.NewElement(tg, v)
		require.NoError(t, err)
		ds.Elements = append(ds.Elements, el)
	}
	return ds
}

func TestHeaderFromDataset(t *testing.T) {
	ds := dataset(t, map[tag.Tag]interface{}{
		tag.PatientID:        []string{"LIDC-IDRI-0001"},
		tag.SeriesNumber:     []string{"3000566"},
		tag.PixelSpacing:     []string{"0.703125", "0.65"},
		tag.RescaleSlope:     []string{"1"},
		tag.RescaleIntercept: []string{"-1024"},
	})

	h, err := HeaderFromDataset(ds)
	require.NoError(t, err)
	assert.Equal(t, "LIDC-IDRI-0001/3000566", h.Key().String())
	assert.InDelta(t, 0.703125, h.RowSpacing, 1e-9)
	assert.InDelta(t, 0.65, h.ColumnSpacing, 1e-9)
	assert.Equal(t, 1.0, h.RescaleSlope)
	assert.Equal(t, -1024.0, h.RescaleIntercept)
}

func TestHeaderFromDataset_DefaultsRescale(t *testing.T) {
	ds := dataset(t, map[tag.Tag]interface{}{
		tag.PatientID:    []string{"P"},
		tag.SeriesNumber: []string{"1"},
		tag.PixelSpacing: []string{`0.5\0.5`},
	})

	h, err := HeaderFromDataset(ds)
	require.NoError(t, err)
	assert.Equal(t, 0.5, h.ColumnSpacing)
	assert.Equal(t, 1.0, h.RescaleSlope)
	assert.Equal(t, 0.0, h.RescaleIntercept)
}

func TestHeaderFromDataset_MissingPatient(t *testing.T) {
	ds := dataset(t, map[tag.Tag]interface{}{
		tag.SeriesNumber: []string{"1"},
		tag.PixelSpacing: []string{"0.5", "0.5"},
	})

	_, err := HeaderFromDataset(ds)
	assert.Error(t, err)
}

func TestHeaderFromDataset_BadSpacing(t *testing.T) {
	ds := dataset(t, map[tag.Tag]interface{}{
		tag.PatientID:    []string{"P"},
		tag.SeriesNumber: []string{"1"},
		tag.PixelSpacing: []string{"wide", "0.5"},
	})

	_, err := HeaderFromDataset(ds)
	assert.Error(t, err)
}

func TestToInt32Pixels(t *testing.T) {
	data := [][]int{{0}, {100}, {65535}, {32768}, {}}

	assert.Equal(t, []int32{0, 100, 65535, 32768, 0}, ToInt32Pixels(data, false, 16))
	assert.Equal(t, []int32{0, 100, -1, -32768, 0}, ToInt32Pixels(data, true, 16))

	// Already signed samples are left alone.
	assert.Equal(t, []int32{-2000}, ToInt32Pixels([][]int{{-2000}}, true, 16))
}

func nativePixels(rows, cols int, values ...int) dicom.PixelDataInfo {
	data := make([][]int, len(values))
	for i, v := range values {
		data[i] = []int{v}
	}
	return dicom.PixelDataInfo{Frames: []frame.Frame{{
		NativeData: frame.NativeFrame{Data: data, Rows: rows, Cols: cols, BitsPerSample: 16},
	}}}
}

func ctSlice(pixels dicom.PixelDataInfo) map[tag.Tag]interface{} {
	return map[tag.Tag]interface{}{
		tag.Modality:             []string{"CT"},
		tag.ImagePositionPatient: []string{"-166.0", "-171.7", "-47.5"},
		tag.InstanceNumber:       []string{"12"},
		tag.Rows:                 []int{2},
		tag.Columns:              []int{2},
		tag.BitsAllocated:        []int{16},
		tag.PixelRepresentation:  []int{1},
		tag.PixelData:            pixels,
	}
}

func TestSliceFromDataset(t *testing.T) {
	encapsulated := dicom.PixelDataInfo{
		IsEncapsulated: true,
		Frames:         []frame.Frame{{Encapsulated: true}},
	}
	structuredReport := map[tag.Tag]interface{}{tag.Modality: []string{"SR"}}

	cases := []struct {
		name     string
		values   map[tag.Tag]interface{}
		modality string
		want     func(t *testing.T, s models.Slice)
		wantErr  error
		anyErr   bool
	}{
		{
			name:     "ct slice",
			values:   ctSlice(nativePixels(2, 2, 0, 100, 65535, 32768)),
			modality: "CT",
			want: func(t *testing.T, s models.Slice) {
				assert.Equal(t, "CT", s.Modality)
				assert.Equal(t, -47.5, s.Location)
				assert.Equal(t, 12, s.Number)
				assert.Equal(t, 2, s.Rows)
				assert.Equal(t, 2, s.Cols)
				assert.Equal(t, []int32{0, 100, -1, -32768}, s.Pixels)
			},
		},
		{
			name:     "encapsulated pixel data",
			values:   ctSlice(encapsulated),
			modality: "CT",
			wantErr:  ErrEncapsulatedPixelData,
		},
		{
			name:     "pixel count does not fill the grid",
			values:   ctSlice(nativePixels(2, 2, 0, 100, 200)),
			modality: "CT",
			anyErr:   true,
		},
		{
			name:     "other modality without geometry",
			values:   structuredReport,
			modality: "CT",
			want: func(t *testing.T, s models.Slice) {
				assert.Equal(t, "SR", s.Modality)
				assert.Zero(t, s.Location)
				assert.Nil(t, s.Pixels)
			},
		},
		{
			name:   "any modality requires geometry",
			values: structuredReport,
			anyErr: true,
		},
		{
			name:     "missing modality",
			values:   map[tag.Tag]interface{}{tag.Rows: []int{2}},
			modality: "CT",
			anyErr:   true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := SliceFromDataset(dataset(t, c.values), c.modality)
			switch {
			case c.wantErr != nil:
				assert.ErrorIs(t, err, c.wantErr)
			case c.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				c.want(t, s)
			}
		})
	}
}

func TestReadHeader_StopsBeforePixelData(t *testing.T) {
	var elements []*dicom.Element
	for _, e := range []struct {
		tag   tag.Tag
		value []string
	}{
		{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}},
		{tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5.6.7"}},
		{tag.TransferSyntaxUID, []string{uid.ExplicitVRLittleEndian}},
		{tag.PatientID, []string{"LIDC-IDRI-0007"}},
		{tag.SeriesNumber, []string{"3000522"}},
		{tag.PixelSpacing, []string{"0.5", "0.625"}},
		{tag.RescaleIntercept, []string{"-1024"}},
		{tag.RescaleSlope, []string{"1"}},
	} {
		el, err := dicom.NewElement(e.tag, e.value)
		require.NoError(t, err)
		elements = append(elements, el)
	}

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dicom.Dataset{Elements: elements}))
	// A pixel data element whose declared length runs past the end of the
	// file; decoding it would fail.
	buf.Write([]byte{0xE0, 0x7F, 0x10, 0x00, 'O', 'W', 0, 0, 0x00, 0x00, 0x00, 0x10})

	path := filepath.Join(t.TempDir(), "1-001.dcm")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	h, err := NewReader("CT").ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, "LIDC-IDRI-0007/3000522", h.Key().String())
	assert.Equal(t, 0.5, h.RowSpacing)
	assert.Equal(t, 0.625, h.ColumnSpacing)
	assert.Equal(t, -1024.0, h.RescaleIntercept)
	assert.Equal(t, 1.0, h.RescaleSlope)
}
