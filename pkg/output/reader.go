package output

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"ctslicesto3d/internal/models"
)

// ReadScan loads the volume stored at a series location, decoding scan.dat
// according to the compression recorded in scan_metadata.json.
func ReadScan(location string) (*models.ScanVolume, error) {
	raw, err := os.ReadFile(filepath.Join(location, ScanMetadataFile))
	if err != nil {
		return nil, err
	}
	var meta models.ScanMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ScanMetadataFile, err)
	}

	file, err := os.Open(filepath.Join(location, ScanDataFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	src, err := decoder(Compression(meta.Compression), file)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	vol := &models.ScanVolume{
		Data:     make([]int32, meta.Slices*meta.Rows*meta.Cols),
		Depth:    meta.Slices,
		Rows:     meta.Rows,
		Cols:     meta.Cols,
		Metadata: meta,
	}
	if err := binary.Read(src, binary.LittleEndian, vol.Data); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ScanDataFile, err)
	}
	return vol, nil
}

// ReadAnnotations loads the nodule files of a series location in order.
func ReadAnnotations(location string) ([]models.NoduleAnnotation, error) {
	var out []models.NoduleAnnotation
	for i := 0; ; i++ {
		raw, err := os.ReadFile(filepath.Join(location, NoduleFileName(i)))
		if os.IsNotExist(err) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var a models.NoduleAnnotation
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", NoduleFileName(i), err)
		}
		out = append(out, a)
	}
}

func decoder(c Compression, src io.Reader) (io.ReadCloser, error) {
	switch c {
	case "", None:
		return io.NopCloser(src), nil
	case Zlib:
		return zlib.NewReader(src)
	case Zstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}
