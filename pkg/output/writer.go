// Package output persists processed series: one location per series key
// holding the nodule annotations, the scan metadata and the raw voxel dump.
package output

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/logging"
	"ctslicesto3d/pkg/visualization"
)

// Compression names the encoding applied to the voxel dump.
type Compression string

const (
	None Compression = "none"
	Zlib Compression = "zlib"
	Zstd Compression = "zstd"
)

// File names inside a series location.
const (
	ScanMetadataFile = "scan_metadata.json"
	ScanDataFile     = "scan.dat"
	noduleFileFormat = "nodule_%02d_metadata.json"
)

// ErrUnknownCompression is returned for a compression name other than
// none, zlib or zstd.
var ErrUnknownCompression = errors.New("unknown compression")

// NoduleFileName returns the file name of the i-th nodule (0-based).
func NoduleFileName(i int) string {
	return fmt.Sprintf(noduleFileFormat, i+1)
}

// Options configures a Writer.
type Options struct {
	// Root is the directory holding one <patient>/<series> location per key
	Root string

	// Compression of scan.dat; empty means None
	Compression Compression

	// Level is passed to the compressor; 0 selects its default
	Level int

	// Previews adds windowed PNG previews of the centre slices
	Previews bool
}

// Result describes one Write call.
type Result struct {
	// Location is the series directory
	Location string

	// Skipped is true when the location already existed and nothing was
	// written
	Skipped bool

	// Files lists the names written into Location
	Files []string
}

// Writer writes processed series under a root directory. A location is
// written at most once: if it exists the series is treated as processed.
type Writer struct {
	opts   Options
	rename func(oldpath, newpath string) error
	logger *zap.Logger
}

// NewWriter creates a writer.
func NewWriter(opts Options, logger *zap.Logger) (*Writer, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("output root is required")
	}
	if opts.Compression == "" {
		opts.Compression = None
	}
	switch opts.Compression {
	case None, Zlib, Zstd:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, opts.Compression)
	}
	return &Writer{opts: opts, rename: os.Rename, logger: logging.OrNop(logger)}, nil
}

// Location returns the directory of key under the writer's root.
func (w *Writer) Location(key models.SeriesKey) string {
	return filepath.Join(w.opts.Root, key.PatientID, key.SeriesNumber)
}

// Exists reports whether key has already been written.
func (w *Writer) Exists(key models.SeriesKey) (bool, error) {
	_, err := os.Stat(w.Location(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Write persists the annotations and volume of key. Files are written into a
// staging directory next to the location and renamed into place once
// complete, so an interrupted write never leaves a partial location behind.
// When another writer moves the same key into place first, the write is
// reported as skipped.
func (w *Writer) Write(key models.SeriesKey, annotations []models.NoduleAnnotation, vol *models.ScanVolume) (Result, error) {
	location := w.Location(key)
	res := Result{Location: location}

	exists, err := w.Exists(key)
	if err != nil {
		return res, err
	}
	if exists {
		res.Skipped = true
		w.logger.Debug("Location exists, skipping write", zap.String("location", location))
		return res, nil
	}

	parent := filepath.Dir(location)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return res, fmt.Errorf("failed to create %s: %w", parent, err)
	}

	staging := filepath.Join(parent, fmt.Sprintf(".%s.staging-%s", key.SeriesNumber, uuid.NewString()))
	if err := os.Mkdir(staging, 0755); err != nil {
		return res, fmt.Errorf("failed to create staging directory: %w", err)
	}

	files, err := w.writeAll(staging, annotations, vol)
	if err != nil {
		os.RemoveAll(staging)
		return res, err
	}

	if err := w.rename(staging, location); err != nil {
		os.RemoveAll(staging)
		if exists, _ := w.Exists(key); exists {
			res.Skipped = true
			w.logger.Debug("Location written concurrently, discarding staged files",
				zap.String("location", location), zap.Error(err))
			return res, nil
		}
		return res, fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	res.Files = files
	w.logger.Info("Wrote series",
		zap.String("series", key.String()),
		zap.String("location", location),
		zap.Int("nodules", len(annotations)),
		zap.String("compression", string(w.opts.Compression)))
	return res, nil
}

func (w *Writer) writeAll(dir string, annotations []models.NoduleAnnotation, vol *models.ScanVolume) ([]string, error) {
	var files []string

	for i, a := range annotations {
		name := NoduleFileName(i)
		if err := writeJSON(filepath.Join(dir, name), a); err != nil {
			return nil, err
		}
		files = append(files, name)
	}

	meta := vol.Metadata
	meta.Compression = string(w.opts.Compression)
	if err := writeJSON(filepath.Join(dir, ScanMetadataFile), meta); err != nil {
		return nil, err
	}
	files = append(files, ScanMetadataFile)

	if err := w.writeVolume(filepath.Join(dir, ScanDataFile), vol); err != nil {
		return nil, err
	}
	files = append(files, ScanDataFile)

	if w.opts.Previews {
		paths, err := visualization.NewViewer(vol, visualization.LungWindow).SavePreviews(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to write previews: %w", err)
		}
		for _, p := range paths {
			files = append(files, filepath.Base(p))
		}
	}

	return files, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (w *Writer) writeVolume(path string, vol *models.ScanVolume) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", ScanDataFile, err)
	}
	defer file.Close()

	enc, err := w.encoder(file)
	if err != nil {
		return err
	}
	if err := EncodeVoxels(enc, vol); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write %s: %w", ScanDataFile, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish %s: %w", ScanDataFile, err)
	}
	return file.Close()
}

// encoder wraps dst in the configured compressor. Closing the returned
// writer flushes it without closing dst.
func (w *Writer) encoder(dst io.Writer) (io.WriteCloser, error) {
	switch w.opts.Compression {
	case Zlib:
		level := zlib.DefaultCompression
		if w.opts.Level != 0 {
			level = w.opts.Level
		}
		return zlib.NewWriterLevel(dst, level)
	case Zstd:
		var opts []zstd.EOption
		if w.opts.Level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(w.opts.Level)))
		}
		return zstd.NewWriter(dst, opts...)
	default:
		return nopCloser{dst}, nil
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// EncodeVoxels writes the voxel grid as little-endian int32 in row-major
// (depth, row, col) order, one plane at a time.
func EncodeVoxels(dst io.Writer, vol *models.ScanVolume) error {
	bw := bufio.NewWriter(dst)
	plane := vol.Rows * vol.Cols
	if plane == 0 {
		return bw.Flush()
	}
	for z := 0; z < vol.Depth; z++ {
		if err := binary.Write(bw, binary.LittleEndian, vol.Data[z*plane:(z+1)*plane]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
