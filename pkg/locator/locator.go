// Package locator finds the annotation document and image files of a series
// directory and derives the series key from a representative image.
package locator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ctslicesto3d/internal/models"
)

var (
	// ErrNoAnnotation is returned when a series directory holds no
	// annotation document. Such directories are skipped silently.
	ErrNoAnnotation = errors.New("no annotation document")

	// ErrNoImages is returned when the annotation document's directory
	// holds no image files.
	ErrNoImages = errors.New("no image files next to annotation document")
)

const (
	annotationExt = ".xml"
	imageExt      = ".dcm"
)

// HeaderReader reads the series constants of one image file.
type HeaderReader interface {
	ReadHeader(path string) (models.SeriesHeader, error)
}

// Location describes where a series lives on disk.
type Location struct {
	// Dir is the series directory that was searched
	Dir string

	// AnnotationPath is the lexicographically first annotation document
	AnnotationPath string

	// ImageFiles are the image files next to the annotation document,
	// sorted by name
	ImageFiles []string

	// Header was read from ImageFiles[0]
	Header models.SeriesHeader
}

// Key returns the series key of the location.
func (l *Location) Key() models.SeriesKey {
	return l.Header.Key()
}

// DiscoverSeriesDirs returns the series directories under root, that is the
// directories matching root/casePattern/*, sorted.
func DiscoverSeriesDirs(root, casePattern string) ([]string, error) {
	cases, err := filepath.Glob(filepath.Join(root, casePattern))
	if err != nil {
		return nil, fmt.Errorf("invalid case pattern %q: %w", casePattern, err)
	}
	sort.Strings(cases)

	var dirs []string
	for _, caseDir := range cases {
		// Glob also matches plain files
		if info, err := os.Stat(caseDir); err != nil || !info.IsDir() {
			continue
		}
		entries, err := os.ReadDir(caseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", caseDir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(caseDir, e.Name()))
			}
		}
	}

	return dirs, nil
}

// Locate finds the annotation document and image files under dir and reads
// the series header from the first image file.
func Locate(dir string, headers HeaderReader) (*Location, error) {
	docs, err := findFilesByExtension(dir, annotationExt)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", dir, err)
	}
	if len(docs) == 0 {
		return nil, ErrNoAnnotation
	}
	sort.Strings(docs)

	loc := &Location{Dir: dir, AnnotationPath: docs[0]}

	images, err := listFilesByExtension(filepath.Dir(loc.AnnotationPath), imageExt)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoImages, filepath.Dir(loc.AnnotationPath))
	}
	loc.ImageFiles = images

	loc.Header, err = headers.ReadHeader(images[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", images[0], err)
	}

	return loc, nil
}

// findFilesByExtension recursively searches root for files ending with ext.
func findFilesByExtension(root, ext string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ext) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// listFilesByExtension lists the files directly inside dir ending with ext,
// sorted by name.
func listFilesByExtension(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
