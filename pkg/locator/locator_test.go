package locator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctslicesto3d/internal/models"
)

type stubHeaders struct {
	calls []string
	err   error
}

func (s *stubHeaders) ReadHeader(path string) (models.SeriesHeader, error) {
	s.calls = append(s.calls, path)
	if s.err != nil {
		return models.SeriesHeader{}, s.err
	}
	return models.SeriesHeader{PatientID: "LIDC-IDRI-0001", SeriesNumber: "3000566"}, nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	study := filepath.Join(dir, "1.3.6.1", "1.3.6.2")
	touch(t, filepath.Join(study, "200.xml"))
	touch(t, filepath.Join(study, "069.xml"))
	touch(t, filepath.Join(study, "000002.dcm"))
	touch(t, filepath.Join(study, "000001.dcm"))
	touch(t, filepath.Join(dir, "other", "000003.dcm"))

	headers := &stubHeaders{}
	loc, err := Locate(dir, headers)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(study, "069.xml"), loc.AnnotationPath)
	assert.Equal(t, []string{
		filepath.Join(study, "000001.dcm"),
		filepath.Join(study, "000002.dcm"),
	}, loc.ImageFiles)
	assert.Equal(t, []string{filepath.Join(study, "000001.dcm")}, headers.calls)
	assert.Equal(t, "LIDC-IDRI-0001/3000566", loc.Key().String())
}

func TestLocate_NoAnnotation(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a", "000001.dcm"))

	headers := &stubHeaders{}
	_, err := Locate(dir, headers)
	assert.ErrorIs(t, err, ErrNoAnnotation)
	assert.Empty(t, headers.calls)
}

func TestLocate_NoImages(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a", "069.xml"))

	_, err := Locate(dir, &stubHeaders{})
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestLocate_HeaderError(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "069.xml"))
	touch(t, filepath.Join(dir, "000001.dcm"))

	boom := errors.New("bad preamble")
	_, err := Locate(dir, &stubHeaders{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestDiscoverSeriesDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "LIDC-IDRI-0002", "s1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "LIDC-IDRI-0001", "s2"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "LIDC-IDRI-0001", "s1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "unrelated", "s1"), 0755))
	touch(t, filepath.Join(root, "LIDC-IDRI-0001", "notes.txt"))
	touch(t, filepath.Join(root, "LIDC-IDRI-0003"))

	dirs, err := DiscoverSeriesDirs(root, "LIDC-IDRI-*")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "LIDC-IDRI-0001", "s1"),
		filepath.Join(root, "LIDC-IDRI-0001", "s2"),
		filepath.Join(root, "LIDC-IDRI-0002", "s1"),
	}, dirs)
}
