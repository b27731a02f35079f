// Package whitelist builds the read-only index of series eligible for
// processing from the curated nodule list.
//
// Records are grouped by series key regardless of exclusion; exclusion only
// decides eligibility, so Records still returns the rows of excluded patients.
package whitelist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"

	"ctslicesto3d/internal/models"
)

// Options controls how rows are turned into records.
type Options struct {
	// PatientPrefix is prepended to the patient column
	PatientPrefix string

	// Excluded lists patient ids that are never eligible
	Excluded []string
}

// Index is the immutable result of Load. It is safe for concurrent use.
type Index struct {
	eligible map[string]struct{}
	grouped  map[string][]models.NoduleRecord
	excluded map[string]struct{}
}

// Row is one CSV record and the line it starts on.
type Row struct {
	Line   int
	Fields []string
}

// ReadCSV reads a variable-arity CSV file record by record. A record that
// is not valid CSV is rejected with ErrMalformedCSV and reading continues
// with the next one. The first record is the header; if it cannot be read
// the whole file is refused. The returned error is only set for I/O
// failures and a malformed header.
func ReadCSV(r io.Reader) ([]Row, []*RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows []Row
	var rejected []*RowError
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, nil, fmt.Errorf("failed to read nodule list: %w", err)
			}
			if len(rows) == 0 && len(rejected) == 0 {
				return nil, nil, fmt.Errorf("failed to read nodule list header: %w", err)
			}
			rejected = append(rejected, &RowError{
				Line: parseErr.StartLine,
				Err:  fmt.Errorf("%w: %v", ErrMalformedCSV, parseErr.Err),
			})
			continue
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, Row{Line: line, Fields: fields})
	}
	return rows, rejected, nil
}

// Load builds an Index from rows read by ReadCSV. The first row is a
// header and is skipped. Malformed rows are rejected and reported; they
// never abort the load.
func Load(rows []Row, opts Options) (*Index, []*RowError) {
	idx := &Index{
		eligible: make(map[string]struct{}),
		grouped:  make(map[string][]models.NoduleRecord),
		excluded: make(map[string]struct{}, len(opts.Excluded)),
	}
	for _, p := range opts.Excluded {
		idx.excluded[p] = struct{}{}
	}

	var rejected []*RowError
	for i, row := range rows {
		if i == 0 {
			continue
		}

		rec, err := ParseRecord(row.Fields, row.Line, opts.PatientPrefix)
		if err != nil {
			var rowErr *RowError
			if !errors.As(err, &rowErr) {
				rowErr = &RowError{Line: row.Line, Err: err}
			}
			rejected = append(rejected, rowErr)
			continue
		}

		key := rec.Key().String()
		idx.grouped[key] = append(idx.grouped[key], rec)
		if _, excluded := idx.excluded[rec.PatientID]; !excluded {
			idx.eligible[key] = struct{}{}
		}
	}

	return idx, rejected
}

// Eligible reports whether the series may be processed.
func (idx *Index) Eligible(key models.SeriesKey) bool {
	_, ok := idx.eligible[key.String()]
	return ok
}

// Excluded reports whether the patient is in the exclusion set.
func (idx *Index) Excluded(patientID string) bool {
	_, ok := idx.excluded[patientID]
	return ok
}

// Records returns a copy of the records grouped under key, in source order.
func (idx *Index) Records(key models.SeriesKey) []models.NoduleRecord {
	recs := idx.grouped[key.String()]
	out := make([]models.NoduleRecord, len(recs))
	copy(out, recs)
	return out
}

// Keys returns the eligible series keys, sorted.
func (idx *Index) Keys() []string {
	return sortedKeys(idx.eligible)
}

// GroupedKeys returns every series key that has records, eligible or not.
func (idx *Index) GroupedKeys() []string {
	keys := make([]string, 0, len(idx.grouped))
	for k := range idx.grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of eligible series.
func (idx *Index) Len() int {
	return len(idx.eligible)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
