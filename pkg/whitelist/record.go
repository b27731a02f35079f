package whitelist

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ctslicesto3d/internal/models"
)

// Column positions of the curated nodule list.
const (
	colPatient = iota
	colSeries
	colROI
	colVolume
	colDiameter
	colXPos
	colYPos
	colSliceNumber
	colReserved
	colNoduleIDs
)

// minColumns is the number of fixed columns every row must carry. The
// nodule identifier list that follows may be empty.
const minColumns = colNoduleIDs

var columnNames = [...]string{
	colPatient:     "patient",
	colSeries:      "series",
	colROI:         "roi",
	colVolume:      "volume",
	colDiameter:    "diameter",
	colXPos:        "x_pos",
	colYPos:        "y_pos",
	colSliceNumber: "slice_number",
	colReserved:    "reserved",
}

// Row rejection reasons.
var (
	ErrTooFewColumns  = errors.New("too few columns")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidInteger = errors.New("invalid integer")
	ErrInvalidFloat   = errors.New("invalid float")
	ErrMalformedCSV   = errors.New("malformed CSV record")
)

// RowError reports a rejected row. Err is one of the sentinel errors above,
// possibly wrapping the underlying strconv error.
type RowError struct {
	// Line is the 1-based line number in the source (the header is line 1)
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d: column %s %q: %v", e.Line, e.Column, e.Value, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ParseRecord parses one data row into a NoduleRecord. line is only used
// for error reporting.
func ParseRecord(row []string, line int, patientPrefix string) (models.NoduleRecord, error) {
	var rec models.NoduleRecord

	if len(row) < minColumns {
		return rec, &RowError{Line: line, Err: fmt.Errorf("%w: got %d, need %d", ErrTooFewColumns, len(row), minColumns)}
	}

	field := func(col int) (string, error) {
		v := strings.TrimSpace(row[col])
		if v == "" {
			return "", &RowError{Line: line, Column: columnNames[col], Err: ErrMissingField}
		}
		return v, nil
	}
	intField := func(col int) (int, error) {
		v, err := field(col)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, &RowError{Line: line, Column: columnNames[col], Value: v, Err: fmt.Errorf("%w: %v", ErrInvalidInteger, err)}
		}
		return n, nil
	}
	floatField := func(col int) (float64, error) {
		v, err := field(col)
		if err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, &RowError{Line: line, Column: columnNames[col], Value: v, Err: fmt.Errorf("%w: %v", ErrInvalidFloat, err)}
		}
		return f, nil
	}

	patient, err := field(colPatient)
	if err != nil {
		return rec, err
	}
	rec.PatientID = patientPrefix + patient

	if rec.SeriesNumber, err = field(colSeries); err != nil {
		return rec, err
	}
	if rec.ROI, err = intField(colROI); err != nil {
		return rec, err
	}
	if rec.Volume, err = floatField(colVolume); err != nil {
		return rec, err
	}
	if rec.Diameter, err = floatField(colDiameter); err != nil {
		return rec, err
	}
	if rec.XPos, err = intField(colXPos); err != nil {
		return rec, err
	}
	if rec.YPos, err = intField(colYPos); err != nil {
		return rec, err
	}
	if rec.SliceNumber, err = intField(colSliceNumber); err != nil {
		return rec, err
	}

	rec.NoduleIDs = []string{}
	for _, id := range row[colNoduleIDs:] {
		if id = strings.TrimSpace(id); id != "" {
			rec.NoduleIDs = append(rec.NoduleIDs, id)
		}
	}

	return rec, nil
}
