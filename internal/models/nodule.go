package models

// SeriesKey identifies exactly one scan: a patient and one of their series.
type SeriesKey struct {
	PatientID    string
	SeriesNumber string
}

// String renders the key as "<patient>/<series>", which is also the
// relative output location of the series.
func (k SeriesKey) String() string {
	return k.PatientID + "/" + k.SeriesNumber
}

// NoduleRecord is one parsed row of the curated nodule size list.
type NoduleRecord struct {
	PatientID    string  `json:"patient_id"`
	SeriesNumber string  `json:"series_number"`
	ROI          int     `json:"roi"`
	Volume       float64 `json:"volume"`
	Diameter     float64 `json:"diameter"`
	XPos         int     `json:"x_pos"`
	YPos         int     `json:"y_pos"`
	SliceNumber  int     `json:"slice_number"`

	// NoduleIDs are the reader nodule identifiers this record refers to, in
	// the order they appear in the list
	NoduleIDs []string `json:"nodule_ids"`
}

// Key returns the series key of the record.
func (r NoduleRecord) Key() SeriesKey {
	return SeriesKey{PatientID: r.PatientID, SeriesNumber: r.SeriesNumber}
}

// Observation is one reader's characteristic scores for a nodule.
type Observation struct {
	// Higher value means more obvious
	Subtlety          int `json:"subtlety"`
	InternalStructure int `json:"internal_structure"`
	Calcification     int `json:"calcification"`
	// Roundness of the nodule
	Sphericity int `json:"sphericity"`
	// Sharpness of the nodule boundary
	Margin int `json:"margin"`
	// Cloud-like lumpiness
	Lobulation int `json:"lobulation"`
	// Protruding spikes
	Spiculation int `json:"spiculation"`
	// Solidness of texture
	Texture int `json:"texture"`
	// Subjective likelihood of cancer
	Malignancy int `json:"malignancy"`
}

// NoduleAnnotation is a NoduleRecord extended with the observations matched
// from the series annotation document.
//
// Observations and ResolvedIDs are index-aligned with NoduleIDs. A nil
// observation means the identifier could not be resolved or its
// characteristics could not be read.
type NoduleAnnotation struct {
	NoduleRecord

	Observations []*Observation `json:"observations"`

	// ResolvedIDs holds the identifier variant that matched the document,
	// or "" when none did
	ResolvedIDs []string `json:"resolved_nodule_ids"`
}
