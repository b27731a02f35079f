// Package annotation reconciles the curated nodule list with the reader
// annotations of a series.
//
// A Document indexes every unblindedReadNodule of an annotation file by its
// noduleID. A Matcher resolves the identifiers of each NoduleRecord against
// the Document through an explicit Strategy and emits one observation, or
// nil, per identifier.
package annotation

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"ctslicesto3d/internal/models"
)

// ErrMalformedCharacteristics is returned when a characteristics block lacks
// a score or holds a non-integer score.
var ErrMalformedCharacteristics = errors.New("malformed characteristics")

const readingElement = "unblindedReadNodule"

// Reading is one reader's annotation of a nodule.
type Reading struct {
	NoduleID string `xml:"noduleID"`

	// Characteristics is nil when the reading has no characteristics block
	Characteristics *Characteristics `xml:"characteristics"`
}

// Characteristics holds the raw text of the nine score leaves. A nil field
// means the leaf is absent.
type Characteristics struct {
	Subtlety          *string `xml:"subtlety"`
	InternalStructure *string `xml:"internalStructure"`
	Calcification     *string `xml:"calcification"`
	Sphericity        *string `xml:"sphericity"`
	Margin            *string `xml:"margin"`
	Lobulation        *string `xml:"lobulation"`
	Spiculation       *string `xml:"spiculation"`
	Texture           *string `xml:"texture"`
	Malignancy        *string `xml:"malignancy"`
}

// Observation parses the nine scores. It fails on the first missing or
// non-integer leaf.
func (c *Characteristics) Observation() (*models.Observation, error) {
	obs := &models.Observation{}
	fields := []struct {
		name string
		raw  *string
		dst  *int
	}{
		{"subtlety", c.Subtlety, &obs.Subtlety},
		{"internalStructure", c.InternalStructure, &obs.InternalStructure},
		{"calcification", c.Calcification, &obs.Calcification},
		{"sphericity", c.Sphericity, &obs.Sphericity},
		{"margin", c.Margin, &obs.Margin},
		{"lobulation", c.Lobulation, &obs.Lobulation},
		{"spiculation", c.Spiculation, &obs.Spiculation},
		{"texture", c.Texture, &obs.Texture},
		{"malignancy", c.Malignancy, &obs.Malignancy},
	}

	for _, f := range fields {
		if f.raw == nil {
			return nil, fmt.Errorf("%w: %s is missing", ErrMalformedCharacteristics, f.name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(*f.raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q is not an integer", ErrMalformedCharacteristics, f.name, *f.raw)
		}
		*f.dst = n
	}

	return obs, nil
}

// Document is the reading index of one annotation file.
type Document struct {
	readings map[string]Reading
	count    int
}

// ParseFile opens and parses an annotation file.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := ParseDocument(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ParseDocument indexes every reading element found anywhere in the
// document, ignoring namespaces. When two readings share an identifier the
// first one in document order wins.
func ParseDocument(r io.Reader) (*Document, error) {
	doc := &Document{readings: make(map[string]Reading)}
	decoder := xml.NewDecoder(r)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode annotation XML: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != readingElement {
			continue
		}

		var reading Reading
		if err := decoder.DecodeElement(&reading, &start); err != nil {
			return nil, fmt.Errorf("decode %s: %w", readingElement, err)
		}
		reading.NoduleID = strings.TrimSpace(reading.NoduleID)
		doc.count++

		if _, seen := doc.readings[reading.NoduleID]; !seen {
			doc.readings[reading.NoduleID] = reading
		}
	}

	return doc, nil
}

// Lookup returns the reading whose identifier equals id exactly.
func (d *Document) Lookup(id string) (Reading, bool) {
	r, ok := d.readings[id]
	return r, ok
}

// Len returns the number of reading elements in the document, duplicates
// included.
func (d *Document) Len() int {
	return d.count
}
