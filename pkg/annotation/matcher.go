package annotation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/logging"
)

// DiagnosticKind classifies a per-identifier matching failure.
type DiagnosticKind int

const (
	// DiagUnresolved means no candidate variant was found in the document
	DiagUnresolved DiagnosticKind = iota + 1
	// DiagMissingCharacteristics means the reading has no characteristics block
	DiagMissingCharacteristics
	// DiagMalformedCharacteristics means a score was missing or not an integer
	DiagMalformedCharacteristics
)

// String returns a string representation of the diagnostic kind
func (k DiagnosticKind) String() string {
	switch k {
	case DiagUnresolved:
		return "unresolved"
	case DiagMissingCharacteristics:
		return "missing-characteristics"
	case DiagMalformedCharacteristics:
		return "malformed-characteristics"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ErrUnresolved is the error carried by DiagUnresolved diagnostics.
var ErrUnresolved = errors.New("nodule identifier not found")

// ErrMissingCharacteristics is the error carried by
// DiagMissingCharacteristics diagnostics.
var ErrMissingCharacteristics = errors.New("reading has no characteristics")

// Diagnostic records why an identifier produced no observation.
type Diagnostic struct {
	Kind     DiagnosticKind
	Key      string
	NoduleID string
	// Position is the index of the identifier in the record's list
	Position int
	Err      error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s nodule %q (#%d): %v", d.Kind, d.Key, d.NoduleID, d.Position, d.Err)
}

// Matcher resolves nodule records against an annotation document.
type Matcher struct {
	strategy Strategy
	logger   *zap.Logger
}

// NewMatcher creates a matcher. An empty strategy falls back to
// DefaultStrategy.
func NewMatcher(strategy Strategy, logger *zap.Logger) *Matcher {
	if len(strategy) == 0 {
		strategy = DefaultStrategy()
	}
	return &Matcher{strategy: strategy, logger: logging.OrNop(logger)}
}

// Match resolves every identifier of rec in order. The returned annotation
// carries exactly one observation per identifier, nil where the identifier
// could not be resolved or its scores could not be read. Failures never stop
// the remaining identifiers from being processed.
func (m *Matcher) Match(rec models.NoduleRecord, doc *Document) (models.NoduleAnnotation, []Diagnostic) {
	ann := models.NoduleAnnotation{
		NoduleRecord: rec,
		Observations: make([]*models.Observation, len(rec.NoduleIDs)),
		ResolvedIDs:  make([]string, len(rec.NoduleIDs)),
	}
	key := rec.Key().String()

	var diags []Diagnostic
	report := func(kind DiagnosticKind, pos int, id string, err error) {
		d := Diagnostic{Kind: kind, Key: key, NoduleID: id, Position: pos, Err: err}
		diags = append(diags, d)
		m.logger.Warn("Nodule observation unavailable",
			zap.String("series", key),
			zap.String("noduleId", id),
			zap.Int("position", pos),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}

	for i, id := range rec.NoduleIDs {
		reading, res, ok := m.strategy.Resolve(doc, id)
		if !ok {
			report(DiagUnresolved, i, id, ErrUnresolved)
			continue
		}
		ann.ResolvedIDs[i] = res.ID
		if res.Candidate != Exact.Name {
			m.logger.Debug("Resolved nodule identifier with fallback",
				zap.String("series", key),
				zap.String("noduleId", id),
				zap.String("resolvedId", res.ID),
				zap.String("candidate", res.Candidate))
		}

		if reading.Characteristics == nil {
			report(DiagMissingCharacteristics, i, id, ErrMissingCharacteristics)
			continue
		}

		obs, err := reading.Characteristics.Observation()
		if err != nil {
			report(DiagMalformedCharacteristics, i, id, err)
			continue
		}
		ann.Observations[i] = obs
	}

	return ann, diags
}

// MatchAll matches every record of a series against the same document.
func (m *Matcher) MatchAll(recs []models.NoduleRecord, doc *Document) ([]models.NoduleAnnotation, []Diagnostic) {
	anns := make([]models.NoduleAnnotation, 0, len(recs))
	var diags []Diagnostic
	for _, rec := range recs {
		ann, d := m.Match(rec, doc)
		anns = append(anns, ann)
		diags = append(diags, d...)
	}
	return anns, diags
}
