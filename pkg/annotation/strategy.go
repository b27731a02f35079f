package annotation

// Candidate derives one identifier variant to look up.
type Candidate struct {
	Name      string
	Transform func(id string) string
}

// Exact looks the identifier up as written in the nodule list.
var Exact = Candidate{
	Name:      "exact",
	Transform: func(id string) string { return id },
}

// LeadingZero prepends a zero. Some identifiers in the nodule list lost the
// leading zero that the annotation files carry.
var LeadingZero = Candidate{
	Name:      "leading-zero",
	Transform: func(id string) string { return "0" + id },
}

// Strategy is an ordered list of candidates; the first variant found in the
// document wins.
type Strategy []Candidate

// DefaultStrategy tries the identifier as written, then with a leading zero.
func DefaultStrategy() Strategy {
	return Strategy{Exact, LeadingZero}
}

// Resolution records which candidate resolved an identifier.
type Resolution struct {
	Candidate string
	ID        string
}

// Resolve looks id up in doc with each candidate in turn.
func (s Strategy) Resolve(doc *Document, id string) (Reading, Resolution, bool) {
	for _, c := range s {
		variant := c.Transform(id)
		if r, ok := doc.Lookup(variant); ok {
			return r, Resolution{Candidate: c.Name, ID: variant}, true
		}
	}
	return Reading{}, Resolution{}, false
}
