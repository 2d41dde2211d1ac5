// Package farmer defines the farmer record model, the enumerated data sections
// and the validation gate used before any store access.
package farmer

// Section names one independently embedded part of a farmer's data.
type Section string

const (
	SectionProfile        Section = "profile"
	SectionLivestock      Section = "livestock"
	SectionCrops          Section = "crops"
	SectionCalendarEvents Section = "calendarEvents"
	SectionMarketListings Section = "marketListings"
	SectionChatHistory    Section = "chatHistory"
	SectionDocuments      Section = "documents"
)

// DefaultSection is the section searched when a caller does not name one.
const DefaultSection = SectionCrops

var sectionOrder = []Section{
	SectionProfile,
	SectionLivestock,
	SectionCrops,
	SectionCalendarEvents,
	SectionMarketListings,
	SectionChatHistory,
	SectionDocuments,
}

// ValidSections is the set of recognised sections.
var ValidSections = map[Section]bool{
	SectionProfile: true, SectionLivestock: true, SectionCrops: true,
	SectionCalendarEvents: true, SectionMarketListings: true,
	SectionChatHistory: true, SectionDocuments: true,
}

// Sections returns every section in display order.
func Sections() []Section {
	out := make([]Section, len(sectionOrder))
	copy(out, sectionOrder)
	return out
}

// Valid reports whether s is one of the enumerated sections.
func (s Section) Valid() bool { return ValidSections[s] }

func (s Section) String() string { return string(s) }

// ParseSection converts a raw name into a Section.
func ParseSection(name string) (Section, error) {
	s := Section(name)
	if !s.Valid() {
		return "", NewValidationError("section", name, ErrUnknownSection)
	}
	return s, nil
}

// Embedding is a fixed-length vector produced by an external model.
type Embedding []float64

// Vectors maps each section to its embedding. Absent keys mean "not embedded".
type Vectors map[Section]Embedding

// Record is one farmer document: free-form profile fields plus per-section embeddings.
type Record struct {
	ID      string         `json:"id"`
	Profile map[string]any `json:"profile,omitempty"`
	Vectors Vectors        `json:"vectors,omitempty"`
}

// Vector returns the embedding for a section. ok is false when the section is
// missing or holds an empty vector.
func (r Record) Vector(s Section) (Embedding, bool) {
	v, ok := r.Vectors[s]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// ScoredResult is one ranked hit. It is never persisted.
type ScoredResult struct {
	Score  float64 `json:"score"`
	Record Record  `json:"record"`
	ID     string  `json:"id"`
}
