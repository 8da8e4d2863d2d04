package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Tier is a formulary cost tier. Lower tiers are cheaper for the member.
// TierUnknown sorts after every known tier.
type Tier int

const (
	TierUnknown Tier = 0
	Tier1       Tier = 1
	Tier2       Tier = 2
	Tier3       Tier = 3
	Tier4       Tier = 4
)

// Known reports whether t is one of the recognised tiers.
func (t Tier) Known() bool { return t >= Tier1 && t <= Tier4 }

// Rank returns an ordering key where unknown tiers come last.
func (t Tier) Rank() int {
	if !t.Known() {
		return int(Tier4) + 1
	}
	return int(t)
}

func (t Tier) String() string {
	if !t.Known() {
		return "unknown"
	}
	return fmt.Sprintf("Tier %d", int(t))
}

// ParseTier converts "1".."4" into a Tier. Anything else is TierUnknown.
func ParseTier(s string) Tier {
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return TierUnknown
	}
	t := Tier(s[0] - '0')
	if !t.Known() {
		return TierUnknown
	}
	return t
}

// Line is one line of extracted page text. Table rows are flattened to
// "Header: value; Header: value" and flagged so they are never split.
type Line struct {
	Text     string
	TableRow bool
}

// Page is one page of a formulary document.
type Page struct {
	Number int
	Lines  []Line
}

// Text joins the page lines with newlines.
func (p Page) Text() string {
	var b strings.Builder
	for i, l := range p.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

// FormularyDocument is the extracted form of one formulary PDF. It lives
// only for the duration of an ingestion.
type FormularyDocument struct {
	ID       string
	Filename string
	Insurer  string
	Pages    []Page
}

// Metadata is attached to every passage and copied into the vector index.
type Metadata struct {
	Insurer         string    `json:"insurer"`
	Source          string    `json:"source"`
	DrugName        string    `json:"drug_name,omitempty"`
	DrugClass       DrugClass `json:"drug_class,omitempty"`
	ClassConfidence float64   `json:"class_confidence,omitempty"`
	Tier            Tier      `json:"tier,omitempty"`
	PARequired      bool      `json:"pa_required,omitempty"`
	StepTherapy     bool      `json:"step_therapy,omitempty"`
	QuantityLimit   bool      `json:"quantity_limit,omitempty"`
	TableRow        bool      `json:"table_row,omitempty"`
}

// Restrictions counts the access restrictions that gate a medication.
func (m Metadata) Restrictions() int {
	n := 0
	if m.PARequired {
		n++
	}
	if m.StepTherapy {
		n++
	}
	return n
}

// Passage is a chunk of a formulary page, the unit that gets embedded.
type Passage struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Page       int      `json:"page"`
	Offset     int      `json:"offset"`
	Text       string   `json:"text"`
	Metadata   Metadata `json:"metadata"`
}

// IndexEntry is what gets written to a vector index. The entry id is the
// passage id; writing an existing id overwrites it.
type IndexEntry struct {
	Passage Passage
	Vector  []float32
}

// Filter restricts a vector query. Insurer is mandatory; an empty
// DrugClass matches every class.
type Filter struct {
	Insurer   string
	DrugClass DrugClass
}

// Candidate is a passage returned by a similarity query.
type Candidate struct {
	Passage Passage
	Score   float64
}

// Alternative is a runner-up medication for the same class.
type Alternative struct {
	Medication  string `json:"medication"`
	Tier        Tier   `json:"tier"`
	PARequired  bool   `json:"pa_required"`
	StepTherapy bool   `json:"step_therapy"`
}

// Recommendation is the ranked answer for one drug class.
type Recommendation struct {
	Insurer       string        `json:"insurer"`
	DrugClass     DrugClass     `json:"drug_class"`
	Medication    string        `json:"medication"`
	Tier          Tier          `json:"tier"`
	PARequired    bool          `json:"pa_required"`
	StepTherapy   bool          `json:"step_therapy"`
	QuantityLimit bool          `json:"quantity_limit"`
	Score         float64       `json:"score"`
	Source        string        `json:"source"`
	Page          int           `json:"page"`
	Reason        string        `json:"reason"`
	Rationale     string        `json:"rationale,omitempty"`
	Evidence      string        `json:"evidence,omitempty"`
	Alternatives  []Alternative `json:"alternatives,omitempty"`
}

// NoFormularyMatch is the outcome when no indexed passage supports a
// recommendation. It is a value, not an error.
type NoFormularyMatch struct {
	Insurer   string    `json:"insurer"`
	DrugClass DrugClass `json:"drug_class,omitempty"`
}

func (n NoFormularyMatch) String() string {
	if n.DrugClass == "" {
		return fmt.Sprintf("No formulary match for %s.", n.Insurer)
	}
	return fmt.Sprintf("No formulary match for %s under %s.", n.DrugClass, n.Insurer)
}

// Answer is the result of a query.
type Answer struct {
	Question        string            `json:"question"`
	Insurer         string            `json:"insurer"`
	DrugClass       DrugClass         `json:"drug_class,omitempty"`
	Recommendations []Recommendation  `json:"recommendations,omitempty"`
	NoMatch         *NoFormularyMatch `json:"no_match,omitempty"`
	Text            string            `json:"text"`
	Degraded        bool              `json:"degraded,omitempty"`
}

// NewDocumentID derives a stable document id from the insurer and the
// base file name, so re-ingesting the same file yields the same ids.
func NewDocumentID(insurer, filename string) string {
	h := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(insurer)) + "|" + filepath.Base(filename)))
	return hex.EncodeToString(h[:8])
}

// Source is a formulary file handed to ingestion.
type Source struct {
	Filename string
	Insurer  string
	Data     []byte
}
