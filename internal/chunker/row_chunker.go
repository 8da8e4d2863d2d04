package chunker

import (
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"formulary/internal/classify"
	"formulary/internal/domain"
)

const (
	DefaultMaxSize = 1000
	DefaultOverlap = 200
)

var passageNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("formulary/passage"))

// RowChunker cuts formulary pages into passages. Sizes are counted in
// runes. Table rows are atomic; narrative text is windowed with overlap.
type RowChunker struct {
	maxSize int
	overlap int
}

// Option configures a RowChunker.
type Option func(*RowChunker)

// WithMaxSize sets the maximum passage size in runes.
func WithMaxSize(n int) Option {
	return func(c *RowChunker) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithOverlap sets how many runes adjacent narrative passages share.
func WithOverlap(n int) Option {
	return func(c *RowChunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// New creates a chunker. An overlap that is not smaller than the max size
// is reset to a quarter of it.
func New(opts ...Option) *RowChunker {
	c := &RowChunker{maxSize: DefaultMaxSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxSize {
		c.overlap = c.maxSize / 4
	}
	return c
}

// MaxSize returns the configured maximum passage size.
func (c *RowChunker) MaxSize() int { return c.maxSize }

// Overlap returns the configured overlap.
func (c *RowChunker) Overlap() int { return c.overlap }

// PassageID derives the deterministic passage id for a chunk position.
func PassageID(documentID string, page, offset int) string {
	return uuid.NewSHA1(passageNamespace, []byte(fmt.Sprintf("%s:%d:%d", documentID, page, offset))).String()
}

// Document yields the passages of every page in order.
func (c *RowChunker) Document(doc *domain.FormularyDocument) iter.Seq[domain.Passage] {
	return func(yield func(domain.Passage) bool) {
		for _, page := range doc.Pages {
			for p := range c.Page(doc, page) {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// Page yields the passages of one page. The sequence is lazy and can be
// ranged over more than once.
//
// Table rows are single passages. A narrative line naming a drug yields
// one passage per drug clause, so each mention carries its own tier and
// restrictions. Other narrative lines are joined into runs and windowed.
// A passage takes the class of the last section heading at or before its
// start.
func (c *RowChunker) Page(doc *domain.FormularyDocument, page domain.Page) iter.Seq[domain.Passage] {
	return func(yield func(domain.Passage) bool) {
		var (
			section    domain.DrugClass
			offset     int
			run        []rune
			runStart   int
			runSection domain.DrugClass
			headings   []heading
		)
		sectionAt := func(pos int) domain.DrugClass {
			class := runSection
			for _, h := range headings {
				if h.at > pos {
					break
				}
				class = h.class
			}
			return class
		}
		flush := func() bool {
			defer func() {
				run = run[:0]
				headings = headings[:0]
			}()
			if strings.TrimSpace(string(run)) == "" {
				return true
			}
			for _, w := range c.windows(run) {
				text := string(run[w[0]:w[1]])
				if !yield(c.passage(doc, page.Number, runStart+w[0], text, false, sectionAt(w[0]))) {
					return false
				}
			}
			return true
		}

		for i, line := range page.Lines {
			n := utf8.RuneCountInString(line.Text)
			single := line.TableRow || (n <= c.maxSize && classify.MentionsDrug(line.Text))
			if i > 0 {
				offset++ // newline separator
				if !single && len(run) > 0 {
					run = append(run, '\n')
				}
			}
			class, isHeading := classify.Heading(line.Text)
			if single {
				if !flush() {
					return
				}
				if isHeading && !line.TableRow {
					section = class
				}
				if !c.atomic(doc, page.Number, offset, line, section, yield) {
					return
				}
				offset += n
				continue
			}
			if len(run) == 0 {
				runStart = offset
				runSection = section
			}
			if isHeading {
				headings = append(headings, heading{at: len(run), class: class})
				section = class
			}
			run = append(run, []rune(line.Text)...)
			offset += n
		}
		flush()
	}
}

type heading struct {
	at    int
	class domain.DrugClass
}

// atomic yields a table row whole, and a narrative drug line as one
// passage per drug clause.
func (c *RowChunker) atomic(doc *domain.FormularyDocument, page, offset int, line domain.Line, section domain.DrugClass, yield func(domain.Passage) bool) bool {
	if strings.TrimSpace(line.Text) == "" {
		return true
	}
	if line.TableRow {
		return yield(c.passage(doc, page, offset, line.Text, true, section))
	}
	for _, sp := range classify.Clauses(line.Text) {
		at := offset + utf8.RuneCountInString(line.Text[:sp[0]])
		if !yield(c.passage(doc, page, at, line.Text[sp[0]:sp[1]], false, section)) {
			return false
		}
	}
	return true
}

// windows cuts runes into [start, end) spans of at most maxSize runes.
// Consecutive spans share exactly overlap runes. A cut prefers the last
// whitespace that still leaves room for progress.
func (c *RowChunker) windows(runes []rune) [][2]int {
	var out [][2]int
	n := len(runes)
	start := 0
	for {
		end := min(start+c.maxSize, n)
		if end < n {
			for i := end; i > start+c.overlap+1; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		out = append(out, [2]int{start, end})
		if end >= n {
			return out
		}
		start = end - c.overlap
	}
}

func (c *RowChunker) passage(doc *domain.FormularyDocument, page, offset int, text string, row bool, section domain.DrugClass) domain.Passage {
	cl := classify.Classify(text)
	md := domain.Metadata{
		Insurer:         doc.Insurer,
		Source:          doc.Filename,
		DrugName:        cl.DrugName,
		DrugClass:       cl.Class,
		ClassConfidence: cl.Confidence,
		Tier:            cl.Tier,
		PARequired:      cl.PARequired,
		StepTherapy:     cl.StepTherapy,
		QuantityLimit:   cl.QuantityLimit,
		TableRow:        row,
	}
	if md.DrugClass == "" && section != "" {
		md.DrugClass = section
		md.ClassConfidence = classify.ConfidenceSection
	}
	return domain.Passage{
		ID:         PassageID(doc.ID, page, offset),
		DocumentID: doc.ID,
		Page:       page,
		Offset:     offset,
		Text:       text,
		Metadata:   md,
	}
}
