// Package extractor turns formulary PDFs into page lines, flattening
// detected table rows so that they survive chunking intact.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"formulary/internal/domain"
)

// PDFExtractor reads PDFs with a pure Go reader.
type PDFExtractor struct {
	log *zap.Logger
}

// NewPDFExtractor creates an extractor.
func NewPDFExtractor(log *zap.Logger) *PDFExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &PDFExtractor{log: log}
}

// Extract parses src.Data. Pages that fail to decode are skipped and
// returned in pageErrs; the call fails only when the document as a whole
// is unusable.
func (e *PDFExtractor) Extract(ctx context.Context, src domain.Source) (doc *domain.FormularyDocument, pageErrs []error, err error) {
	fail := func(reason string, cause error) (*domain.FormularyDocument, []error, error) {
		return nil, pageErrs, &domain.ExtractionError{Document: src.Filename, Reason: reason, Err: cause}
	}
	if !bytes.HasPrefix(bytes.TrimLeft(src.Data, " \t\r\n"), []byte("%PDF-")) {
		return fail("not a PDF", nil)
	}

	r, err := openReader(src.Data)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "encrypt") || strings.Contains(msg, "password") {
			return fail("encrypted", err)
		}
		return fail("unreadable", err)
	}
	if !r.Trailer().Key("Encrypt").IsNull() {
		return fail("encrypted", nil)
	}

	doc = &domain.FormularyDocument{
		ID:       domain.NewDocumentID(src.Insurer, src.Filename),
		Filename: src.Filename,
		Insurer:  src.Insurer,
	}
	st := &tableState{}
	total := r.NumPage()
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, pageErrs, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		rows, err := readRows(p)
		if err != nil {
			e.log.Warn("skipping page", zap.String("document", src.Filename), zap.Int("page", i), zap.Error(err))
			pageErrs = append(pageErrs, fmt.Errorf("page %d: %w", i, err))
			continue
		}
		if lines := layout(rows, st); len(lines) > 0 {
			doc.Pages = append(doc.Pages, domain.Page{Number: i, Lines: lines})
		}
	}
	if len(doc.Pages) == 0 {
		return fail("no extractable text", nil)
	}
	e.log.Debug("extracted document",
		zap.String("document", src.Filename),
		zap.Int("pages", len(doc.Pages)),
		zap.Int("page_errors", len(pageErrs)))
	return doc, pageErrs, nil
}

// openReader guards against decoder panics on malformed input.
func openReader(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed PDF: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func readRows(p pdf.Page) (out []textRow, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("decode page: %v", rec)
		}
	}()
	rows, err := p.GetTextByRow()
	if err != nil {
		return nil, err
	}
	out = make([]textRow, 0, len(rows))
	for _, row := range rows {
		tr := textRow{Y: float64(row.Position)}
		for _, t := range row.Content {
			if t.S == "" {
				continue
			}
			tr.Frags = append(tr.Frags, fragment{X: t.X, W: t.W, FontSize: t.FontSize, S: t.S})
		}
		if len(tr.Frags) > 0 {
			out = append(out, tr)
		}
	}
	return out, nil
}
