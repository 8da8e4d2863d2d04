package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"formulary/internal/domain"
	"formulary/internal/insurer"
	"formulary/internal/ledger"
)

// IngestReport describes the outcome for one document.
type IngestReport struct {
	DocumentID string
	Filename   string
	Insurer    string
	Pages      int
	Passages   int
	// PageErrors lists pages that could not be decoded and were skipped.
	PageErrors []error
	// Skipped is set when the ledger already held this exact content.
	Skipped bool
}

// Failure is a document that could not be ingested.
type Failure struct {
	Filename string
	Err      error
}

// BatchReport collects the outcome of IngestBatch in input order.
type BatchReport struct {
	Reports  []IngestReport
	Failures []Failure
}

// Passages returns the number of passages written across the batch.
func (b BatchReport) Passages() int {
	n := 0
	for _, r := range b.Reports {
		n += r.Passages
	}
	return n
}

// Skipped returns how many documents were unchanged.
func (b BatchReport) Skipped() int {
	n := 0
	for _, r := range b.Reports {
		if r.Skipped {
			n++
		}
	}
	return n
}

func (p *Pipeline) resolve(src domain.Source) domain.Source {
	if strings.TrimSpace(src.Insurer) == "" {
		src.Insurer = insurer.FromFilename(src.Filename, p.cfg.Aliases)
	}
	return src
}

// Ingest extracts, chunks, embeds and indexes one document. Passages a
// previous ingest of the same document left in the index are deleted
// before the first new passage is written, so rows that moved or vanished
// in a revised formulary cannot be recommended.
func (p *Pipeline) Ingest(ctx context.Context, src domain.Source) (IngestReport, error) {
	if len(src.Data) == 0 {
		return IngestReport{Filename: src.Filename}, fmt.Errorf("%w: %s is empty", domain.ErrInvalidInput, src.Filename)
	}
	src = p.resolve(src)
	report := IngestReport{
		DocumentID: domain.NewDocumentID(src.Insurer, src.Filename),
		Filename:   src.Filename,
		Insurer:    src.Insurer,
	}
	log := p.log.With(zap.String("document", src.Filename), zap.String("insurer", src.Insurer))
	start := time.Now()

	doc, pageErrs, err := p.extractor.Extract(ctx, src)
	report.PageErrors = pageErrs
	for _, perr := range pageErrs {
		log.Warn("page skipped", zap.Error(perr))
	}
	if err != nil {
		return report, err
	}
	report.Pages = len(doc.Pages)

	batch := make([]domain.Passage, 0, p.cfg.EmbedBatchSize)
	replaced := false
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.indexBatch(ctx, batch, report.DocumentID, !replaced); err != nil {
			return err
		}
		replaced = true
		report.Passages += len(batch)
		batch = batch[:0]
		return nil
	}
	for passage := range p.chunker.Document(doc) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch = append(batch, passage)
		if len(batch) == p.cfg.EmbedBatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}
	if !replaced {
		if err := p.dropEmpty(ctx, report.DocumentID); err != nil {
			return report, err
		}
	}

	if p.ledger != nil {
		sum := sha256.Sum256(src.Data)
		err := p.ledger.Record(ctx, ledger.Entry{
			DocumentID: report.DocumentID,
			Filename:   report.Filename,
			Insurer:    report.Insurer,
			SHA256:     hex.EncodeToString(sum[:]),
			Passages:   report.Passages,
			PageErrors: len(report.PageErrors),
		})
		if err != nil {
			log.Warn("ledger update failed", zap.Error(err))
		}
	}
	log.Info("document ingested",
		zap.String("document_id", report.DocumentID),
		zap.Int("pages", report.Pages),
		zap.Int("passages", report.Passages),
		zap.Int("page_errors", len(report.PageErrors)),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

// indexBatch embeds one batch of passages and upserts it. With replace set
// the document's earlier passages are deleted first.
func (p *Pipeline) indexBatch(ctx context.Context, batch []domain.Passage, documentID string, replace bool) error {
	texts := make([]string, len(batch))
	for i, ps := range batch {
		texts[i] = ps.Text
	}
	vecs, err := p.embedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if err := p.ensureIndex(ctx, len(vecs[0])); err != nil {
		return err
	}
	if replace {
		if err := p.deleteDocument(ctx, documentID); err != nil {
			return err
		}
	}
	entries := make([]domain.IndexEntry, len(batch))
	for i := range batch {
		entries[i] = domain.IndexEntry{Passage: batch[i], Vector: vecs[i]}
	}
	return p.call(ctx, p.cfg.IndexTimeout, domain.ErrIndexService, "upsert passages", func(ctx context.Context) error {
		return p.index.Upsert(ctx, entries)
	})
}

func (p *Pipeline) deleteDocument(ctx context.Context, documentID string) error {
	return p.call(ctx, p.cfg.IndexTimeout, domain.ErrIndexService, "delete stale passages", func(ctx context.Context) error {
		return p.index.DeleteDocument(ctx, documentID)
	})
}

// dropEmpty clears a document that now yields no passages. Nothing is
// done while the index dimension is unknown.
func (p *Pipeline) dropEmpty(ctx context.Context, documentID string) error {
	p.initMu.Lock()
	dim := p.dimension
	p.initMu.Unlock()
	if dim == 0 {
		dim = p.embedder.Dimension()
	}
	if dim <= 0 {
		return nil
	}
	if err := p.ensureIndex(ctx, dim); err != nil {
		return err
	}
	return p.deleteDocument(ctx, documentID)
}

// IngestBatch ingests sources in parallel, bounded by Config.Workers. A
// failing document is reported and the rest continue. With a ledger,
// documents whose content is unchanged are skipped unless Config.Force.
func (p *Pipeline) IngestBatch(ctx context.Context, sources []domain.Source) BatchReport {
	reports := make([]IngestReport, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, src := range sources {
		g.Go(func() error {
			reports[i], errs[i] = p.ingestOnce(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	var out BatchReport
	for i := range sources {
		if errs[i] != nil {
			p.log.Error("document failed", zap.String("document", sources[i].Filename), zap.Error(errs[i]))
			out.Failures = append(out.Failures, Failure{Filename: sources[i].Filename, Err: errs[i]})
			continue
		}
		out.Reports = append(out.Reports, reports[i])
	}
	p.log.Info("batch ingested",
		zap.Int("documents", len(sources)),
		zap.Int("failed", len(out.Failures)),
		zap.Int("skipped", out.Skipped()),
		zap.Int("passages", out.Passages()))
	return out
}

func (p *Pipeline) ingestOnce(ctx context.Context, src domain.Source) (IngestReport, error) {
	if err := ctx.Err(); err != nil {
		return IngestReport{Filename: src.Filename}, err
	}
	if p.ledger == nil || p.cfg.Force || len(src.Data) == 0 {
		return p.Ingest(ctx, src)
	}
	src = p.resolve(src)
	id := domain.NewDocumentID(src.Insurer, src.Filename)
	sum := sha256.Sum256(src.Data)
	seen, err := p.ledger.Seen(ctx, id, hex.EncodeToString(sum[:]))
	if err != nil {
		p.log.Warn("ledger lookup failed, ingesting", zap.String("document", src.Filename), zap.Error(err))
	}
	if seen {
		p.log.Debug("document unchanged, skipping", zap.String("document", src.Filename))
		return IngestReport{DocumentID: id, Filename: src.Filename, Insurer: src.Insurer, Skipped: true}, nil
	}
	return p.Ingest(ctx, src)
}
