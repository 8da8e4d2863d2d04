package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"formulary/internal/domain"
	"formulary/internal/embedding/hashing"
	"formulary/internal/ledger"
	"formulary/internal/retry"
	"formulary/internal/sqlitedb"
	"formulary/internal/vectorstore/memory"
)

const uhc = "UnitedHealthcare"

// fakeExtractor serves prepared pages keyed by file name.
type fakeExtractor struct {
	pages map[string][]domain.Page
	calls atomic.Int32
}

func (f *fakeExtractor) Extract(_ context.Context, src domain.Source) (*domain.FormularyDocument, []error, error) {
	f.calls.Add(1)
	pages, ok := f.pages[src.Filename]
	if !ok {
		return nil, nil, &domain.ExtractionError{Document: src.Filename, Reason: "not a PDF"}
	}
	return &domain.FormularyDocument{
		ID:       domain.NewDocumentID(src.Insurer, src.Filename),
		Filename: src.Filename,
		Insurer:  src.Insurer,
		Pages:    pages,
	}, nil, nil
}

func row(s string) domain.Line { return domain.Line{Text: s, TableRow: true} }

func uhcPages() []domain.Page {
	return []domain.Page{
		{Number: 1, Lines: []domain.Line{
			{Text: "Respiratory agents"},
			{Text: "Short-acting beta agonists (rescue inhalers)"},
			row("Drug Name: Ventolin HFA; Tier: 3; Requirements/Limits: PA"),
			row("Drug Name: Albuterol Sulfate HFA; Tier: 1; Requirements/Limits: QL"),
			row("Drug Name: ProAir HFA; Tier: 2"),
		}},
		{Number: 2, Lines: []domain.Line{
			{Text: "Inhaled corticosteroid and long-acting beta agonist combinations"},
			row("Drug Name: Advair Diskus; Tier: 3; Requirements/Limits: ST"),
			row("Drug Name: fluticasone/salmeterol 250/50 inhaler; Tier: 2"),
		}},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.EmbedBatchSize = 2
	return cfg
}

type fixture struct {
	p     *Pipeline
	ex    *fakeExtractor
	index *memory.Storage
}

func newFixture(t *testing.T, log *zap.Logger, opts ...Option) fixture {
	t.Helper()
	ex := &fakeExtractor{pages: map[string][]domain.Page{"UHC.pdf": uhcPages()}}
	idx := memory.NewStorage()
	p := New(testConfig(), ex, hashing.NewEmbedder(256), idx, log, opts...)
	return fixture{p: p, ex: ex, index: idx}
}

func uhcSource() domain.Source {
	return domain.Source{Filename: "UHC.pdf", Data: []byte("%PDF-1.4 fake")}
}

func TestIngestIndexesEveryPassage(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.p.Ingest(context.Background(), uhcSource())
	require.NoError(t, err)

	assert.Equal(t, uhc, report.Insurer, "insurer inferred from file name")
	assert.Equal(t, 2, report.Pages)
	doc, _, _ := f.ex.Extract(context.Background(), domain.Source{Filename: "UHC.pdf", Insurer: uhc})
	want := 0
	for range f.p.chunker.Document(doc) {
		want++
	}
	assert.Equal(t, want, report.Passages)
	assert.Equal(t, want, f.index.Len())
}

func TestReingestIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)
	second, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)
	assert.Equal(t, first.Passages, second.Passages)
	assert.Equal(t, first.Passages, f.index.Len())
}

func TestQueryRecommendsLowestTierRescueInhaler(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)

	ans, err := f.p.Query(ctx, "What is the best rescue inhaler for a UnitedHealthcare patient?", uhc, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassSABA, ans.DrugClass)
	require.Nil(t, ans.NoMatch)
	require.Len(t, ans.Recommendations, 1)
	rec := ans.Recommendations[0]
	assert.Equal(t, "Albuterol Sulfate HFA", rec.Medication)
	assert.Equal(t, domain.Tier1, rec.Tier)
	assert.True(t, rec.QuantityLimit)
	assert.Equal(t, "UHC.pdf", rec.Source)
	assert.Equal(t, 1, rec.Page)
	require.Len(t, rec.Alternatives, 2)
	assert.Equal(t, "ProAir HFA", rec.Alternatives[0].Medication)
	assert.Contains(t, ans.Text, "Albuterol Sulfate HFA")
	assert.False(t, ans.Degraded)
}

func TestQueryAllClassesWhenQuestionNamesNone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)

	ans, err := f.p.Query(ctx, "Which inhalers are cheapest?", uhc, "")
	require.NoError(t, err)
	require.Len(t, ans.Recommendations, 2)
	assert.Equal(t, domain.ClassSABA, ans.Recommendations[0].DrugClass)
	assert.Equal(t, domain.ClassICSLABA, ans.Recommendations[1].DrugClass)
	assert.Equal(t, "fluticasone/salmeterol 250/50 inhaler", ans.Recommendations[1].Medication)
}

func TestQueryNoMatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)

	ans, err := f.p.Query(ctx, "best LAMA inhaler", uhc, "")
	require.NoError(t, err)
	require.NotNil(t, ans.NoMatch)
	assert.Equal(t, domain.ClassLAMA, ans.NoMatch.DrugClass)
	assert.Empty(t, ans.Recommendations)
	assert.Equal(t, ans.NoMatch.String(), ans.Text)

	ans, err = f.p.Query(ctx, "rescue inhaler", "Cigna", "")
	require.NoError(t, err)
	require.NotNil(t, ans.NoMatch)
}

func TestQueryRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.p.Query(context.Background(), "   ", uhc, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.p.Query(context.Background(), "rescue inhaler", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// leakyIndex ignores the insurer filter.
type leakyIndex struct{ candidates []domain.Candidate }

func (l *leakyIndex) Init(context.Context, int) error                   { return nil }
func (l *leakyIndex) Upsert(context.Context, []domain.IndexEntry) error { return nil }
func (l *leakyIndex) DeleteDocument(context.Context, string) error      { return nil }
func (l *leakyIndex) Query(context.Context, []float32, int, domain.Filter) ([]domain.Candidate, error) {
	return l.candidates, nil
}

func candidate(id, ins, drug string, tier domain.Tier) domain.Candidate {
	return domain.Candidate{
		Passage: domain.Passage{ID: id, Text: "Drug Name: " + drug, Metadata: domain.Metadata{
			Insurer: ins, DrugName: drug, DrugClass: domain.ClassSABA, Tier: tier,
		}},
		Score: 0.5,
	}
}

func TestQueryDropsAndLogsOtherInsurers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	idx := &leakyIndex{candidates: []domain.Candidate{
		candidate("a", "Cigna", "Albuterol HFA", domain.Tier1),
		candidate("b", uhc, "Ventolin HFA", domain.Tier3),
	}}
	p := New(testConfig(), &fakeExtractor{}, hashing.NewEmbedder(64), idx, zap.New(core))

	ans, err := p.Query(context.Background(), "rescue inhaler", uhc, "")
	require.NoError(t, err)
	require.Len(t, ans.Recommendations, 1)
	assert.Equal(t, "Ventolin HFA", ans.Recommendations[0].Medication)

	entries := logs.FilterMessageSnippet("another insurer").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["count"])
}

type scriptedLM struct {
	out   string
	err   error
	calls atomic.Int32
}

func (s *scriptedLM) Name() string { return "scripted" }
func (s *scriptedLM) Complete(context.Context, string) (string, error) {
	s.calls.Add(1)
	return s.out, s.err
}

func TestQueryComposesWithLanguageModel(t *testing.T) {
	lm := &scriptedLM{out: "SABA: Generic albuterol is on Tier 1 with no prior authorization."}
	f := newFixture(t, nil, WithLanguageModel(lm))
	ctx := context.Background()
	_, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)

	ans, err := f.p.Query(ctx, "rescue inhaler", uhc, "")
	require.NoError(t, err)
	assert.False(t, ans.Degraded)
	assert.Equal(t, "Generic albuterol is on Tier 1 with no prior authorization.", ans.Recommendations[0].Rationale)
	assert.Contains(t, ans.Text, "Why: Generic albuterol")
}

func TestQueryFallsBackWhenCompositionFails(t *testing.T) {
	lm := &scriptedLM{err: retry.Permanent(errors.New("401 unauthorized"))}
	f := newFixture(t, nil, WithLanguageModel(lm))
	ctx := context.Background()
	_, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)

	ans, err := f.p.Query(ctx, "rescue inhaler", uhc, domain.ClassSABA)
	require.NoError(t, err)
	assert.True(t, ans.Degraded)
	assert.Equal(t, int32(1), lm.calls.Load(), "permanent errors are not retried")
	rec := ans.Recommendations[0]
	assert.Equal(t, "Albuterol Sulfate HFA", rec.Medication)
	assert.Empty(t, rec.Rationale)
	assert.Contains(t, ans.Text, "Why: "+rec.Reason)
}

func TestIngestBatchContinuesPastBadDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.pages["Cigna.pdf"] = uhcPages()
	sources := []domain.Source{
		uhcSource(),
		{Filename: "broken.pdf", Insurer: "Humana", Data: []byte("garbage")},
		{Filename: "Cigna.pdf", Data: []byte("%PDF-1.4")},
	}
	rep := f.p.IngestBatch(context.Background(), sources)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "broken.pdf", rep.Failures[0].Filename)
	assert.ErrorIs(t, rep.Failures[0].Err, domain.ErrExtraction)
	require.Len(t, rep.Reports, 2)
	assert.Equal(t, "Cigna", rep.Reports[1].Insurer)
	assert.Equal(t, rep.Passages(), f.index.Len())
}

func TestIngestBatchSkipsUnchangedDocuments(t *testing.T) {
	db, err := sqlitedb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	l, err := ledger.New(context.Background(), db)
	require.NoError(t, err)

	f := newFixture(t, nil, WithLedger(l))
	ctx := context.Background()
	rep := f.p.IngestBatch(ctx, []domain.Source{uhcSource()})
	require.Empty(t, rep.Failures)
	assert.Equal(t, 0, rep.Skipped())

	rep = f.p.IngestBatch(ctx, []domain.Source{uhcSource()})
	assert.Equal(t, 1, rep.Skipped())
	assert.Equal(t, int32(1), f.ex.calls.Load())

	changed := uhcSource()
	changed.Data = []byte("%PDF-1.4 revised")
	rep = f.p.IngestBatch(ctx, []domain.Source{changed})
	assert.Equal(t, 0, rep.Skipped())
	assert.Equal(t, int32(2), f.ex.calls.Load())

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uhc, entries[0].Insurer)
	assert.Equal(t, f.index.Len(), entries[0].Passages)

	f.p.cfg.Force = true
	rep = f.p.IngestBatch(ctx, []domain.Source{changed})
	assert.Equal(t, 0, rep.Skipped())
}

// flakyEmbedder fails the first failures calls.
type flakyEmbedder struct {
	domain.Embedder
	failures int32
	calls    atomic.Int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("503 service unavailable")
	}
	return f.Embedder.Embed(ctx, text)
}

func TestEmbeddingFaultsAreRetried(t *testing.T) {
	emb := &flakyEmbedder{Embedder: hashing.NewEmbedder(64), failures: 2}
	p := New(testConfig(), &fakeExtractor{}, emb, memory.NewStorage(), nil)
	_, err := p.Query(context.Background(), "rescue inhaler", uhc, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), emb.calls.Load())

	emb = &flakyEmbedder{Embedder: hashing.NewEmbedder(64), failures: 100}
	p = New(testConfig(), &fakeExtractor{}, emb, memory.NewStorage(), nil)
	_, err = p.Query(context.Background(), "rescue inhaler", uhc, "")
	assert.ErrorIs(t, err, domain.ErrEmbeddingService)
	assert.Equal(t, int32(3), emb.calls.Load())
}

// stuckIndex blocks until the caller gives up.
type stuckIndex struct{ leakyIndex }

func (s *stuckIndex) Query(ctx context.Context, _ []float32, _ int, _ domain.Filter) ([]domain.Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSlowIndexTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.IndexTimeout = 20 * time.Millisecond
	p := New(cfg, &fakeExtractor{}, hashing.NewEmbedder(64), &stuckIndex{}, nil)
	_, err := p.Query(context.Background(), "rescue inhaler", uhc, "")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestIngestRejectsEmptySource(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.p.Ingest(context.Background(), domain.Source{Filename: "UHC.pdf"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSampleFormularyPicksGenericAlbuterol(t *testing.T) {
	ex := &fakeExtractor{pages: map[string][]domain.Page{"sample.pdf": {{Number: 1, Lines: []domain.Line{
		row("Drug Name: Albuterol Sulfate HFA; Type: Generic; Tier: 1; PA: No"),
		row("Drug Name: Ventolin HFA; Type: Brand; Tier: 2; PA: Yes"),
	}}}}}
	p := New(testConfig(), ex, hashing.NewEmbedder(128), memory.NewStorage(), nil)
	ctx := context.Background()
	_, err := p.Ingest(ctx, domain.Source{Filename: "sample.pdf", Insurer: "SampleInsurer", Data: []byte("%PDF")})
	require.NoError(t, err)

	ans, err := p.Query(ctx, "cheapest rescue inhaler", "SampleInsurer", "")
	require.NoError(t, err)
	require.Len(t, ans.Recommendations, 1)
	rec := ans.Recommendations[0]
	assert.Equal(t, domain.ClassSABA, rec.DrugClass)
	assert.Equal(t, "Albuterol Sulfate HFA", rec.Medication)
	assert.False(t, rec.PARequired)
	require.Len(t, rec.Alternatives, 1)
	assert.True(t, rec.Alternatives[0].PARequired)
}

func TestReingestDropsPassagesOfTheOldRevision(t *testing.T) {
	ex := &fakeExtractor{pages: map[string][]domain.Page{"UHC.pdf": {
		{Number: 1, Lines: []domain.Line{row("Drug Name: Albuterol Sulfate HFA; Tier: 1")}},
	}}}
	idx := memory.NewStorage()
	p := New(testConfig(), ex, hashing.NewEmbedder(128), idx, nil)
	ctx := context.Background()
	_, err := p.Ingest(ctx, uhcSource())
	require.NoError(t, err)

	ex.pages["UHC.pdf"] = []domain.Page{
		{Number: 1, Lines: []domain.Line{{Text: "Formulary changes effective January 1"}}},
		{Number: 2, Lines: []domain.Line{row("Drug Name: Albuterol Sulfate HFA; Tier: 3")}},
	}
	report, err := p.Ingest(ctx, uhcSource())
	require.NoError(t, err)
	assert.Equal(t, report.Passages, idx.Len())

	ans, err := p.Query(ctx, "rescue inhaler", uhc, "")
	require.NoError(t, err)
	require.Len(t, ans.Recommendations, 1)
	rec := ans.Recommendations[0]
	assert.Equal(t, domain.Tier3, rec.Tier)
	assert.Equal(t, 2, rec.Page)
	assert.Empty(t, rec.Alternatives)
}

func TestReingestOfEmptiedDocumentClearsIt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)
	require.NotZero(t, f.index.Len())

	f.ex.pages["UHC.pdf"] = []domain.Page{{Number: 1}}
	report, err := f.p.Ingest(ctx, uhcSource())
	require.NoError(t, err)
	assert.Zero(t, report.Passages)
	assert.Zero(t, f.index.Len())
}

// countingIndex counts Init calls on a memory index.
type countingIndex struct {
	*memory.Storage
	inits atomic.Int32
}

func (c *countingIndex) Init(ctx context.Context, dim int) error {
	c.inits.Add(1)
	return c.Storage.Init(ctx, dim)
}

func TestIndexDimensionMismatchIsNotRetried(t *testing.T) {
	idx := &countingIndex{Storage: memory.NewStorage()}
	ctx := context.Background()
	_, err := New(testConfig(), &fakeExtractor{pages: map[string][]domain.Page{"UHC.pdf": uhcPages()}},
		hashing.NewEmbedder(64), idx, nil).Ingest(ctx, uhcSource())
	require.NoError(t, err)

	idx.inits.Store(0)
	p := New(testConfig(), &fakeExtractor{}, hashing.NewEmbedder(32), idx, nil)
	_, err = p.Query(ctx, "rescue inhaler", uhc, "")
	assert.ErrorIs(t, err, domain.ErrIndexService)
	assert.Equal(t, int32(1), idx.inits.Load())
}

func TestNarrativeSampleFormularyKeepsEachDrugsRestrictions(t *testing.T) {
	ex := &fakeExtractor{pages: map[string][]domain.Page{"sample.pdf": {{Number: 1, Lines: []domain.Line{
		{Text: "Albuterol Sulfate HFA Generic, Tier 1, no PA"},
		{Text: "Ventolin HFA, Tier 2, PA required"},
	}}}}}
	p := New(testConfig(), ex, hashing.NewEmbedder(128), memory.NewStorage(), nil)
	ctx := context.Background()
	_, err := p.Ingest(ctx, domain.Source{Filename: "sample.pdf", Insurer: "SampleInsurer", Data: []byte("%PDF")})
	require.NoError(t, err)

	ans, err := p.Query(ctx, "cheapest rescue inhaler", "SampleInsurer", "")
	require.NoError(t, err)
	require.Len(t, ans.Recommendations, 1)
	rec := ans.Recommendations[0]
	assert.Equal(t, "Albuterol Sulfate HFA", rec.Medication)
	assert.Equal(t, domain.Tier1, rec.Tier)
	assert.False(t, rec.PARequired)
	require.Len(t, rec.Alternatives, 1)
	assert.Equal(t, "Ventolin HFA", rec.Alternatives[0].Medication)
	assert.True(t, rec.Alternatives[0].PARequired)
}
