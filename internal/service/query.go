package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"formulary/internal/classify"
	"formulary/internal/composer"
	"formulary/internal/domain"
	"formulary/internal/ranker"
)

// Query answers a formulary question for insurer. When class is empty it
// is inferred from the question; a question naming no class considers
// every class. A missing match is reported in Answer.NoMatch, not as an
// error.
func (p *Pipeline) Query(ctx context.Context, question, ins string, class domain.DrugClass) (*domain.Answer, error) {
	question = strings.TrimSpace(question)
	ins = strings.TrimSpace(ins)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", domain.ErrInvalidInput)
	}
	if ins == "" {
		return nil, fmt.Errorf("%w: insurer is required", domain.ErrInvalidInput)
	}
	if class == "" {
		class = classify.Question(question)
	}
	log := p.log.With(zap.String("insurer", ins), zap.String("class", string(class)))

	vec, err := p.embed(ctx, question)
	if err != nil {
		return nil, err
	}
	if err := p.ensureIndex(ctx, len(vec)); err != nil {
		return nil, err
	}
	var candidates []domain.Candidate
	filter := domain.Filter{Insurer: ins, DrugClass: class}
	err = p.call(ctx, p.cfg.IndexTimeout, domain.ErrIndexService, "query index", func(ctx context.Context) error {
		c, err := p.index.Query(ctx, vec, p.cfg.TopK, filter)
		candidates = c
		return err
	})
	if err != nil {
		return nil, err
	}

	res := ranker.Rank(candidates, ranker.Request{Insurer: ins, DrugClass: class}, ranker.Options{
		RestrictionPriority: p.cfg.RestrictionPriority,
		MaxAlternatives:     p.cfg.MaxAlternatives,
	})
	if len(res.Excluded) > 0 {
		others := make([]string, 0, len(res.Excluded))
		for _, c := range res.Excluded {
			others = append(others, c.Passage.Metadata.Insurer)
		}
		log.Error("index returned passages of another insurer; dropped",
			zap.Int("count", len(res.Excluded)),
			zap.Strings("insurers", others))
	}

	answer := &domain.Answer{Question: question, Insurer: ins, DrugClass: class}
	if res.NoMatch != nil {
		log.Info("no formulary match", zap.Int("candidates", len(candidates)))
		answer.NoMatch = res.NoMatch
		answer.Text = res.NoMatch.String()
		return answer, nil
	}
	for i := range res.Recommendations {
		r := &res.Recommendations[i]
		r.Evidence = composer.Excerpt(question, r.Evidence, p.cfg.EvidenceLines)
	}
	answer.Recommendations = res.Recommendations
	answer.Text, answer.Degraded = p.compose(ctx, question, answer.Recommendations)
	log.Info("query answered",
		zap.Int("candidates", len(candidates)),
		zap.Int("recommendations", len(answer.Recommendations)),
		zap.Bool("degraded", answer.Degraded))
	return answer, nil
}

// compose returns the answer text and whether it had to fall back to the
// ranked fields because the language model failed.
func (p *Pipeline) compose(ctx context.Context, question string, recs []domain.Recommendation) (string, bool) {
	if p.composer == nil {
		return composer.Fallback(recs), false
	}
	var text string
	err := p.call(ctx, p.cfg.ComposeTimeout, domain.ErrComposition, "compose answer", func(ctx context.Context) error {
		t, err := p.composer.Compose(ctx, question, recs)
		text = t
		return err
	})
	if err != nil {
		p.log.Warn("composition failed, answering from ranked fields", zap.Error(err))
		for i := range recs {
			recs[i].Rationale = ""
		}
		return composer.Fallback(recs), true
	}
	return text, false
}
