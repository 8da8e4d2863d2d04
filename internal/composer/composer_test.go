package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"formulary/internal/domain"
)

type fakeLM struct {
	out    string
	err    error
	prompt string
}

func (f *fakeLM) Name() string { return "fake" }

func (f *fakeLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

func recs() []domain.Recommendation {
	return []domain.Recommendation{
		{
			Insurer: "UnitedHealthcare", DrugClass: domain.ClassSABA, Medication: "Albuterol HFA", Tier: domain.Tier1,
			Source: "UHC.pdf", Page: 4, Reason: "Albuterol HFA is the lowest tier SABA option.",
			Evidence:     "Drug: Albuterol HFA; Tier: 1",
			Alternatives: []domain.Alternative{{Medication: "Ventolin HFA", Tier: domain.Tier3, PARequired: true}},
		},
		{
			Insurer: "UnitedHealthcare", DrugClass: domain.ClassICSLABA, Medication: "Wixela", Tier: domain.Tier2,
			StepTherapy: true, Source: "UHC.pdf", Page: 7, Reason: "Wixela has fewer restrictions.",
		},
	}
}

func TestPromptInjectsFactsVerbatim(t *testing.T) {
	p, err := Prompt("cheapest rescue inhaler?", recs())
	require.NoError(t, err)
	assert.Contains(t, p, "covered by UnitedHealthcare")
	assert.Contains(t, p, "- SABA: Albuterol HFA; Tier 1; prior authorization: no; step therapy: no")
	assert.Contains(t, p, "- ICS-LABA: Wixela; Tier 2; prior authorization: no; step therapy: yes")
	assert.Contains(t, p, "Formulary text: Drug: Albuterol HFA; Tier: 1")
	assert.Contains(t, p, "Alternative: Ventolin HFA (Tier 3)")
	assert.Contains(t, p, "(SABA, ICS-LABA)")
}

func TestComposeUsesModelLines(t *testing.T) {
	lm := &fakeLM{out: "- **SABA**: Generic albuterol sits on Tier 1 with no prior authorization.\nICS/LABA: Wixela only needs step therapy.\nnoise line"}
	rs := recs()
	text, err := New(lm, nil).Compose(context.Background(), "q", rs)
	require.NoError(t, err)
	assert.Equal(t, "Generic albuterol sits on Tier 1 with no prior authorization.", rs[0].Rationale)
	assert.Equal(t, "Wixela only needs step therapy.", rs[1].Rationale)
	assert.Contains(t, text, "- SABA: Albuterol HFA (Tier 1; no restrictions), UHC.pdf p.4")
	assert.Contains(t, text, "Why: Generic albuterol sits on Tier 1")
	assert.Contains(t, text, "Alternatives: Ventolin HFA (Tier 3; PA required)")
	assert.Contains(t, text, "- ICS-LABA: Wixela (Tier 2; step therapy), UHC.pdf p.7")
}

func TestComposeReplacesContradictingOrMissingLines(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	lm := &fakeLM{out: "SABA: Albuterol is Tier 3 and cheap."}
	rs := recs()
	text, err := New(lm, zap.New(core)).Compose(context.Background(), "q", rs)
	require.NoError(t, err)
	assert.Equal(t, rs[0].Reason, rs[0].Rationale)
	assert.Equal(t, rs[1].Reason, rs[1].Rationale)
	assert.NotContains(t, text, "Tier 3 and cheap")
	assert.Equal(t, 1, logs.FilterMessageSnippet("contradicts").Len())
}

func TestComposeFailures(t *testing.T) {
	_, err := New(&fakeLM{err: errors.New("boom")}, nil).Compose(context.Background(), "q", recs())
	var ce *domain.CompositionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, domain.ErrComposition)

	_, err = New(&fakeLM{out: "  \n"}, nil).Compose(context.Background(), "q", recs())
	assert.ErrorIs(t, err, domain.ErrComposition)

	_, err = New(&fakeLM{out: "x"}, nil).Compose(context.Background(), "q", nil)
	assert.ErrorIs(t, err, domain.ErrComposition)
}

func TestFallbackUsesReasons(t *testing.T) {
	text := Fallback(recs())
	assert.True(t, strings.HasPrefix(text, "Recommendations for UnitedHealthcare:"))
	assert.Contains(t, text, "Why: Albuterol HFA is the lowest tier SABA option.")
	assert.Contains(t, text, "Why: Wixela has fewer restrictions.")
	assert.Empty(t, Fallback(nil))
}

func TestContradictsTier(t *testing.T) {
	wixela := domain.Recommendation{Medication: "Wixela", Tier: domain.Tier2}
	assert.False(t, contradictsTier("covered at tier 2", wixela))
	assert.True(t, contradictsTier("covered at Tier 3", wixela))
	assert.False(t, contradictsTier("no tier named", wixela))
	assert.True(t, contradictsTier("Tier 1", domain.Recommendation{Medication: "Wixela"}))

	albuterol := recs()[0]
	assert.False(t, contradictsTier("Albuterol HFA is Tier 1 vs Ventolin's Tier 3.", albuterol))
	assert.False(t, contradictsTier("Ventolin HFA sits on Tier 3, albuterol on Tier 1.", albuterol))
	assert.True(t, contradictsTier("Albuterol is Tier 3, cheaper than Ventolin.", albuterol))
	assert.True(t, contradictsTier("Ventolin is Tier 2 while albuterol is Tier 1.", albuterol))
}

func TestComposeKeepsRationaleComparingAlternatives(t *testing.T) {
	lm := &fakeLM{out: "SABA: Generic albuterol is Tier 1 vs Ventolin HFA at Tier 3 with PA.\nICS-LABA: Wixela only needs step therapy."}
	rs := recs()
	_, err := New(lm, nil).Compose(context.Background(), "q", rs)
	require.NoError(t, err)
	assert.Equal(t, "Generic albuterol is Tier 1 vs Ventolin HFA at Tier 3 with PA.", rs[0].Rationale)
}

func TestExcerpt(t *testing.T) {
	passage := "Members pay the lowest copay for preferred drugs. Albuterol inhalers are preferred rescue inhalers. Call member services for help."
	got := Excerpt("Which albuterol rescue inhaler is cheapest?", passage, 1)
	assert.Equal(t, "Albuterol inhalers are preferred rescue inhalers.", got)

	row := "Drug: Albuterol HFA; Tier: 1; Requirements: QL"
	assert.Equal(t, row, Excerpt("albuterol", row, 2))

	multi := "Inhaled corticosteroids\nQvar is preferred\nFlovent needs PA"
	assert.Equal(t, "Inhaled corticosteroids Flovent needs PA", Excerpt("flovent corticosteroids", multi, 2))
	assert.Empty(t, Excerpt("q", "   ", 2))
}
