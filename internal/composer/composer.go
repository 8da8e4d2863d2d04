// Package composer turns ranked recommendations into a readable answer
// with a language model, keeping every formulary fact as ranked.
package composer

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"formulary/internal/domain"
)

//go:embed prompt.tmpl
var promptText string

var prompt = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
	"classes": func(recs []domain.Recommendation) string {
		names := make([]string, len(recs))
		for i, r := range recs {
			names[i] = string(r.DrugClass)
		}
		return strings.Join(names, ", ")
	},
}).Parse(promptText))

var tierMention = regexp.MustCompile(`(?i)\btier\s*(\d+)`)

// Composer writes answers with a language model.
type Composer struct {
	lm  domain.LanguageModel
	log *zap.Logger
}

func New(lm domain.LanguageModel, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composer{lm: lm, log: log}
}

type promptData struct {
	Question        string
	Insurer         string
	Recommendations []domain.Recommendation
}

// Prompt renders the model prompt for recs.
func Prompt(question string, recs []domain.Recommendation) (string, error) {
	data := promptData{Question: question, Recommendations: recs}
	if len(recs) > 0 {
		data.Insurer = recs[0].Insurer
	}
	var b bytes.Buffer
	if err := prompt.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// Compose asks the model for one rationale per class and renders the
// answer. It sets the Rationale of each element of recs. A rationale that
// is missing or contradicts the ranked tier is replaced by the ranker's
// reason. Model failures return a *domain.CompositionError.
func (c *Composer) Compose(ctx context.Context, question string, recs []domain.Recommendation) (string, error) {
	if len(recs) == 0 {
		return "", &domain.CompositionError{Err: errors.New("nothing to compose")}
	}
	p, err := Prompt(question, recs)
	if err != nil {
		return "", &domain.CompositionError{Err: err}
	}
	out, err := c.lm.Complete(ctx, p)
	if err != nil {
		return "", &domain.CompositionError{Err: fmt.Errorf("%s: %w", c.lm.Name(), err)}
	}
	if strings.TrimSpace(out) == "" {
		return "", &domain.CompositionError{Err: fmt.Errorf("%s returned no content", c.lm.Name())}
	}

	lines := parseRationales(out)
	for i := range recs {
		r := &recs[i]
		line, ok := lines[r.DrugClass]
		switch {
		case !ok:
			c.log.Debug("model gave no rationale", zap.String("class", string(r.DrugClass)))
			r.Rationale = r.Reason
		case contradictsTier(line, *r):
			c.log.Warn("model rationale contradicts ranked tier, using ranking reason",
				zap.String("class", string(r.DrugClass)),
				zap.Stringer("tier", r.Tier),
				zap.String("rationale", line))
			r.Rationale = r.Reason
		default:
			r.Rationale = line
		}
	}
	return render(recs, func(r domain.Recommendation) string { return r.Rationale }), nil
}

// Fallback renders the answer from the ranked fields alone.
func Fallback(recs []domain.Recommendation) string {
	return render(recs, func(r domain.Recommendation) string { return r.Reason })
}

func render(recs []domain.Recommendation, why func(domain.Recommendation) string) string {
	if len(recs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recommendations for %s:\n", recs[0].Insurer)
	for _, r := range recs {
		fmt.Fprintf(&b, "- %s: %s (%s; %s)", r.DrugClass, r.Medication, r.Tier, restrictions(r.PARequired, r.StepTherapy, r.QuantityLimit))
		if r.Source != "" {
			fmt.Fprintf(&b, ", %s p.%d", r.Source, r.Page)
		}
		b.WriteByte('\n')
		if w := why(r); w != "" {
			fmt.Fprintf(&b, "  Why: %s\n", w)
		}
		if len(r.Alternatives) > 0 {
			alts := make([]string, len(r.Alternatives))
			for i, a := range r.Alternatives {
				alts[i] = fmt.Sprintf("%s (%s; %s)", a.Medication, a.Tier, restrictions(a.PARequired, a.StepTherapy, false))
			}
			fmt.Fprintf(&b, "  Alternatives: %s\n", strings.Join(alts, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func restrictions(pa, st, ql bool) string {
	var parts []string
	if pa {
		parts = append(parts, "PA required")
	}
	if st {
		parts = append(parts, "step therapy")
	}
	if ql {
		parts = append(parts, "quantity limit")
	}
	if len(parts) == 0 {
		return "no restrictions"
	}
	return strings.Join(parts, ", ")
}

// parseRationales reads "CLASS: text" lines. The first line per class wins.
func parseRationales(out string) map[domain.DrugClass]string {
	lines := map[domain.DrugClass]string{}
	for _, raw := range strings.Split(out, "\n") {
		l := strings.TrimSpace(raw)
		l = strings.TrimLeft(l, "-*• ")
		l = strings.ReplaceAll(l, "**", "")
		head, text, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		class, ok := domain.ParseDrugClass(head)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if _, dup := lines[class]; dup || text == "" {
			continue
		}
		lines[class] = text
	}
	return lines
}

// contradictsTier reports whether line states a wrong tier. A tier mention
// belongs to the closest medication named before it: an alternative when
// the line names one there, the recommended medication otherwise.
func contradictsTier(line string, r domain.Recommendation) bool {
	lower := strings.ToLower(line)
	for _, m := range tierMention.FindAllStringSubmatchIndex(line, -1) {
		n, err := strconv.Atoi(line[m[2]:m[3]])
		want := tierOwner(lower[:m[0]], r)
		if err != nil || !want.Known() || domain.Tier(n) != want {
			return true
		}
	}
	return false
}

func tierOwner(before string, r domain.Recommendation) domain.Tier {
	owner, at := r.Tier, strings.LastIndex(before, nameKey(r.Medication))
	for _, a := range r.Alternatives {
		if i := strings.LastIndex(before, nameKey(a.Medication)); i > at {
			owner, at = a.Tier, i
		}
	}
	return owner
}

// nameKey is the lower-cased first word of a medication name.
func nameKey(name string) string {
	f := strings.Fields(strings.ToLower(name))
	if len(f) == 0 {
		return "\x00"
	}
	return f[0]
}
