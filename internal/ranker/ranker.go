// Package ranker picks the most accessible medication per drug class from
// retrieved formulary passages.
//
// Within a class the order is: lowest tier (unknown last), fewest access
// restrictions, configured restriction priority, highest similarity
// score, medication name, passage id.
package ranker

import (
	"fmt"
	"sort"
	"strings"

	"formulary/internal/domain"
	"formulary/internal/insurer"
)

// Restriction is an access restriction considered by the tie-break.
type Restriction string

const (
	PriorAuthorization Restriction = "prior_authorization"
	StepTherapy        Restriction = "step_therapy"
)

// DefaultPriority prefers avoiding prior authorization over avoiding
// step therapy.
var DefaultPriority = []Restriction{PriorAuthorization, StepTherapy}

// ParseRestriction accepts the config names plus the usual PA/ST codes.
func ParseRestriction(s string) (Restriction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prior_authorization", "prior authorization", "pa":
		return PriorAuthorization, nil
	case "step_therapy", "step therapy", "st":
		return StepTherapy, nil
	}
	return "", fmt.Errorf("%w: unknown restriction %q", domain.ErrInvalidInput, s)
}

func (r Restriction) label() string {
	if r == PriorAuthorization {
		return "prior authorization"
	}
	return "step therapy"
}

func (r Restriction) applies(md domain.Metadata) bool {
	switch r {
	case PriorAuthorization:
		return md.PARequired
	case StepTherapy:
		return md.StepTherapy
	}
	return false
}

const DefaultMaxAlternatives = 2

// Options tune the ranking.
type Options struct {
	RestrictionPriority []Restriction
	MaxAlternatives     int
}

// Request scopes a ranking to an insurer and optionally one class.
type Request struct {
	Insurer   string
	DrugClass domain.DrugClass
}

// Result is the outcome of Rank. Exactly one of Recommendations and
// NoMatch is set.
type Result struct {
	Recommendations []domain.Recommendation
	NoMatch         *domain.NoFormularyMatch
	// Excluded holds candidates from another insurer. They indicate a
	// filtering fault upstream.
	Excluded []domain.Candidate
}

// Rank selects one recommendation per drug class. It never returns an
// error; an empty outcome is reported as NoMatch.
func Rank(candidates []domain.Candidate, req Request, opts Options) Result {
	if len(opts.RestrictionPriority) == 0 {
		opts.RestrictionPriority = DefaultPriority
	}
	if opts.MaxAlternatives <= 0 {
		opts.MaxAlternatives = DefaultMaxAlternatives
	}
	var res Result
	byClass := map[domain.DrugClass][]domain.Candidate{}
	seen := map[string]int{}
	for _, c := range candidates {
		md := c.Passage.Metadata
		if !insurer.Same(md.Insurer, req.Insurer) {
			res.Excluded = append(res.Excluded, c)
			continue
		}
		if md.DrugClass == "" || strings.TrimSpace(md.DrugName) == "" {
			continue
		}
		if req.DrugClass != "" && md.DrugClass != req.DrugClass {
			continue
		}
		// one entry per medication: keep its best passage
		key := string(md.DrugClass) + "|" + strings.ToLower(md.DrugName)
		if i, ok := seen[key]; ok {
			if better(c, byClass[md.DrugClass][i], opts.RestrictionPriority) {
				byClass[md.DrugClass][i] = c
			}
			continue
		}
		seen[key] = len(byClass[md.DrugClass])
		byClass[md.DrugClass] = append(byClass[md.DrugClass], c)
	}

	for _, class := range classOrder(byClass) {
		group := byClass[class]
		sort.Slice(group, func(i, j int) bool { return better(group[i], group[j], opts.RestrictionPriority) })
		res.Recommendations = append(res.Recommendations, recommend(req.Insurer, group, opts))
	}
	if len(res.Recommendations) == 0 {
		res.NoMatch = &domain.NoFormularyMatch{Insurer: req.Insurer, DrugClass: req.DrugClass}
	}
	return res
}

// better reports whether a ranks strictly before b.
func better(a, b domain.Candidate, priority []Restriction) bool {
	c, _ := compare(a, b, priority)
	return c < 0
}

type criterion int

const (
	byTier criterion = iota
	byRestrictions
	byPriority
	byScore
	byName
	byID
)

// compare returns -1 when a ranks first, 1 when b does, and 0 for the same
// passage, together with the criterion that decided.
func compare(a, b domain.Candidate, priority []Restriction) (int, criterion) {
	am, bm := a.Passage.Metadata, b.Passage.Metadata
	if ar, br := am.Tier.Rank(), bm.Tier.Rank(); ar != br {
		return sign(ar < br), byTier
	}
	if ar, br := am.Restrictions(), bm.Restrictions(); ar != br {
		return sign(ar < br), byRestrictions
	}
	for _, r := range priority {
		if ra, rb := r.applies(am), r.applies(bm); ra != rb {
			return sign(!ra), byPriority
		}
	}
	if a.Score != b.Score {
		return sign(a.Score > b.Score), byScore
	}
	an, bn := strings.ToLower(am.DrugName), strings.ToLower(bm.DrugName)
	if an != bn {
		return sign(an < bn), byName
	}
	if a.Passage.ID != b.Passage.ID {
		return sign(a.Passage.ID < b.Passage.ID), byID
	}
	return 0, byID
}

func sign(first bool) int {
	if first {
		return -1
	}
	return 1
}

func recommend(ins string, group []domain.Candidate, opts Options) domain.Recommendation {
	best := group[0]
	md := best.Passage.Metadata
	rec := domain.Recommendation{
		Insurer:       ins,
		DrugClass:     md.DrugClass,
		Medication:    md.DrugName,
		Tier:          md.Tier,
		PARequired:    md.PARequired,
		StepTherapy:   md.StepTherapy,
		QuantityLimit: md.QuantityLimit,
		Score:         best.Score,
		Source:        md.Source,
		Page:          best.Passage.Page,
		Evidence:      best.Passage.Text,
	}
	for _, c := range group[1:] {
		if len(rec.Alternatives) == opts.MaxAlternatives {
			break
		}
		am := c.Passage.Metadata
		rec.Alternatives = append(rec.Alternatives, domain.Alternative{
			Medication:  am.DrugName,
			Tier:        am.Tier,
			PARequired:  am.PARequired,
			StepTherapy: am.StepTherapy,
		})
	}
	rec.Reason = reason(group, opts.RestrictionPriority)
	return rec
}

// reason explains which criterion separated the winner from the runner-up.
func reason(group []domain.Candidate, priority []Restriction) string {
	best := group[0]
	md := best.Passage.Metadata
	if len(group) == 1 {
		return fmt.Sprintf("%s is the only %s option found (%s, %s).", md.DrugName, md.DrugClass, md.Tier, restrictionText(md))
	}
	next := group[1]
	nm := next.Passage.Metadata
	_, by := compare(best, next, priority)
	switch by {
	case byTier:
		return fmt.Sprintf("%s is the lowest tier %s option (%s vs %s for %s).", md.DrugName, md.DrugClass, md.Tier, nm.Tier, nm.DrugName)
	case byRestrictions:
		return fmt.Sprintf("%s and %s share %s; %s has fewer restrictions (%s vs %s).",
			md.DrugName, nm.DrugName, md.Tier, md.DrugName, restrictionText(md), restrictionText(nm))
	case byPriority:
		for _, r := range priority {
			if r.applies(nm) && !r.applies(md) {
				return fmt.Sprintf("%s and %s share %s and restriction count; %s avoids %s.",
					md.DrugName, nm.DrugName, md.Tier, md.DrugName, r.label())
			}
		}
	case byScore:
		return fmt.Sprintf("%s and %s tie on tier and restrictions (%s, %s); %s matched the question better.",
			md.DrugName, nm.DrugName, md.Tier, restrictionText(md), md.DrugName)
	}
	return fmt.Sprintf("%s and %s tie on every formulary criterion (%s, %s); %s is listed first alphabetically.",
		md.DrugName, nm.DrugName, md.Tier, restrictionText(md), md.DrugName)
}

func restrictionText(md domain.Metadata) string {
	var parts []string
	if md.PARequired {
		parts = append(parts, "prior authorization")
	}
	if md.StepTherapy {
		parts = append(parts, "step therapy")
	}
	if len(parts) == 0 {
		return "no PA or step therapy"
	}
	return strings.Join(parts, " and ")
}

// classOrder lists the classes present in the catalogue order, then any
// others by name.
func classOrder(byClass map[domain.DrugClass][]domain.Candidate) []domain.DrugClass {
	var out []domain.DrugClass
	known := map[domain.DrugClass]bool{}
	for _, info := range domain.Classes {
		known[info.Class] = true
		if _, ok := byClass[info.Class]; ok {
			out = append(out, info.Class)
		}
	}
	var rest []domain.DrugClass
	for c := range byClass {
		if !known[c] {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
