// Package classify extracts drug class, tier and access restrictions from
// formulary text using keyword rules.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"formulary/internal/domain"
)

// Confidence levels attached to a class decision.
const (
	ConfidenceBrand   = 1.0
	ConfidenceGeneric = 0.9
	ConfidenceKeyword = 0.6
	ConfidenceSection = 0.5
)

// Classification is the tagged result of classifying a piece of text.
// Zero fields mean the text carried no recognisable signal.
type Classification struct {
	DrugName      string
	Class         domain.DrugClass
	Confidence    float64
	Tier          domain.Tier
	PARequired    bool
	StepTherapy   bool
	QuantityLimit bool
}

var (
	phraseSplitRe = regexp.MustCompile(`[,;:()\[\]\n]|\.\s`)
	tierRe        = regexp.MustCompile(`(?i)\btier\s*[:#-]?\s*(\d)\b`)
	digitRe       = regexp.MustCompile(`\d`)
	paRe          = regexp.MustCompile(`(?i:prior\s+auth(?:orization)?)|\bPA\b`)
	stRe          = regexp.MustCompile(`(?i:step[\s-]+therapy)|\bST\b`)
	qlRe          = regexp.MustCompile(`(?i:quantity\s+limit(?:s|ed)?)|\bQL\b`)
	negBeforeRe   = regexp.MustCompile(`(?i)\b(?:no|not|without)\s+(?:\w+\s+)?$`)
	negAfterRe    = regexp.MustCompile(`(?i)^\s*(?:is\s+|are\s+)?(?:not|no)\b`)
	codeSplitRe   = regexp.MustCompile(`[^A-Za-z]+`)
	sentenceEndRe = regexp.MustCompile(`\n|;|[.!?](?:\s+|$)`)
	formWordRe    = regexp.MustCompile(`(?i)[\s(]+(?:generic|brand)\)?$`)
)

// Classify inspects text (a table row or a narrative passage) and returns
// what it could recognise. Narrative text is narrowed to the clause of the
// first drug it names, so tier and restrictions stated for another drug in
// the same passage are not attributed to it.
func Classify(text string) Classification {
	pairs, residual := parsePairs(text)
	if !hasDrugCell(pairs) {
		if spans := Clauses(text); len(spans) > 0 && spans[0][1]-spans[0][0] < len(text) {
			return Classify(text[spans[0][0]:spans[0][1]])
		}
	}

	var c Classification
	drugCell := ""
	for _, p := range pairs {
		switch {
		case strings.Contains(p.label, "tier"):
			if m := digitRe.FindString(p.value); m != "" && c.Tier == domain.TierUnknown {
				c.Tier = domain.ParseTier(m)
			}
		case drugCell == "" && isDrugLabel(p.label) && !isYesNo(p.value):
			drugCell = p.value
		case isPALabel(p.label):
			c.PARequired = c.PARequired || isYes(p.value)
		case isSTLabel(p.label):
			c.StepTherapy = c.StepTherapy || isYes(p.value)
		case isQLLabel(p.label):
			c.QuantityLimit = c.QuantityLimit || isYes(p.value)
		case isRequirementLabel(p.label):
			c.applyCodes(p.value)
			c.applyNarrative(p.value)
		default:
			residual = append(residual, p.value)
		}
	}

	if drugCell != "" {
		c.DrugName = drugCell
		c.Class, c.Confidence, _ = drugClass(drugCell)
	} else {
		var matched string
		c.Class, c.Confidence, matched = scanPhrases(text)
		c.DrugName = matched
	}
	if c.Class == "" {
		if class, ok := keywordClass(text); ok {
			c.Class, c.Confidence = class, ConfidenceKeyword
		}
	}

	rest := strings.Join(residual, "\n")
	if c.Tier == domain.TierUnknown {
		if m := tierRe.FindStringSubmatch(rest); m != nil {
			c.Tier = domain.ParseTier(m[1])
		}
	}
	c.applyNarrative(rest)
	return c
}

// Clauses splits narrative text into one byte span per drug mention. A
// span starts at the sentence naming a drug and runs up to the next
// sentence naming one; sentences before the first mention belong to no
// span. Spans are trimmed of surrounding space.
func Clauses(text string) [][2]int {
	var segs [][2]int
	start := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		segs = append(segs, [2]int{start, loc[1]})
		start = loc[1]
	}
	if start < len(text) {
		segs = append(segs, [2]int{start, len(text)})
	}
	var out [][2]int
	for _, seg := range segs {
		switch {
		case termRe.MatchString(text[seg[0]:seg[1]]):
			out = append(out, seg)
		case len(out) > 0:
			out[len(out)-1][1] = seg[1]
		}
	}
	for i, sp := range out {
		for sp[0] < sp[1] && unicode.IsSpace(rune(text[sp[0]])) {
			sp[0]++
		}
		for sp[1] > sp[0] && unicode.IsSpace(rune(text[sp[1]-1])) {
			sp[1]--
		}
		out[i] = sp
	}
	return out
}

// Question infers the drug class a user is asking about. It returns ""
// when the question names no class, which means "any class".
func Question(text string) domain.DrugClass {
	if class, ok := codeClass(text); ok {
		return class
	}
	if class, _, _ := scanPhrases(text); class != "" {
		return class
	}
	if class, ok := keywordClass(text); ok {
		return class
	}
	return ""
}

// Heading reports the drug class a section heading introduces.
func Heading(text string) (domain.DrugClass, bool) {
	if class, ok := codeClass(text); ok {
		return class, true
	}
	return keywordClass(text)
}

func (c *Classification) applyCodes(value string) {
	for _, tok := range codeSplitRe.Split(value, -1) {
		switch tok {
		case "PA":
			c.PARequired = true
		case "ST":
			c.StepTherapy = true
		case "QL":
			c.QuantityLimit = true
		}
	}
}

func (c *Classification) applyNarrative(text string) {
	if text == "" {
		return
	}
	c.PARequired = c.PARequired || mentioned(paRe, text)
	c.StepTherapy = c.StepTherapy || mentioned(stRe, text)
	c.QuantityLimit = c.QuantityLimit || mentioned(qlRe, text)
}

// mentioned reports a non-negated occurrence of re in text.
func mentioned(re *regexp.Regexp, text string) bool {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		before := text[max(0, loc[0]-24):loc[0]]
		after := text[loc[1]:min(len(text), loc[1]+24)]
		if negBeforeRe.MatchString(before) || negAfterRe.MatchString(after) {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(after), ":") && isNo(strings.TrimPrefix(strings.TrimSpace(after), ":")) {
			continue
		}
		return true
	}
	return false
}

// drugClass classifies a drug name cell.
func drugClass(name string) (domain.DrugClass, float64, string) {
	matches := termRe.FindAllString(name, -1)
	if len(matches) == 0 {
		return "", 0, ""
	}
	var ingredients []domain.DrugClass
	for _, m := range matches {
		t := lexicon[strings.ToLower(m)]
		if !t.ingredient {
			return t.class, ConfidenceBrand, m
		}
		ingredients = append(ingredients, t.class)
	}
	return combine(ingredients), ConfidenceGeneric, matches[0]
}

// scanPhrases classifies the first phrase that names a known drug and
// returns the phrase (or the matched term, for long phrases) as drug name.
func scanPhrases(text string) (domain.DrugClass, float64, string) {
	for _, phrase := range phraseSplitRe.Split(text, -1) {
		class, conf, matched := drugClass(phrase)
		if class == "" {
			continue
		}
		phrase = strings.TrimSpace(formWordRe.ReplaceAllString(strings.TrimSpace(phrase), ""))
		if len(phrase) <= 60 {
			return class, conf, phrase
		}
		return class, conf, matched
	}
	return "", 0, ""
}

func codeClass(text string) (domain.DrugClass, bool) {
	m := codeRe.FindString(text)
	if m == "" {
		return "", false
	}
	return domain.ParseDrugClass(m)
}

func keywordClass(text string) (domain.DrugClass, bool) {
	lower := strings.ToLower(text)
	var found []domain.DrugClass
	for _, kw := range classKeywords {
		if strings.Contains(lower, kw.phrase) {
			found = append(found, kw.class)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	return combine(found), true
}

// MentionsDrug reports whether text names any known respiratory drug.
func MentionsDrug(text string) bool { return termRe.MatchString(text) }
