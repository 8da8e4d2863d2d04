package composer

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

const maxExcerptRunes = 300

var (
	tokenPattern    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\d+`)
	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]?`)
)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "for", "to", "of", "in", "on", "at", "by", "with", "as",
		"is", "are", "was", "were", "be", "it", "this", "that", "from", "than", "so", "can", "will", "what", "which",
		"who", "how", "my", "me", "i", "do", "does", "best", "should",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

func tokens(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// Excerpt picks up to maxUnits lines (or sentences of a single-line
// passage) that best match the question. Units are scored by the
// passage frequency of the question tokens they contain, normalised by
// the square root of their length, and returned in passage order.
func Excerpt(question, passage string, maxUnits int) string {
	if maxUnits <= 0 {
		maxUnits = 2
	}
	units := split(passage)
	if len(units) == 0 {
		return ""
	}
	wanted := map[string]struct{}{}
	for _, tok := range tokens(question) {
		if _, stop := stopwords[tok]; !stop {
			wanted[tok] = struct{}{}
		}
	}
	freq := map[string]float64{}
	maxF := 0.0
	for _, u := range units {
		for _, tok := range tokens(u) {
			if _, ok := wanted[tok]; !ok {
				continue
			}
			freq[tok]++
			maxF = math.Max(maxF, freq[tok])
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(units))
	for i, u := range units {
		toks := tokens(u)
		s := 0.0
		for _, tok := range toks {
			if maxF > 0 {
				s += freq[tok] / maxF
			}
		}
		if len(toks) > 0 {
			s /= math.Sqrt(float64(len(toks)))
		}
		scores[i] = scored{i, s}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	n := min(maxUnits, len(scores))
	selected := make([]int, n)
	for i := range selected {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, n)
	for i, idx := range selected {
		out[i] = truncate(units[idx], maxExcerptRunes)
	}
	return strings.Join(out, " ")
}

func split(passage string) []string {
	var units []string
	lines := strings.Split(passage, "\n")
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		units = append(units, l)
	}
	if len(units) != 1 || (strings.Contains(units[0], ": ") && strings.Contains(units[0], "; ")) {
		// table rows stay whole
		return units
	}
	var sentences []string
	for _, s := range sentencePattern.FindAllString(units[0], -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
