package classify

import "strings"

type pair struct {
	label string // lower-cased
	value string
}

// parsePairs splits "Label: value; Label: value" segments out of text.
// Segments that are not pairs are returned as residual narrative.
func parsePairs(text string) ([]pair, []string) {
	var pairs []pair
	var residual []string
	for _, line := range strings.Split(text, "\n") {
		for _, seg := range strings.Split(line, ";") {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			idx := strings.Index(seg, ":")
			if idx <= 0 || idx > 40 {
				residual = append(residual, seg)
				continue
			}
			label := strings.ToLower(strings.TrimSpace(seg[:idx]))
			if !strings.ContainsAny(label, "abcdefghijklmnopqrstuvwxyz") {
				residual = append(residual, seg)
				continue
			}
			pairs = append(pairs, pair{label: label, value: strings.TrimSpace(seg[idx+1:])})
		}
	}
	return pairs, residual
}

func isDrugLabel(label string) bool {
	for _, k := range []string{"drug", "medication", "name", "product", "brand", "generic"} {
		if strings.Contains(label, k) {
			return true
		}
	}
	return false
}

// hasDrugCell reports whether a pair names the medication of a table row.
func hasDrugCell(pairs []pair) bool {
	for _, p := range pairs {
		if !strings.Contains(p.label, "tier") && isDrugLabel(p.label) && !isYesNo(p.value) {
			return true
		}
	}
	return false
}

func isPALabel(label string) bool {
	return label == "pa" || strings.HasPrefix(label, "pa ") || strings.Contains(label, "prior auth")
}

func isSTLabel(label string) bool {
	return label == "st" || strings.HasPrefix(label, "st ") || strings.Contains(label, "step therapy")
}

func isQLLabel(label string) bool {
	return label == "ql" || strings.HasPrefix(label, "ql ") || strings.Contains(label, "quantity limit")
}

func isRequirementLabel(label string) bool {
	if label == "um" {
		return true
	}
	for _, k := range []string{"requirement", "restriction", "limit", "note", "utilization", "comment", "coverage"} {
		if strings.Contains(label, k) {
			return true
		}
	}
	return false
}

func isYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "x", "true", "required", "req", "✓", "✔":
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "yes")
}

func isNo(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "no", "n", "none", "false", "-", "n/a", "not required":
		return true
	}
	return false
}

func isYesNo(v string) bool { return isYes(v) || isNo(v) }
