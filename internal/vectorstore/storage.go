// Package vectorstore holds helpers shared by the vector index providers.
package vectorstore

import (
	"fmt"
	"math"
	"sort"

	"formulary/internal/domain"
	"formulary/internal/insurer"
	"formulary/internal/retry"
)

// DefaultTopK is used when a query asks for zero or fewer results.
const DefaultTopK = 10

// Cosine returns the cosine similarity of a and b. Zero vectors score 0.
func Cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Matches reports whether md passes f. The insurer always has to match;
// an empty class matches any class.
func Matches(md domain.Metadata, f domain.Filter) bool {
	if !insurer.Same(md.Insurer, f.Insurer) {
		return false
	}
	return f.DrugClass == "" || md.DrugClass == f.DrugClass
}

// CheckFilter rejects queries without an insurer. The error is permanent.
func CheckFilter(f domain.Filter) error {
	if insurer.Key(f.Insurer) == "" {
		return retry.Permanent(fmt.Errorf("%w: query filter needs an insurer", domain.ErrInvalidInput))
	}
	return nil
}

// CheckEntries verifies every entry has an id and a vector of dim values.
// Failures are permanent.
func CheckEntries(entries []domain.IndexEntry, dim int) error {
	for _, e := range entries {
		if e.Passage.ID == "" {
			return retry.Permanent(fmt.Errorf("%w: entry without id", domain.ErrInvalidInput))
		}
		if len(e.Vector) != dim {
			return retry.Permanent(fmt.Errorf("%w: vector dimension %d, index expects %d", domain.ErrIndexService, len(e.Vector), dim))
		}
	}
	return nil
}

// Sort orders candidates by descending score, then by passage id so the
// order is total.
func Sort(c []domain.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].Passage.ID < c[j].Passage.ID
	})
}

// Top sorts c and keeps at most k entries.
func Top(c []domain.Candidate, k int) []domain.Candidate {
	if k <= 0 {
		k = DefaultTopK
	}
	Sort(c)
	if len(c) > k {
		c = c[:k]
	}
	return c
}
