package domain

import "context"

// Embedder converts text into a vector. Identical input yields an
// identical vector.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex stores passage vectors and answers filtered similarity queries.
type VectorIndex interface {
	Init(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, entries []IndexEntry) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Candidate, error)
	// DeleteDocument removes every passage of the document. Unknown ids
	// are not an error.
	DeleteDocument(ctx context.Context, documentID string) error
}

// LanguageModel completes a prompt.
type LanguageModel interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}
