package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for empty questions, missing insurer and similar caller mistakes.
	ErrInvalidInput = errors.New("invalid input")
	// ErrExtraction marks documents that could not be turned into text.
	ErrExtraction = errors.New("extraction failed")
	// ErrEmbeddingService marks embedding provider faults.
	ErrEmbeddingService = errors.New("embedding service error")
	// ErrIndexService marks vector index faults.
	ErrIndexService = errors.New("vector index error")
	// ErrComposition marks language model faults while composing an answer.
	ErrComposition = errors.New("composition failed")
	// ErrTimeout is returned when a service call exceeds its deadline.
	ErrTimeout = errors.New("service call timed out")
)

// ExtractionError reports why a single document could not be extracted.
type ExtractionError struct {
	Document string
	Reason   string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Document, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Document, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// CompositionError wraps a language model failure. Callers fall back to
// the raw recommendation fields.
type CompositionError struct {
	Err error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("compose answer: %v", e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

func (e *CompositionError) Is(target error) bool { return target == ErrComposition }
