package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formulary/internal/domain"
)

type countingEmbedder struct{ calls int }

func (c *countingEmbedder) Name() string   { return "counting" }
func (c *countingEmbedder) Dimension() int { return 1 }
func (c *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	c.calls++
	return []float32{1}, nil
}
func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func TestNewLimitedPassThroughWhenDisabled(t *testing.T) {
	inner := &countingEmbedder{}
	assert.Same(t, inner, NewLimited(inner, 0, 0))
}

func TestLimitedDelegates(t *testing.T) {
	inner := &countingEmbedder{}
	l := NewLimited(inner, 1000, 10)
	_, err := l.Embed(context.Background(), "a")
	require.NoError(t, err)
	vecs, err := l.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, "counting", l.Name())
}

func TestLimitedRespectsCancelledContext(t *testing.T) {
	l := NewLimited(&countingEmbedder{}, 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = l.Embed(ctx, "drain the burst")
	cancel()
	_, err := l.Embed(ctx, "b")
	assert.Error(t, err)
}

func TestInBatchesPreservesOrder(t *testing.T) {
	var sizes []int
	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := InBatches(context.Background(), texts, 2, func(_ context.Context, batch []string) ([][]float32, error) {
		sizes = append(sizes, len(batch))
		out := make([][]float32, len(batch))
		for i, s := range batch {
			out[i] = []float32{float32(s[0])}
		}
		return out, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
	require.Len(t, vecs, 5)
	assert.Equal(t, float32('a'), vecs[0][0])
	assert.Equal(t, float32('e'), vecs[4][0])
}

func TestInBatchesRejectsShortResponses(t *testing.T) {
	_, err := InBatches(context.Background(), []string{"a", "b"}, 0, func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1}}, nil
	})
	assert.ErrorIs(t, err, domain.ErrEmbeddingService)

	boom := errors.New("boom")
	_, err = InBatches(context.Background(), []string{"a"}, 1, func(context.Context, []string) ([][]float32, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
