package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formulary/internal/sqlitedb"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sqlitedb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l, err := New(context.Background(), db)
	require.NoError(t, err)
	return l
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Record(ctx, Entry{DocumentID: "d1", Filename: "UHC.pdf", Insurer: "UnitedHealthcare", SHA256: "aa", Passages: 12, PageErrors: 1, IngestedAt: at}))

	e, ok, err := l.Get(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "UHC.pdf", e.Filename)
	assert.Equal(t, 12, e.Passages)
	assert.Equal(t, 1, e.PageErrors)
	assert.True(t, at.Equal(e.IngestedAt))

	_, ok, err = l.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeenComparesHash(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	seen, err := l.Seen(ctx, "d1", "aa")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Record(ctx, Entry{DocumentID: "d1", Filename: "a.pdf", Insurer: "Cigna", SHA256: "aa"}))
	seen, err = l.Seen(ctx, "d1", "aa")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = l.Seen(ctx, "d1", "bb")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRecordReplacesAndListOrders(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Record(ctx, Entry{DocumentID: "d2", Filename: "b.pdf", Insurer: "Humana", SHA256: "x", Passages: 1}))
	require.NoError(t, l.Record(ctx, Entry{DocumentID: "d1", Filename: "a.pdf", Insurer: "Cigna", SHA256: "y", Passages: 1}))
	require.NoError(t, l.Record(ctx, Entry{DocumentID: "d2", Filename: "b.pdf", Insurer: "Humana", SHA256: "z", Passages: 5}))

	list, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Cigna", list[0].Insurer)
	assert.Equal(t, "z", list[1].SHA256)
	assert.Equal(t, 5, list[1].Passages)
	assert.False(t, list[1].IngestedAt.IsZero())
}
