package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formulary/internal/domain"
	"formulary/internal/service"
)

type recordingIngester struct{ batches chan []domain.Source }

func (r *recordingIngester) IngestBatch(_ context.Context, sources []domain.Source) service.BatchReport {
	r.batches <- sources
	return service.BatchReport{}
}

func names(sources []domain.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Filename
	}
	return out
}

func next(t *testing.T, ch <-chan []domain.Source) []domain.Source {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no ingest batch")
		return nil
	}
}

func TestWatcherIngestsExistingThenNewPDFs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "UHC.pdf"), []byte("%PDF-1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ing := &recordingIngester{batches: make(chan []domain.Source, 4)}
	w := New(dir, ing, nil, WithDebounce(50*time.Millisecond), WithInsurer("UnitedHealthcare"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	first := next(t, ing.batches)
	assert.Equal(t, []string{"UHC.pdf"}, names(first))
	assert.Equal(t, "UnitedHealthcare", first[0].Insurer)
	assert.Equal(t, []byte("%PDF-1"), first[0].Data)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cigna.pdf"), []byte("%PDF-2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.pdf"), []byte("%PDF"), 0o644))
	second := next(t, ing.batches)
	assert.Equal(t, []string{"Cigna.pdf"}, names(second))

	cancel()
	require.NoError(t, <-done)
}

func TestRelevant(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "a.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("x"), 0o644))
	sub := filepath.Join(dir, "sub.pdf")
	require.NoError(t, os.Mkdir(sub, 0o755))

	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"create pdf", fsnotify.Event{Name: pdf, Op: fsnotify.Create}, true},
		{"write pdf", fsnotify.Event{Name: pdf, Op: fsnotify.Write}, true},
		{"chmod pdf", fsnotify.Event{Name: pdf, Op: fsnotify.Chmod}, false},
		{"removed pdf", fsnotify.Event{Name: filepath.Join(dir, "gone.pdf"), Op: fsnotify.Remove}, false},
		{"directory", fsnotify.Event{Name: sub, Op: fsnotify.Create}, false},
		{"hidden", fsnotify.Event{Name: filepath.Join(dir, ".a.pdf"), Op: fsnotify.Create}, false},
		{"not pdf", fsnotify.Event{Name: filepath.Join(dir, "a.txt"), Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Relevant(tt.ev))
		})
	}
}

func TestScanListsPDFsInOrder(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.PDF", "a.pdf", "c.txt", ".d.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	got, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "b.PDF")}, got)

	_, err = Scan(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
