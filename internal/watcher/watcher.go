// Package watcher ingests formulary PDFs dropped into a folder.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"formulary/internal/domain"
	"formulary/internal/service"
)

// DefaultDebounce waits for writes to settle before ingesting.
const DefaultDebounce = 2 * time.Second

// Ingester is the pipeline subset the watcher drives.
type Ingester interface {
	IngestBatch(ctx context.Context, sources []domain.Source) service.BatchReport
}

// Watcher ingests existing PDFs in a folder, then new and changed ones.
type Watcher struct {
	dir      string
	ing      Ingester
	log      *zap.Logger
	debounce time.Duration
	insurer  string
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithInsurer labels every file with insurer instead of inferring it from
// the file name.
func WithInsurer(insurer string) Option {
	return func(w *Watcher) { w.insurer = insurer }
}

// New creates a watcher over dir.
func New(dir string, ing Ingester, log *zap.Logger, opts ...Option) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{dir: dir, ing: ing, log: log, debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. Files already present are ingested
// first; unchanged ones are skipped by the pipeline ledger.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	existing, err := Scan(w.dir)
	if err != nil {
		return err
	}
	w.ingest(ctx, existing)
	w.log.Info("watching for formularies", zap.String("dir", w.dir))

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !Relevant(ev) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			w.ingest(ctx, paths)
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	sources := make([]domain.Source, 0, len(paths))
	for _, p := range paths {
		src, err := ReadSource(p, w.insurer)
		if err != nil {
			w.log.Warn("cannot read formulary", zap.String("path", p), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return
	}
	rep := w.ing.IngestBatch(ctx, sources)
	w.log.Info("folder ingest finished",
		zap.Int("documents", len(sources)),
		zap.Int("skipped", rep.Skipped()),
		zap.Int("failed", len(rep.Failures)),
		zap.Int("passages", rep.Passages()))
}

// Relevant reports whether ev creates or rewrites a visible PDF.
func Relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if !IsPDF(ev.Name) {
		return false
	}
	info, err := os.Stat(ev.Name)
	return err == nil && info.Mode().IsRegular()
}

// IsPDF reports whether path names a visible .pdf file.
func IsPDF(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".pdf")
}

// Scan lists the PDFs directly inside dir in name order.
func Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsPDF(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// ReadSource loads a file for ingestion. An empty insurer is inferred
// later from the file name.
func ReadSource(path, insurer string) (domain.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Source{}, err
	}
	return domain.Source{Filename: filepath.Base(path), Insurer: insurer, Data: data}, nil
}
