// Package ledger records which formulary documents were ingested, so
// batch runs can skip files that have not changed.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingested_documents (
	document_id TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	insurer     TEXT NOT NULL,
	sha256      TEXT NOT NULL,
	passages    INTEGER NOT NULL,
	page_errors INTEGER NOT NULL DEFAULT 0,
	ingested_at INTEGER NOT NULL
);`

// Entry is one ingested document.
type Entry struct {
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	Insurer    string    `json:"insurer"`
	SHA256     string    `json:"sha256"`
	Passages   int       `json:"passages"`
	PageErrors int       `json:"page_errors"`
	IngestedAt time.Time `json:"ingested_at"`
}

type row struct {
	DocumentID string `db:"document_id"`
	Filename   string `db:"filename"`
	Insurer    string `db:"insurer"`
	SHA256     string `db:"sha256"`
	Passages   int    `db:"passages"`
	PageErrors int    `db:"page_errors"`
	IngestedAt int64  `db:"ingested_at"`
}

func (r row) entry() Entry {
	return Entry{
		DocumentID: r.DocumentID,
		Filename:   r.Filename,
		Insurer:    r.Insurer,
		SHA256:     r.SHA256,
		Passages:   r.Passages,
		PageErrors: r.PageErrors,
		IngestedAt: time.Unix(0, r.IngestedAt).UTC(),
	}
}

// Ledger stores entries in SQLite. Safe for concurrent use.
type Ledger struct {
	db *sqlx.DB
}

// New creates the ledger table in db when missing.
func New(ctx context.Context, db *sqlx.DB) (*Ledger, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record inserts or replaces the entry for e.DocumentID. A zero
// IngestedAt is set to now.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now()
	}
	r := row{
		DocumentID: e.DocumentID,
		Filename:   e.Filename,
		Insurer:    e.Insurer,
		SHA256:     e.SHA256,
		Passages:   e.Passages,
		PageErrors: e.PageErrors,
		IngestedAt: e.IngestedAt.UnixNano(),
	}
	_, err := l.db.NamedExecContext(ctx, `
		INSERT INTO ingested_documents (document_id, filename, insurer, sha256, passages, page_errors, ingested_at)
		VALUES (:document_id, :filename, :insurer, :sha256, :passages, :page_errors, :ingested_at)
		ON CONFLICT(document_id) DO UPDATE SET
			filename    = excluded.filename,
			insurer     = excluded.insurer,
			sha256      = excluded.sha256,
			passages    = excluded.passages,
			page_errors = excluded.page_errors,
			ingested_at = excluded.ingested_at`, r)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.DocumentID, err)
	}
	return nil
}

// Get returns the entry for documentID; ok is false when none exists.
func (l *Ledger) Get(ctx context.Context, documentID string) (Entry, bool, error) {
	var r row
	err := l.db.GetContext(ctx, &r, `SELECT * FROM ingested_documents WHERE document_id = ?`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", documentID, err)
	}
	return r.entry(), true, nil
}

// Seen reports whether documentID was ingested with the same content hash.
func (l *Ledger) Seen(ctx context.Context, documentID, sha256 string) (bool, error) {
	e, ok, err := l.Get(ctx, documentID)
	if err != nil || !ok {
		return false, err
	}
	return e.SHA256 == sha256, nil
}

// List returns all entries ordered by insurer then filename.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	var rows []row
	if err := l.db.SelectContext(ctx, &rows, `SELECT * FROM ingested_documents ORDER BY insurer, filename`); err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}
