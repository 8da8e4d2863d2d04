// Package sqlite is a persistent vector index in a local SQLite file.
// Filtering happens in SQL; similarity is brute-force cosine over the
// filtered rows, which is plenty for a handful of formularies.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/jmoiron/sqlx"

	"formulary/internal/domain"
	"formulary/internal/insurer"
	"formulary/internal/retry"
	"formulary/internal/vectorstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS index_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS passages (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	page        INTEGER NOT NULL,
	char_offset INTEGER NOT NULL,
	text        TEXT NOT NULL,
	insurer_key TEXT NOT NULL,
	drug_class  TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL,
	vector      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_passages_filter ON passages(insurer_key, drug_class);
CREATE INDEX IF NOT EXISTS idx_passages_document ON passages(document_id);
`

// Storage implements domain.VectorIndex on SQLite.
type Storage struct {
	db        *sqlx.DB
	dimension int
}

type row struct {
	ID         string `db:"id"`
	DocumentID string `db:"document_id"`
	Page       int    `db:"page"`
	Offset     int    `db:"char_offset"`
	Text       string `db:"text"`
	InsurerKey string `db:"insurer_key"`
	DrugClass  string `db:"drug_class"`
	Metadata   string `db:"metadata"`
	Vector     []byte `db:"vector"`
}

// NewStorage uses db, which the caller owns and closes.
func NewStorage(db *sqlx.DB) *Storage { return &Storage{db: db} }

// Init creates the schema and records the dimension. An existing index
// built with another dimension is rejected.
func (s *Storage) Init(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return retry.Permanent(fmt.Errorf("%w: invalid dimension %d", domain.ErrIndexService, dimension))
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: create schema: %w", domain.ErrIndexService, err)
	}
	var stored string
	err := s.db.GetContext(ctx, &stored, `SELECT value FROM index_meta WHERE key = 'dimension'`)
	switch {
	case err == nil:
		if d, _ := strconv.Atoi(stored); d != dimension {
			return retry.Permanent(fmt.Errorf("%w: index holds %s-dimensional vectors, got %d", domain.ErrIndexService, stored, dimension))
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO index_meta (key, value) VALUES ('dimension', ?)`, strconv.Itoa(dimension)); err != nil {
			return fmt.Errorf("%w: record dimension: %w", domain.ErrIndexService, err)
		}
	default:
		return fmt.Errorf("%w: read dimension: %w", domain.ErrIndexService, err)
	}
	s.dimension = dimension
	return nil
}

// Upsert writes all entries in one transaction.
func (s *Storage) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	if s.dimension == 0 {
		return retry.Permanent(fmt.Errorf("%w: index not initialised", domain.ErrIndexService))
	}
	if err := vectorstore.CheckEntries(entries, s.dimension); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrIndexService, err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, e := range entries {
		md, err := json.Marshal(e.Passage.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encode metadata: %w", domain.ErrIndexService, err)
		}
		r := row{
			ID:         e.Passage.ID,
			DocumentID: e.Passage.DocumentID,
			Page:       e.Passage.Page,
			Offset:     e.Passage.Offset,
			Text:       e.Passage.Text,
			InsurerKey: insurer.Key(e.Passage.Metadata.Insurer),
			DrugClass:  string(e.Passage.Metadata.DrugClass),
			Metadata:   string(md),
			Vector:     encodeVector(e.Vector),
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO passages (id, document_id, page, char_offset, text, insurer_key, drug_class, metadata, vector)
			VALUES (:id, :document_id, :page, :char_offset, :text, :insurer_key, :drug_class, :metadata, :vector)
			ON CONFLICT(id) DO UPDATE SET
				document_id = excluded.document_id,
				page        = excluded.page,
				char_offset = excluded.char_offset,
				text        = excluded.text,
				insurer_key = excluded.insurer_key,
				drug_class  = excluded.drug_class,
				metadata    = excluded.metadata,
				vector      = excluded.vector`, r)
		if err != nil {
			return fmt.Errorf("%w: upsert %s: %w", domain.ErrIndexService, e.Passage.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrIndexService, err)
	}
	return nil
}

// DeleteDocument drops the passages of one document.
func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	if s.dimension == 0 {
		return retry.Permanent(fmt.Errorf("%w: index not initialised", domain.ErrIndexService))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrIndexService, documentID, err)
	}
	return nil
}

func (s *Storage) Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Candidate, error) {
	if err := vectorstore.CheckFilter(filter); err != nil {
		return nil, err
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, document_id, page, char_offset, text, insurer_key, drug_class, metadata, vector
		FROM passages
		WHERE insurer_key = ? AND (? = '' OR drug_class = ?)`,
		insurer.Key(filter.Insurer), string(filter.DrugClass), string(filter.DrugClass))
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", domain.ErrIndexService, err)
	}
	out := make([]domain.Candidate, 0, len(rows))
	for _, r := range rows {
		var md domain.Metadata
		if err := json.Unmarshal([]byte(r.Metadata), &md); err != nil {
			return nil, fmt.Errorf("%w: decode metadata of %s: %w", domain.ErrIndexService, r.ID, err)
		}
		p := domain.Passage{ID: r.ID, DocumentID: r.DocumentID, Page: r.Page, Offset: r.Offset, Text: r.Text, Metadata: md}
		out = append(out, domain.Candidate{Passage: p, Score: vectorstore.Cosine(decodeVector(r.Vector), vector)})
	}
	return vectorstore.Top(out, topK), nil
}

// Count returns the number of stored passages.
func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM passages`); err != nil {
		return 0, fmt.Errorf("%w: count: %w", domain.ErrIndexService, err)
	}
	return n, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
