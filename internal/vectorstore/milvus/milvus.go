// Package milvus implements domain.VectorIndex on a Milvus server.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"formulary/internal/domain"
	"formulary/internal/insurer"
	"formulary/internal/retry"
	"formulary/internal/vectorstore"
)

const (
	fieldID         = "id"
	fieldDocumentID = "document_id"
	fieldPage       = "page"
	fieldOffset     = "char_offset"
	fieldText       = "text"
	fieldInsurerKey = "insurer_key"
	fieldDrugClass  = "drug_class"
	fieldMetadata   = "metadata"
	fieldVector     = "vector"

	maxVarChar = "65535"
)

var outputFields = []string{fieldDocumentID, fieldPage, fieldOffset, fieldText, fieldMetadata}

type Config struct {
	Address    string
	APIKey     string
	Collection string
}

// Storage keeps passages in one collection with an HNSW cosine index.
type Storage struct {
	cli        *milvusclient.Client
	collection string
	dimension  int
}

// NewStorage connects to the server at cfg.Address.
func NewStorage(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Collection == "" {
		cfg.Collection = "formulary"
	}
	cli, err := milvusclient.New(ctx, &milvusclient.ClientConfig{Address: cfg.Address, APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("%w: connect to milvus at %s: %w", domain.ErrIndexService, cfg.Address, err)
	}
	return &Storage{cli: cli, collection: cfg.Collection}, nil
}

func (s *Storage) Close(ctx context.Context) error { return s.cli.Close(ctx) }

func (s *Storage) schema(dimension int) *entity.Schema {
	varchar := func(name, maxLen string) *entity.Field {
		return &entity.Field{Name: name, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": maxLen}}
	}
	id := varchar(fieldID, "64")
	id.PrimaryKey = true
	return &entity.Schema{
		CollectionName: s.collection,
		Description:    "Formulary passages",
		Fields: []*entity.Field{
			id,
			varchar(fieldDocumentID, "64"),
			{Name: fieldPage, DataType: entity.FieldTypeInt64},
			{Name: fieldOffset, DataType: entity.FieldTypeInt64},
			varchar(fieldText, maxVarChar),
			varchar(fieldInsurerKey, "255"),
			varchar(fieldDrugClass, "32"),
			varchar(fieldMetadata, maxVarChar),
			{Name: fieldVector, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": strconv.Itoa(dimension)}},
		},
	}
}

// Init creates the collection and its vector index when missing, then
// loads it for search.
func (s *Storage) Init(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return retry.Permanent(fmt.Errorf("%w: invalid dimension %d", domain.ErrIndexService, dimension))
	}
	exists, err := s.cli.HasCollection(ctx, milvusclient.NewHasCollectionOption(s.collection))
	if err != nil {
		return fmt.Errorf("%w: check collection: %w", domain.ErrIndexService, err)
	}
	if !exists {
		if err := s.cli.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(s.collection, s.schema(dimension))); err != nil {
			return fmt.Errorf("%w: create collection: %w", domain.ErrIndexService, err)
		}
		idx := index.NewHNSWIndex(entity.COSINE, 16, 200)
		if _, err := s.cli.CreateIndex(ctx, milvusclient.NewCreateIndexOption(s.collection, fieldVector, idx)); err != nil {
			return fmt.Errorf("%w: create index: %w", domain.ErrIndexService, err)
		}
	}
	if _, err := s.cli.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.collection)); err != nil {
		return fmt.Errorf("%w: load collection: %w", domain.ErrIndexService, err)
	}
	s.dimension = dimension
	return nil
}

func (s *Storage) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	if s.dimension == 0 {
		return retry.Permanent(fmt.Errorf("%w: index not initialised", domain.ErrIndexService))
	}
	if err := vectorstore.CheckEntries(entries, s.dimension); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	cols, err := columns(entries)
	if err != nil {
		return err
	}
	opt := milvusclient.NewColumnBasedInsertOption(s.collection).
		WithVarcharColumn(fieldID, cols.ids).
		WithVarcharColumn(fieldDocumentID, cols.docIDs).
		WithInt64Column(fieldPage, cols.pages).
		WithInt64Column(fieldOffset, cols.offsets).
		WithVarcharColumn(fieldText, cols.texts).
		WithVarcharColumn(fieldInsurerKey, cols.insurers).
		WithVarcharColumn(fieldDrugClass, cols.classes).
		WithVarcharColumn(fieldMetadata, cols.metadata).
		WithFloatVectorColumn(fieldVector, s.dimension, cols.vectors)
	if _, err := s.cli.Upsert(ctx, opt); err != nil {
		return fmt.Errorf("%w: upsert: %w", domain.ErrIndexService, err)
	}
	return nil
}

func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	opt := milvusclient.NewDeleteOption(s.collection).WithExpr(documentExpr(documentID))
	if _, err := s.cli.Delete(ctx, opt); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrIndexService, documentID, err)
	}
	return nil
}

func (s *Storage) Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]domain.Candidate, error) {
	if err := vectorstore.CheckFilter(filter); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	opt := milvusclient.NewSearchOption(s.collection, topK, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(fieldVector).
		WithFilter(filterExpr(filter)).
		WithOutputFields(outputFields...)
	sets, err := s.cli.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", domain.ErrIndexService, err)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	rs := sets[0]
	out := make([]domain.Candidate, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		c, err := candidate(rs, i)
		if err != nil {
			return nil, fmt.Errorf("%w: read result %d: %w", domain.ErrIndexService, i, err)
		}
		out = append(out, c)
	}
	vectorstore.Sort(out)
	return out, nil
}

func candidate(rs milvusclient.ResultSet, i int) (domain.Candidate, error) {
	var (
		p   domain.Passage
		err error
	)
	if p.ID, err = rs.IDs.GetAsString(i); err != nil {
		return domain.Candidate{}, err
	}
	if p.DocumentID, err = rs.GetColumn(fieldDocumentID).GetAsString(i); err != nil {
		return domain.Candidate{}, err
	}
	page, err := rs.GetColumn(fieldPage).GetAsInt64(i)
	if err != nil {
		return domain.Candidate{}, err
	}
	offset, err := rs.GetColumn(fieldOffset).GetAsInt64(i)
	if err != nil {
		return domain.Candidate{}, err
	}
	p.Page, p.Offset = int(page), int(offset)
	if p.Text, err = rs.GetColumn(fieldText).GetAsString(i); err != nil {
		return domain.Candidate{}, err
	}
	md, err := rs.GetColumn(fieldMetadata).GetAsString(i)
	if err != nil {
		return domain.Candidate{}, err
	}
	if err := json.Unmarshal([]byte(md), &p.Metadata); err != nil {
		return domain.Candidate{}, err
	}
	var score float64
	if i < len(rs.Scores) {
		score = float64(rs.Scores[i])
	}
	return domain.Candidate{Passage: p, Score: score}, nil
}

type columnData struct {
	ids, docIDs, texts, insurers, classes, metadata []string
	pages, offsets                                  []int64
	vectors                                         [][]float32
}

func columns(entries []domain.IndexEntry) (columnData, error) {
	var c columnData
	for _, e := range entries {
		p := e.Passage
		md, err := json.Marshal(p.Metadata)
		if err != nil {
			return columnData{}, fmt.Errorf("%w: encode metadata: %w", domain.ErrIndexService, err)
		}
		c.ids = append(c.ids, p.ID)
		c.docIDs = append(c.docIDs, p.DocumentID)
		c.pages = append(c.pages, int64(p.Page))
		c.offsets = append(c.offsets, int64(p.Offset))
		c.texts = append(c.texts, p.Text)
		c.insurers = append(c.insurers, insurer.Key(p.Metadata.Insurer))
		c.classes = append(c.classes, string(p.Metadata.DrugClass))
		c.metadata = append(c.metadata, string(md))
		c.vectors = append(c.vectors, e.Vector)
	}
	return c, nil
}

// filterExpr renders f as a Milvus boolean expression.
func filterExpr(f domain.Filter) string {
	expr := fmt.Sprintf(`%s == "%s"`, fieldInsurerKey, quote(insurer.Key(f.Insurer)))
	if f.DrugClass != "" {
		expr += fmt.Sprintf(` && %s == "%s"`, fieldDrugClass, quote(string(f.DrugClass)))
	}
	return expr
}

func documentExpr(id string) string {
	return fmt.Sprintf(`%s == "%s"`, fieldDocumentID, quote(id))
}

func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
