// Package knowledge is the tenant-rights document corpus: a bleve index over
// chunked source documents, queried by the retrieval stage and the
// knowledge_base_search tool.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/OhziiiLov3/rights2roof"
)

// Chunk is one indexed slice of a source document.
type Chunk struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// Index is a BM25 full-text index over chunks.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
}

// NewMemIndex creates an empty in-memory index.
func NewMemIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create in-memory index: %w", err)
	}
	return &Index{bleve: idx}, nil
}

// Open opens the index at path, creating it when it does not exist.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{bleve: idx}, nil
}

// Add indexes chunks in one batch. Re-adding an ID replaces it.
func (i *Index) Add(chunks ...Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.bleve.NewBatch()
	for _, c := range chunks {
		if c.ID == "" {
			return errors.New("chunk has no id")
		}
		if err := batch.Index(c.ID, map[string]any{
			"source": c.Source,
			"title":  c.Title,
			"text":   c.Text,
		}); err != nil {
			return err
		}
	}
	return i.bleve.Batch(batch)
}

// Retrieve implements rights2roof.KnowledgeBase. Passages are in relevance
// order.
func (i *Index) Retrieve(ctx context.Context, query string, k int) ([]rights2roof.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return []rights2roof.Passage{}, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), k, 0, false)
	req.Fields = []string{"source", "title", "text"}

	i.mu.RLock()
	res, err := i.bleve.SearchInContext(ctx, req)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search knowledge base: %w", err)
	}

	out := make([]rights2roof.Passage, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, rights2roof.Passage{
			Source: field(hit.Fields, "source"),
			Title:  field(hit.Fields, "title"),
			Text:   field(hit.Fields, "text"),
			Score:  hit.Score,
		})
	}
	return out, nil
}

// Count returns the number of indexed chunks.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.bleve.DocCount()
}

// Close releases the index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bleve.Close()
}

func field(fields map[string]interface{}, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
