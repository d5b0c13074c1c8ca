// Package rag answers rag_search tool calls: it embeds the query, ranks the
// stored chunks of the agent's data sources by cosine similarity and formats
// the best matches as tool content.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/store"
	"github.com/hupe1980/turnmesh/tool"
)

// ErrNoValidSources is returned by Retrieve when none of the requested
// sources is active in the project.
var ErrNoValidSources = errors.New("no valid data sources")

const (
	ReturnChunks = "chunks"
	ReturnDocs   = "docs"

	DefaultK = 3
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ChunkStore is the read side of the store used by the searcher.
type ChunkStore interface {
	ActiveSourceIDs(ctx context.Context, projectID string) ([]string, error)
	Chunks(ctx context.Context, projectID string, sourceIDs []string) ([]store.Chunk, error)
	Docs(ctx context.Context, ids []string) (map[string]store.Doc, error)
}

// Result is one retrieved item.
type Result struct {
	Title    string `json:"title"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	DocID    string `json:"docId"`
	SourceID string `json:"sourceId"`

	score float64
}

// Options configures a Searcher.
type Options struct {
	Logger logging.Logger
}

// Searcher implements tool.Searcher.
type Searcher struct {
	store    ChunkStore
	embedder Embedder
	opts     Options
}

var _ tool.Searcher = (*Searcher)(nil)

// NewSearcher creates a Searcher.
func NewSearcher(s ChunkStore, e Embedder, optFns ...func(o *Options)) *Searcher {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Searcher{store: s, embedder: e, opts: opts}
}

// Search implements tool.Searcher. It returns {"Information": [...]} or
// the empty string when no requested source is active.
func (s *Searcher) Search(ctx context.Context, req tool.RagRequest) (string, error) {
	results, err := s.Retrieve(ctx, req)
	if errors.Is(err, ErrNoValidSources) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	b, err := json.MarshalIndent(map[string][]Result{"Information": results}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Retrieve returns the top k results for req. With ReturnDocs the chunk
// content is replaced by the content of its document.
func (s *Searcher) Retrieve(ctx context.Context, req tool.RagRequest) ([]Result, error) {
	start := time.Now()
	log := logging.With(s.opts.Logger, "project", req.ProjectID)

	active, err := s.store.ActiveSourceIDs(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	valid := filterSources(active, req.SourceIDs)
	if len(valid) == 0 {
		log.Debug("rag.no_sources", "requested", len(req.SourceIDs))
		return nil, ErrNoValidSources
	}

	query, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	chunks, err := s.store.Chunks(ctx, req.ProjectID, valid)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	k := req.K
	if k <= 0 {
		k = DefaultK
	}

	results := rank(query, chunks, k)

	if req.ReturnType != "" && req.ReturnType != ReturnChunks {
		if err := s.expandDocs(ctx, results); err != nil {
			return nil, err
		}
	}

	log.Debug("rag.search", "sources", len(valid), "chunks", len(chunks), "results", len(results),
		"duration_ms", time.Since(start).Milliseconds())

	return results, nil
}

func (s *Searcher) expandDocs(ctx context.Context, results []Result) error {
	ids := make([]string, 0, len(results))
	seen := map[string]bool{}
	for _, r := range results {
		if !seen[r.DocID] {
			seen[r.DocID] = true
			ids = append(ids, r.DocID)
		}
	}

	docs, err := s.store.Docs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load docs: %w", err)
	}

	for i := range results {
		results[i].Content = docs[results[i].DocID].Content
	}
	return nil
}

func filterSources(active, requested []string) []string {
	want := make(map[string]bool, len(requested))
	for _, id := range requested {
		want[id] = true
	}

	var out []string
	for _, id := range active {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

func rank(query []float64, chunks []store.Chunk, k int) []Result {
	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, Result{
			Title:    c.Title,
			Name:     c.Name,
			Content:  c.Content,
			DocID:    c.DocID,
			SourceID: c.SourceID,
			score:    Cosine(query, c.Embedding),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Cosine returns the cosine similarity of a and b, 0 for mismatched or zero
// vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
