package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/turnmesh/store"
)

// ChunkWriter is the write side of the store used by the indexer.
type ChunkWriter interface {
	PutDoc(ctx context.Context, d store.Doc) error
	PutChunk(ctx context.Context, c store.Chunk) error
}

// IndexerOptions configures chunking.
type IndexerOptions struct {
	// ChunkWords is the number of words per chunk.
	ChunkWords int
	// OverlapWords is repeated from the previous chunk.
	OverlapWords int
}

// Indexer splits documents into chunks and stores their embeddings.
type Indexer struct {
	store    ChunkWriter
	embedder Embedder
	opts     IndexerOptions
}

// NewIndexer creates an Indexer.
func NewIndexer(s ChunkWriter, e Embedder, optFns ...func(o *IndexerOptions)) *Indexer {
	opts := IndexerOptions{ChunkWords: 200, OverlapWords: 20}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkWords <= 0 {
		opts.ChunkWords = 200
	}
	if opts.OverlapWords < 0 || opts.OverlapWords >= opts.ChunkWords {
		opts.OverlapWords = 0
	}

	return &Indexer{store: s, embedder: e, opts: opts}
}

// Index stores doc and its embedded chunks. It returns the number of chunks.
func (ix *Indexer) Index(ctx context.Context, doc store.Doc) (int, error) {
	if err := ix.store.PutDoc(ctx, doc); err != nil {
		return 0, err
	}

	parts := Split(doc.Content, ix.opts.ChunkWords, ix.opts.OverlapWords)
	for i, part := range parts {
		vec, err := ix.embedder.Embed(ctx, part)
		if err != nil {
			return i, fmt.Errorf("embed chunk %d of %s: %w", i, doc.ID, err)
		}

		err = ix.store.PutChunk(ctx, store.Chunk{
			ID:        fmt.Sprintf("%s-%d", doc.ID, i),
			ProjectID: doc.ProjectID,
			SourceID:  doc.SourceID,
			DocID:     doc.ID,
			Title:     doc.Title,
			Name:      doc.Name,
			Content:   part,
			Embedding: vec,
		})
		if err != nil {
			return i, err
		}
	}

	return len(parts), nil
}

// Split cuts text into chunks of size words, each repeating the last
// overlap words of its predecessor.
func Split(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := size - overlap
	if step <= 0 {
		step = size
	}

	var out []string
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
