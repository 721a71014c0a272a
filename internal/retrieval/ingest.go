package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultChunkSize is the fragment size used when an Ingester has none set.
const DefaultChunkSize = 512

// Embedder turns text into a vector of the index's dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Document is a named body of text to ingest.
type Document struct {
	Name string
	Text string
}

// Ingester splits documents into fragments and embeds each one.
type Ingester struct {
	Embedder  Embedder
	ChunkSize int
	Overlap   bool
	Logger    zerolog.Logger
}

// Fragments returns the chunks of doc in order: paragraphs first, then
// sentence-packed chunks within each paragraph.
func (in *Ingester) Fragments(doc Document) []string {
	size := in.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out []string
	for _, p := range SplitParagraphs(doc.Text) {
		out = append(out, ChunkText(p, size, in.Overlap)...)
	}
	return out
}

// Records embeds every fragment of docs. Any embedding failure aborts the run.
func (in *Ingester) Records(ctx context.Context, docs []Document) ([]Record, error) {
	var recs []Record
	for _, d := range docs {
		frags := in.Fragments(d)
		for _, f := range frags {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := in.Embedder.Embed(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("embed %s: %w", d.Name, err)
			}
			recs = append(recs, Record{ID: uuid.NewString(), Embedding: vec, SourceText: f})
		}
		in.Logger.Debug().Str("event", "ingest_doc").Str("doc", d.Name).Int("fragments", len(frags)).Msg("retrieval")
	}
	return recs, nil
}

// Ingest rebuilds idx from docs. The previous contents stay visible until the
// new snapshot is complete.
func (in *Ingester) Ingest(ctx context.Context, idx *Index, docs []Document) (int, error) {
	recs, err := in.Records(ctx, docs)
	if err != nil {
		return 0, err
	}
	if err := idx.Rebuild(recs); err != nil {
		return 0, err
	}
	in.Logger.Info().Str("event", "index_rebuilt").Int("records", len(recs)).Uint64("version", idx.Version()).Msg("retrieval")
	return len(recs), nil
}

// ReadDocuments reads every .txt and .md file under dir, sorted by path.
func ReadDocuments(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		docs = append(docs, Document{Name: filepath.ToSlash(rel), Text: string(b)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}
