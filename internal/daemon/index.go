package daemon

import (
	"context"
	"fmt"

	"ai4all/internal/common/fsutil"
	"ai4all/internal/retrieval"
)

// BuildIndex ingests every document under dir into the live index and saves
// the snapshot to index_path when one is configured.
func (d *Daemon) BuildIndex(ctx context.Context, dir string, chunkSize int, overlap bool) (int, error) {
	emb, err := d.Embedder()
	if err != nil {
		return 0, err
	}
	docs, err := retrieval.ReadDocuments(dir)
	if err != nil {
		return 0, fmt.Errorf("read documents: %w", err)
	}
	in := &retrieval.Ingester{
		Embedder:  emb,
		ChunkSize: chunkSize,
		Overlap:   overlap,
		Logger:    d.log,
	}
	n, err := in.Ingest(ctx, d.Index, docs)
	if err != nil {
		return 0, err
	}
	if d.cfg.IndexPath == "" {
		return n, nil
	}
	if err := fsutil.EnsureParent(d.cfg.IndexPath); err != nil {
		return n, err
	}
	if err := d.Index.SaveSnapshot(d.cfg.IndexPath); err != nil {
		return n, err
	}
	d.log.Info().Str("event", "snapshot_saved").Str("path", d.cfg.IndexPath).Int("records", n).Msg("retrieval")
	return n, nil
}

// QueryIndex embeds text and returns its k nearest fragments.
func (d *Daemon) QueryIndex(ctx context.Context, text string, k int) ([]retrieval.Hit, error) {
	emb, err := d.Embedder()
	if err != nil {
		return nil, err
	}
	vec, err := emb.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = d.cfg.RetrievalK
	}
	return d.Index.Query(ctx, vec, k)
}
