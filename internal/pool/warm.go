package pool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"ai4all/pkg/types"
)

type lruRecord struct {
	LastUsedUnix int64            `json:"last_used_unix"`
	EstMB        int              `json:"est_mb"`
	Kind         types.EngineKind `json:"kind"`
}

// Warm loads each descriptor without holding it, so the first real acquire
// finds a Ready handle.
func (p *Pool) Warm(ctx context.Context, descs ...types.ModelDescriptor) error {
	for _, d := range descs {
		lease, err := p.Acquire(ctx, d)
		if err != nil {
			return err
		}
		lease.Release()
		p.emit("warm", d, nil)
	}
	return nil
}

// WarmRecent warms up to limit descriptors from the persisted LRU file, most
// recently used first. resolve maps a model id to its current descriptor;
// ids it does not know are skipped. It returns the ids that were warmed.
func (p *Pool) WarmRecent(ctx context.Context, resolve func(id string) (types.ModelDescriptor, bool), limit int) []string {
	p.mu.Lock()
	type entry struct {
		id string
		at int64
	}
	entries := make([]entry, 0, len(p.lruMeta))
	for id, rec := range p.lruMeta {
		entries = append(entries, entry{id: id, at: rec.LastUsedUnix})
	}
	p.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at == entries[j].at {
			return entries[i].id < entries[j].id
		}
		return entries[i].at > entries[j].at
	})
	var warmed []string
	for _, e := range entries {
		if limit > 0 && len(warmed) >= limit {
			break
		}
		d, ok := resolve(e.id)
		if !ok {
			continue
		}
		if err := p.Warm(ctx, d); err != nil {
			p.log.Warn().Err(err).Str("model", e.id).Msg("warm recent")
			if IsBudgetExceeded(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		warmed = append(warmed, e.id)
	}
	return warmed
}

// touchLRULocked records h as just used. Caller holds p.mu. Releases only
// touch the in-memory table; the file is written on load, eviction, unload and
// Close.
func (p *Pool) touchLRULocked(h *Handle) {
	p.lruMeta[h.Descriptor.ID] = lruRecord{
		LastUsedUnix: h.LastUsed.Unix(),
		EstMB:        h.EstMB,
		Kind:         h.Descriptor.Kind,
	}
	p.lruDirty = true
}

func (p *Pool) loadLRUMetadata() {
	if p.lruPath == "" {
		return
	}
	f, err := os.Open(p.lruPath)
	if err != nil {
		return
	}
	defer f.Close()
	var data map[string]lruRecord
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		p.log.Warn().Err(err).Str("path", p.lruPath).Msg("ignoring unreadable lru file")
		return
	}
	p.lruMeta = data
}

// saveLRUMetadata writes the LRU table when it changed since the last write.
func (p *Pool) saveLRUMetadata() {
	if p.lruPath == "" {
		return
	}
	p.lruSaveMu.Lock()
	defer p.lruSaveMu.Unlock()
	p.mu.Lock()
	if !p.lruDirty {
		p.mu.Unlock()
		return
	}
	snap := make(map[string]lruRecord, len(p.lruMeta))
	for id, rec := range p.lruMeta {
		snap[id] = rec
	}
	p.lruDirty = false
	p.mu.Unlock()
	if err := writeLRUFile(p.lruPath, snap); err != nil {
		p.log.Warn().Err(err).Str("path", p.lruPath).Msg("save lru")
		p.mu.Lock()
		p.lruDirty = true
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.lruWrites++
	p.mu.Unlock()
}

func writeLRUFile(path string, snap map[string]lruRecord) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lru-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
