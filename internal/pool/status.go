package pool

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"ai4all/pkg/types"
)

// Status returns a snapshot of every handle and the memory accounting.
func (p *Pool) Status() types.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := types.PoolStatus{
		Handles:        make([]types.HandleStatus, 0, len(p.handles)),
		BudgetMB:       p.budgetMB,
		UsedMB:         p.usedMB,
		MarginMB:       p.marginMB,
		LoadsTotal:     p.loadsTotal,
		EvictionsTotal: p.evictionsTotal,
	}
	for _, h := range p.handles {
		st.Handles = append(st.Handles, types.HandleStatus{
			ModelID:      h.Descriptor.ID,
			Kind:         h.Descriptor.Kind,
			State:        string(h.State),
			LastUsed:     h.LastUsed.Unix(),
			EstMB:        h.EstMB,
			Waiting:      h.waiting,
			EvictPending: h.evictPending,
		})
	}
	sort.Slice(st.Handles, func(i, j int) bool { return st.Handles[i].ModelID < st.Handles[j].ModelID })
	return st
}

// estimateMB approximates a model's memory footprint from the size of its
// weights (a file or a model directory), rounded up to whole MB.
func estimateMB(desc types.ModelDescriptor) int {
	fi, err := os.Stat(desc.Path)
	if err != nil {
		return 0
	}
	size := fi.Size()
	if fi.IsDir() {
		size = 0
		_ = filepath.WalkDir(desc.Path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
			return nil
		})
	}
	const mb = 1 << 20
	n := int((size + mb - 1) / mb)
	if n < 1 {
		n = 1
	}
	return n
}
