// Package retrieval is an in-memory vector index with snapshot persistence.
//
// Readers always work on an immutable snapshot; writers publish a new one.
// A query therefore observes either the index before a Rebuild or after it,
// never a mix of both.
package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied when options are unset.
const (
	DefaultK       = 5
	defaultTimeout = 250 * time.Millisecond
	// queries check for their deadline every this many records
	checkEvery = 256
)

// Metric is a distance function name.
type Metric string

const (
	Cosine Metric = "cosine"
	L2     Metric = "l2"
)

// ParseMetric maps a config value to a Metric; empty means Cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", Cosine:
		return Cosine, nil
	case L2:
		return L2, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Record is one indexed text fragment. Records are never mutated once
// inserted; a reindex replaces them.
type Record struct {
	ID         string    `json:"id"`
	Embedding  []float32 `json:"-"`
	SourceText string    `json:"text"`
}

// Hit is a query result.
type Hit struct {
	Record
	Distance float32 `json:"distance"`
}

type snapshot struct {
	records []Record
	version uint64
}

// Index stores fixed-dimension embeddings.
type Index struct {
	dim     int
	metric  Metric
	timeout time.Duration

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

// Option configures an Index.
type Option func(*Index)

// WithMetric selects the distance metric.
func WithMetric(m Metric) Option { return func(i *Index) { i.metric = m } }

// WithTimeout bounds every query.
func WithTimeout(d time.Duration) Option { return func(i *Index) { i.timeout = d } }

// New returns an empty index of dimension dim.
func New(dim int, opts ...Option) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid index dimension %d", dim)
	}
	idx := &Index{dim: dim, metric: Cosine, timeout: defaultTimeout}
	for _, o := range opts {
		o(idx)
	}
	if idx.metric != Cosine && idx.metric != L2 {
		return nil, fmt.Errorf("unknown metric %q", idx.metric)
	}
	idx.snap.Store(&snapshot{})
	return idx, nil
}

func (idx *Index) Dim() int       { return idx.dim }
func (idx *Index) Metric() Metric { return idx.metric }

// Len returns the number of records in the current snapshot.
func (idx *Index) Len() int { return len(idx.snap.Load().records) }

// Version returns the generation of the current snapshot; Rebuild bumps it.
func (idx *Index) Version() uint64 { return idx.snap.Load().version }

// Records returns the current snapshot's records in insertion order.
func (idx *Index) Records() []Record {
	recs := idx.snap.Load().records
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

func (idx *Index) check(r Record) error {
	if len(r.Embedding) != idx.dim {
		return &DimensionMismatchError{Want: idx.dim, Got: len(r.Embedding), RecordID: r.ID}
	}
	return nil
}

func cloneRecord(r Record) Record {
	r.Embedding = append([]float32(nil), r.Embedding...)
	return r
}

// Insert appends a record.
func (idx *Index) Insert(r Record) error {
	if err := idx.check(r); err != nil {
		return err
	}
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	cur := idx.snap.Load()
	// published snapshots never see past their own length, so appending into
	// spare capacity does not disturb them
	next := &snapshot{records: append(cur.records, cloneRecord(r)), version: cur.version}
	idx.snap.Store(next)
	return nil
}

// Rebuild validates records and atomically replaces the whole index with them.
// On error the current snapshot is left untouched.
func (idx *Index) Rebuild(records []Record) error {
	next := make([]Record, len(records))
	for i, r := range records {
		if err := idx.check(r); err != nil {
			return err
		}
		next[i] = cloneRecord(r)
	}
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	cur := idx.snap.Load()
	idx.snap.Store(&snapshot{records: next, version: cur.version + 1})
	return nil
}

// Query returns up to k records nearest to vec, by ascending distance with
// ties broken by insertion order. It fails with RetrievalTimeoutError when the
// index timeout (or an earlier ctx deadline) passes first.
func (idx *Index) Query(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) != idx.dim {
		return nil, &DimensionMismatchError{Want: idx.dim, Got: len(vec)}
	}
	if k <= 0 {
		return nil, nil
	}
	if idx.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, idx.timeout)
		defer cancel()
	}
	recs := idx.snap.Load().records
	dist := idx.distanceFunc(vec)
	h := make(maxHeap, 0, min(k, len(recs)))
	for i := range recs {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, idx.wrapCtxErr(err)
			}
		}
		c := candidate{dist: dist(recs[i].Embedding), seq: i}
		if len(h) < k {
			heap.Push(&h, c)
		} else if c.less(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	sort.Slice(h, func(i, j int) bool { return h[i].less(h[j]) })
	out := make([]Hit, len(h))
	for i, c := range h {
		out[i] = Hit{Record: recs[c.seq], Distance: c.dist}
	}
	return out, nil
}

func (idx *Index) wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &RetrievalTimeoutError{After: idx.timeout}
	}
	return err
}

func (idx *Index) distanceFunc(q []float32) func([]float32) float32 {
	if idx.metric == L2 {
		return func(v []float32) float32 {
			var s float64
			for i := range v {
				d := float64(v[i] - q[i])
				s += d * d
			}
			return float32(math.Sqrt(s))
		}
	}
	qn := norm(q)
	return func(v []float32) float32 {
		vn := norm(v)
		if qn == 0 || vn == 0 {
			return 1
		}
		var dot float64
		for i := range v {
			dot += float64(v[i]) * float64(q[i])
		}
		return float32(1 - dot/(qn*vn))
	}
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

type candidate struct {
	dist float32
	seq  int
}

func (c candidate) less(o candidate) bool {
	if c.dist != o.dist {
		return c.dist < o.dist
	}
	return c.seq < o.seq
}

// maxHeap keeps the worst of the current top-k at the root.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[j].less(h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
