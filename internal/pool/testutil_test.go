package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ai4all/internal/engine"
	"ai4all/pkg/types"
)

// createModelFile creates a file of approximately sizeMB megabytes and returns its path.
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	if sizeMB <= 0 {
		sizeMB = 1
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()
	block := make([]byte, 1024*1024)
	for i := 0; i < sizeMB; i++ {
		if _, err := f.Write(block); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return p
}

func desc(t *testing.T, id string, kind types.EngineKind, sizeMB int) types.ModelDescriptor {
	t.Helper()
	return types.ModelDescriptor{ID: id, Kind: kind, Path: createModelFile(t, t.TempDir(), id+".bin", sizeMB)}
}

// newTestPool builds a pool over a MockLoader and closes it on cleanup.
func newTestPool(t *testing.T, cfg Config, mock engine.MockConfig) (*Pool, *engine.MockLoader, *MemoryPublisher) {
	t.Helper()
	ml := engine.NewMockLoader(mock)
	pub := NewMemoryPublisher()
	cfg.Loader = ml
	cfg.Publisher = pub
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Second
	}
	p := New(cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p, ml, pub
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func hasEvent(pub *MemoryPublisher, name string) bool {
	for _, n := range pub.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
