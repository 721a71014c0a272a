package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai4all/internal/engine"
	"ai4all/pkg/types"
)

func TestAcquire_LoadsOnceAndReuses(t *testing.T) {
	p, ml, pub := newTestPool(t, Config{}, engine.MockConfig{})
	d := desc(t, "asr", types.KindASR, 1)
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(testCtx(t), d)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got := p.State("asr"); got != StateBusy {
			t.Fatalf("expected busy, got %s", got)
		}
		l.Release()
		l.Release() // idempotent
		if got := p.State("asr"); got != StateReady {
			t.Fatalf("expected ready after release, got %s", got)
		}
	}
	if ml.Loads() != 1 {
		t.Fatalf("expected 1 load, got %d", ml.Loads())
	}
	if !hasEvent(pub, "load_ready") || !hasEvent(pub, "acquire") || !hasEvent(pub, "release") {
		t.Fatalf("missing events: %v", pub.Names())
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Workers: nil}, engine.MockConfig{Tokens: []string{"a", "b"}})
	d := desc(t, "gen", types.KindGeneration, 1)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				l, err := p.Acquire(context.Background(), d)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				st, err := l.Infer(context.Background(), engine.Input{Text: "x"})
				if err == nil {
					_, _ = engine.Collect(st)
				}
				atomic.AddInt32(&inside, -1)
				l.Release()
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if p.BusyCount() != 0 {
		t.Fatalf("expected no busy handles, got %d", p.BusyCount())
	}
}

func TestAcquire_MissingWeightsLeavesUnloaded(t *testing.T) {
	p, ml, pub := newTestPool(t, Config{}, engine.MockConfig{})
	path := filepath.Join(t.TempDir(), "missing.onnx")
	d := types.ModelDescriptor{ID: "tts", Kind: types.KindTTS, Path: path}

	_, err := p.Acquire(testCtx(t), d)
	if !IsEngineLoad(err) {
		t.Fatalf("expected EngineLoadError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
	if got := p.State("tts"); got != StateUnloaded {
		t.Fatalf("expected unloaded after failed load, got %s", got)
	}
	if !hasEvent(pub, "load_error") {
		t.Fatalf("expected load_error event")
	}

	// retry after the weights appear starts a fresh load
	if err := os.WriteFile(path, []byte("w"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	l, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("retry acquire: %v", err)
	}
	l.Release()
	if ml.Loads() != 1 {
		t.Fatalf("expected one successful load, got %d", ml.Loads())
	}
}

func TestAcquire_WaitersDuringLoadShareResult(t *testing.T) {
	p, ml, _ := newTestPool(t, Config{}, engine.MockConfig{LoadDelay: 50 * time.Millisecond})
	d := desc(t, "emb", types.KindEmbedding, 1)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(testCtx(t), d)
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(time.Millisecond)
			l.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if ml.Loads() != 1 {
		t.Fatalf("expected a single load for concurrent acquirers, got %d", ml.Loads())
	}
}

func TestAcquire_LoadFailurePropagatesToWaiters(t *testing.T) {
	boom := errors.New("unsupported abi")
	p, _, _ := newTestPool(t, Config{}, engine.MockConfig{
		LoadDelay: 30 * time.Millisecond,
		LoadErr:   map[string]error{"bad": boom},
	})
	d := desc(t, "bad", types.KindGeneration, 1)
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(testCtx(t), d); IsEngineLoad(err) && errors.Is(err, boom) {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if failures.Load() != 3 {
		t.Fatalf("expected all callers to see EngineLoadError, got %d", failures.Load())
	}
	if p.State("bad") != StateUnloaded {
		t.Fatalf("expected unloaded, got %s", p.State("bad"))
	}
}

func TestAcquire_FIFOWaiters(t *testing.T) {
	p, _, _ := newTestPool(t, Config{}, engine.MockConfig{})
	d := desc(t, "gen", types.KindGeneration, 1)
	holder, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), d)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			l.Release()
		}(i)
		// make arrival order deterministic
		waitFor(t, time.Second, func() bool { return p.Status().Handles[0].Waiting == i+1 })
	}
	holder.Release()
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestAcquire_MaxWaitTooBusy(t *testing.T) {
	p, _, pub := newTestPool(t, Config{MaxWait: 30 * time.Millisecond}, engine.MockConfig{})
	d := desc(t, "gen", types.KindGeneration, 1)
	l, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()
	_, err = p.Acquire(testCtx(t), d)
	if !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	if !hasEvent(pub, "acquire_timeout") {
		t.Fatalf("expected acquire_timeout event")
	}
	if w := p.Status().Handles[0].Waiting; w != 0 {
		t.Fatalf("expected waiting back to 0, got %d", w)
	}
}

func TestAcquire_CancelWhileWaiting(t *testing.T) {
	p, _, _ := newTestPool(t, Config{}, engine.MockConfig{})
	d := desc(t, "gen", types.KindGeneration, 1)
	l, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := p.Acquire(ctx, d); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestInfer_TimeoutMarksFailedAndReinitializes(t *testing.T) {
	p, ml, pub := newTestPool(t, Config{InferTimeout: 20 * time.Millisecond}, engine.MockConfig{StepDelay: 150 * time.Millisecond})
	d := desc(t, "gen", types.KindGeneration, 1)
	l, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st, err := l.Infer(testCtx(t), engine.Input{Text: "slow"})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	_, err = st.Next()
	if !IsEngineTimeout(err) {
		t.Fatalf("expected EngineTimeoutError, got %v", err)
	}
	if _, err2 := st.Next(); !IsEngineTimeout(err2) {
		t.Fatalf("expected sticky timeout error, got %v", err2)
	}
	if p.State("gen") != StateFailed {
		t.Fatalf("expected failed, got %s", p.State("gen"))
	}
	_ = st.Close()
	l.Release()
	if p.State("gen") != StateUnloaded {
		t.Fatalf("expected unloaded after releasing failed handle, got %s", p.State("gen"))
	}
	if !hasEvent(pub, "infer_timeout") || !hasEvent(pub, "unload_failed") {
		t.Fatalf("missing events: %v", pub.Names())
	}

	ml.SetStepDelay(0)
	l2, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer l2.Release()
	if ml.Loads() != 2 {
		t.Fatalf("expected re-initialization, loads=%d", ml.Loads())
	}
	// the session of the failed handle is closed once its hung step returns
	waitFor(t, time.Second, func() bool { return ml.Closes() >= 1 })
	if n := ml.OrphanedStreams(); n != 0 {
		t.Fatalf("timed-out stream must be closed before its session, orphans=%d", n)
	}
}

func TestInfer_AfterReleaseFails(t *testing.T) {
	p, _, _ := newTestPool(t, Config{}, engine.MockConfig{})
	d := desc(t, "asr", types.KindASR, 1)
	l, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
	if _, err := l.Infer(testCtx(t), engine.Input{}); err == nil {
		t.Fatalf("expected error on released lease")
	}
}

func TestInfer_StreamsChunks(t *testing.T) {
	p, _, _ := newTestPool(t, Config{}, engine.MockConfig{Tokens: []string{"hi", "there"}})
	d := desc(t, "gen", types.KindGeneration, 1)
	l, err := p.Acquire(testCtx(t), d)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()
	st, err := l.Infer(testCtx(t), engine.Input{Text: "hello"})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	var got []string
	for {
		c, err := st.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, c.Text)
	}
	_ = st.Close()
	if len(got) != 2 || got[0] != "hi" || got[1] != " there" {
		t.Fatalf("unexpected tokens %v", got)
	}
}

func TestClose_RejectsAcquire(t *testing.T) {
	p, ml, _ := newTestPool(t, Config{}, engine.MockConfig{})
	d := desc(t, "asr", types.KindASR, 1)
	if err := p.Warm(testCtx(t), d); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Acquire(testCtx(t), d); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if ml.Closes() != 1 {
		t.Fatalf("expected session closed, got %d", ml.Closes())
	}
}
