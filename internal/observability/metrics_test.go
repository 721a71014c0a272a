package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RegisterAndObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ai4all", reg)
	m.ObserveLoad("asr", "ok")
	m.ObserveLoad("asr", "ok")
	m.ObserveLoad("tts", "error")
	m.ObserveEviction("generation", "now")
	m.ObserveAcquireWait("asr", 5*time.Millisecond)
	m.AddBusy(1)
	m.ObserveStage("generating", time.Second)
	m.ObserveTurn("completed")
	m.AddActive(2)
	m.AddActive(-1)
	m.ObserveRejected("")
	m.ObserveRetrievalTimeout()

	if got := testutil.ToFloat64(m.LoadsTotal.WithLabelValues("asr", "ok")); got != 2 {
		t.Fatalf("loads ok=%v", got)
	}
	if got := testutil.ToFloat64(m.ActiveRequests); got != 1 {
		t.Fatalf("active=%v", got)
	}
	if got := testutil.ToFloat64(m.RejectedTotal.WithLabelValues("unspecified")); got != 1 {
		t.Fatalf("rejected=%v", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("gather: n=%d err=%v", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveLoad("asr", "ok")
	m.ObserveEviction("asr", "now")
	m.ObserveAcquireWait("asr", time.Millisecond)
	m.AddBusy(1)
	m.ObserveStage("x", time.Millisecond)
	m.ObserveTurn("failed")
	m.AddActive(1)
	m.ObserveRejected("busy")
	m.ObserveRetrievalTimeout()
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// constructing twice against fresh registries must not panic on duplicate registration
	NewMetrics("a", prometheus.NewRegistry())
	NewMetrics("a", prometheus.NewRegistry())
}
