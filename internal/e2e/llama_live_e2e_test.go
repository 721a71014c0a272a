package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ai4all/internal/config"
	"ai4all/internal/daemon"
	"ai4all/pkg/types"
)

// TestLlamaLive_Haiku prints a real haiku generated through the llama runtime.
// Skips unless AI4ALL_LLAMA_MODEL points to a .gguf file and the binary was
// built with -tags=llama.
func TestLlamaLive_Haiku(t *testing.T) {
	model := strings.TrimSpace(os.Getenv("AI4ALL_LLAMA_MODEL"))
	if model == "" {
		t.Skip("AI4ALL_LLAMA_MODEL not set; skipping live llama test")
	}
	if _, err := os.Stat(model); err != nil {
		t.Skipf("model %s not readable: %v", model, err)
	}
	dir := t.TempDir()
	manifest := dir + "/models.json"
	b, _ := json.Marshal(map[string]any{"models": []types.ModelDescriptor{{ID: "live", Kind: types.KindGeneration, Path: model}}})
	if err := os.WriteFile(manifest, b, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfg := config.Config{
		Manifest:     manifest,
		Runtime:      config.RuntimeLlama,
		LoadTimeout:  config.Duration(2 * time.Minute),
		InferTimeout: config.Duration(2 * time.Minute),
	}
	d, err := daemon.New(context.Background(), cfg, daemon.Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})

	resp, body := httpPostJSON(t, srv.URL+"/v1/sessions/live/turns", []byte(`{"text":"Write a 3-line haiku about the ocean.","max_tokens":128}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn status=%d body=%s", resp.StatusCode, string(body))
	}
	ups := parseUpdates(t, body)
	if l := last(ups); l.State != "completed" {
		if strings.Contains(l.Error, "rebuild with -tags=llama") {
			t.Skip("llama support not built; skipping")
		}
		t.Fatalf("turn did not complete: %+v", l)
	}
	var sb strings.Builder
	for _, u := range ups {
		if u.Type == types.UpdateToken {
			sb.WriteString(u.Text)
		}
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		t.Fatalf("expected non-empty haiku content")
	}
	t.Logf("\n----- GENERATED HAIKU (llama runtime) -----\n%s\n-------------------------------------------\n", content)
}
