package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ai4all/internal/config"
	"ai4all/internal/daemon"
	"ai4all/internal/engine"
	"ai4all/pkg/types"
)

// writeManifest creates a weights file per model and a YAML manifest listing
// them, returning the manifest path.
func writeManifest(t *testing.T, models map[string]types.EngineKind) string {
	t.Helper()
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("models:\n")
	for id, kind := range models {
		file := id + ".onnx"
		if err := os.WriteFile(filepath.Join(dir, file), []byte("weights"), 0o644); err != nil {
			t.Fatalf("write weights %s: %v", file, err)
		}
		b.WriteString("  - id: " + id + "\n    kind: " + string(kind) + "\n    path: " + file + "\n")
	}
	p := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return p
}

func fullManifest(t *testing.T) string {
	return writeManifest(t, map[string]types.EngineKind{
		"whisper-base": types.KindASR,
		"minilm":       types.KindEmbedding,
		"qwen":         types.KindGeneration,
		"piper":        types.KindTTS,
	})
}

// newServer starts the daemon with the mock runtime behind an httptest server.
func newServer(t *testing.T, cfg config.Config, mock engine.MockConfig) (*httptest.Server, *daemon.Daemon) {
	t.Helper()
	cfg.Runtime = config.RuntimeMock
	d, err := daemon.New(context.Background(), cfg, daemon.Options{Registerer: prometheus.NewRegistry(), Mock: mock})
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return srv, d
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func parseUpdates(t *testing.T, body []byte) []types.TurnUpdate {
	t.Helper()
	var out []types.TurnUpdate
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var u types.TurnUpdate
		if err := json.Unmarshal(sc.Bytes(), &u); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		out = append(out, u)
	}
	return out
}

func last(us []types.TurnUpdate) types.TurnUpdate {
	if len(us) == 0 {
		return types.TurnUpdate{}
	}
	return us[len(us)-1]
}
