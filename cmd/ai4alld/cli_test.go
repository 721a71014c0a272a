package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ai4all/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func runCLI(t *testing.T, o *cliOptions, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmdWith(o)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestResolveConfig_FlagsOverrideFile(t *testing.T) {
	d := t.TempDir()
	p := writeFile(t, d, "cfg.yaml", "addr: :7000\nruntime: llama\nbudget_mb: 100\ncors_origins: [\"http://a\"]\n")
	cfg, err := resolveConfig(&cliOptions{configPath: p, addr: ":9000", corsOrigins: "http://b, http://c"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Runtime != config.RuntimeLlama || cfg.BudgetMB != 100 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "http://b" {
		t.Fatalf("cors origins: %v", cfg.CORSOrigins)
	}
	if cfg.RetrievalK != 5 || cfg.LogFormat != "console" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestResolveConfig_Errors(t *testing.T) {
	if _, err := resolveConfig(&cliOptions{configPath: "/nope/ai4all.yaml"}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
	if _, err := resolveConfig(&cliOptions{runtime: "tensorrt"}); err == nil {
		t.Fatalf("expected error for unknown runtime")
	}
	if _, err := resolveConfig(&cliOptions{logLevel: "loud"}); err == nil {
		t.Fatalf("expected error for bad log level")
	}
}

func TestDefaultOptions_Env(t *testing.T) {
	t.Setenv("AI4ALL_ADDR", ":1234")
	t.Setenv("AI4ALL_BUDGET_MB", "2048")
	t.Setenv("AI4ALL_TURN_TIMEOUT", "90s")
	t.Setenv("AI4ALL_WORKERS", "not-a-number")
	o := defaultOptions()
	if o.addr != ":1234" || o.budgetMB != 2048 || o.turnTimeout != 90*time.Second || o.workers != 0 {
		t.Fatalf("unexpected options: %+v", o)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("event", "x").Msg("shown")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %q", buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if m["message"] != "shown" || m["service"] != "ai4alld" || m["event"] != "x" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, err := newLogger(&buf, "loud", "json"); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, &cliOptions{runtime: "bogus"}, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "ai4alld dev") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestModelsCmd(t *testing.T) {
	d := t.TempDir()
	mp := writeFile(t, d, "models.yaml", "models:\n  - id: qwen\n    kind: generation\n    path: qwen.gguf\n    quantization: int4\n  - id: whisper\n    kind: asr\n    path: whisper.onnx\n")
	out, err := runCLI(t, &cliOptions{manifest: mp, logLevel: "error"}, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	for _, want := range []string{"ID", "qwen", "generation", "int4", "whisper", "asr"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestIndexBuildAndQuery(t *testing.T) {
	d := t.TempDir()
	writeFile(t, d, "embed.onnx", "weights")
	mp := writeFile(t, d, "models.yaml", "models:\n  - id: minilm\n    kind: embedding\n    path: embed.onnx\n")
	docs := filepath.Join(d, "docs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, docs, "france.txt", "Paris is the capital of France.")
	writeFile(t, docs, "italy.md", "Rome is the capital of Italy.")
	o := func() *cliOptions {
		return &cliOptions{manifest: mp, indexPath: filepath.Join(d, "index.db"), logLevel: "error"}
	}

	out, err := runCLI(t, o(), "index", "build", docs)
	if err != nil {
		t.Fatalf("index build: %v", err)
	}
	if !strings.Contains(out, "indexed 2 fragments") {
		t.Fatalf("unexpected build output %q", out)
	}

	out, err = runCLI(t, o(), "index", "query", "-k", "1", "Rome is the capital of Italy.")
	if err != nil {
		t.Fatalf("index query: %v", err)
	}
	if !strings.Contains(out, "Rome") || strings.Contains(out, "Paris") {
		t.Fatalf("unexpected query output %q", out)
	}
}

func TestIndexBuild_NeedsPath(t *testing.T) {
	if _, err := runCLI(t, &cliOptions{logLevel: "error"}, "index", "build", t.TempDir()); err == nil {
		t.Fatalf("expected error without index path")
	}
	if _, err := runCLI(t, &cliOptions{logLevel: "error"}, "index"); err == nil {
		t.Fatalf("expected error without subcommand")
	}
}
