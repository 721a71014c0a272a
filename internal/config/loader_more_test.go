package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_MalformedFiles(t *testing.T) {
	d := t.TempDir()
	cases := []struct {
		name, file, body string
	}{
		{"missing file", "", ""},
		{"bad yaml", "bad.yaml", "index_path: /x\n: broken\n"},
		{"bad duration", "dur.yaml", "retrieval_timeout: soon\n"},
		{"bad json", "bad.json", `{ "embedding_dim": }`},
		{"wrong type", "type.json", `{"embedding_dim":"big"}`},
		{"bad toml", "bad.toml", "history_dsn=\"memory\"\nlru_path\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := d + "/definitely-missing.yaml"
			if c.file != "" {
				p = writeTempFile(t, d, c.file, c.body)
			}
			if _, err := Load(p); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_RuntimeKeys(t *testing.T) {
	d := t.TempDir()
	y := writeTempFile(t, d, "rt.yaml", "runtime: llama\nruntimes:\n  embedding: onnx\n  generation: llama-server\nllama_context: 4096\nllama_threads: 6\nllama_server_url: http://127.0.0.1:8081\nllama_server_args: [\"-ngl\", \"99\"]\ntts_voice: alba\ntts_speed: 1.25\n")
	cfg, err := Load(y)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtimes["embedding"] != RuntimeONNX || cfg.Runtimes["generation"] != RuntimeLlamaServer {
		t.Fatalf("runtimes = %v", cfg.Runtimes)
	}
	if cfg.LlamaContext != 4096 || cfg.LlamaThreads != 6 || len(cfg.LlamaServerArgs) != 2 {
		t.Fatalf("llama keys: %+v", cfg)
	}
	if cfg.TTSVoice != "alba" || cfg.TTSSpeed != 1.25 {
		t.Fatalf("tts keys: voice=%q speed=%v", cfg.TTSVoice, cfg.TTSSpeed)
	}
	if err := ApplyDefaults(cfg).Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tm := writeTempFile(t, d, "rt.toml", "llama_server_bin=\"/opt/llama-server\"\nsession_idle_timeout=\"10m\"\n[runtimes]\ngeneration=\"llama-server\"\n")
	cfg, err = Load(tm)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Runtimes["generation"] != RuntimeLlamaServer || cfg.LlamaServerBin != "/opt/llama-server" || cfg.SessionIdleTimeout.D() != 10*time.Minute {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestValidate_RuntimeKeys(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"unknown kind", func(c *Config) { c.Runtimes = map[string]string{"video": "mock"} }, "unknown engine kind"},
		{"unknown per-kind runtime", func(c *Config) { c.Runtimes = map[string]string{"asr": "whisper.cpp"} }, "runtimes.asr"},
		{"server without url or bin", func(c *Config) { c.Runtimes = map[string]string{"generation": "llama-server"} }, "llama_server_url"},
		{"default server without url or bin", func(c *Config) { c.Runtime = RuntimeLlamaServer }, "llama_server_url"},
		{"negative threads", func(c *Config) { c.LlamaThreads = -1 }, "llama_threads"},
		{"negative speed", func(c *Config) { c.TTSSpeed = -0.5 }, "tts_speed"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Defaults()
			c.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected error containing %q, got %v", c.want, err)
			}
		})
	}
}

func TestApplyDefaults_RuntimeKeys(t *testing.T) {
	cfg := ApplyDefaults(Config{})
	if cfg.LlamaContext != 2048 || cfg.TTSSpeed != 1.0 {
		t.Fatalf("defaults: llama_context=%d tts_speed=%v", cfg.LlamaContext, cfg.TTSSpeed)
	}
	cfg = ApplyDefaults(Config{LlamaContext: 8192, TTSSpeed: 0.8})
	if cfg.LlamaContext != 8192 || cfg.TTSSpeed != 0.8 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}
