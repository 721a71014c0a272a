package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"ai4all/pkg/types"
)

// Runtimes accepted by the runtime key.
const (
	RuntimeMock        = "mock"
	RuntimeLlama       = "llama"
	RuntimeLlamaServer = "llama-server"
	RuntimeONNX        = "onnx"
)

// Duration is a time.Duration written as "30s", "2m" and so on in every
// config format.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	Manifest  string `json:"manifest" yaml:"manifest" toml:"manifest"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Runtime   string `json:"runtime" yaml:"runtime" toml:"runtime"`
	// Runtimes overrides Runtime per engine kind, e.g. {embedding: onnx}.
	Runtimes map[string]string `json:"runtimes" yaml:"runtimes" toml:"runtimes"`

	LlamaContext    int      `json:"llama_context" yaml:"llama_context" toml:"llama_context"`
	LlamaThreads    int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaServerURL  string   `json:"llama_server_url" yaml:"llama_server_url" toml:"llama_server_url"`
	LlamaServerBin  string   `json:"llama_server_bin" yaml:"llama_server_bin" toml:"llama_server_bin"`
	LlamaServerArgs []string `json:"llama_server_args" yaml:"llama_server_args" toml:"llama_server_args"`

	TTSVoice string  `json:"tts_voice" yaml:"tts_voice" toml:"tts_voice"`
	TTSSpeed float64 `json:"tts_speed" yaml:"tts_speed" toml:"tts_speed"`

	BudgetMB          int      `json:"budget_mb" yaml:"budget_mb" toml:"budget_mb"`
	MarginMB          int      `json:"margin_mb" yaml:"margin_mb" toml:"margin_mb"`
	MaxQueueDepth     int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait           Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	LoadTimeout       Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
	InferTimeout      Duration `json:"infer_timeout" yaml:"infer_timeout" toml:"infer_timeout"`
	DrainTimeout      Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	Workers           int      `json:"workers" yaml:"workers" toml:"workers"`
	MaxActiveRequests int      `json:"max_active_requests" yaml:"max_active_requests" toml:"max_active_requests"`

	EmbeddingDim     int      `json:"embedding_dim" yaml:"embedding_dim" toml:"embedding_dim"`
	RetrievalK       int      `json:"retrieval_k" yaml:"retrieval_k" toml:"retrieval_k"`
	RetrievalTimeout Duration `json:"retrieval_timeout" yaml:"retrieval_timeout" toml:"retrieval_timeout"`
	IndexPath        string   `json:"index_path" yaml:"index_path" toml:"index_path"`

	HistoryDSN         string   `json:"history_dsn" yaml:"history_dsn" toml:"history_dsn"`
	LRUPath            string   `json:"lru_path" yaml:"lru_path" toml:"lru_path"`
	SessionIdleTimeout Duration `json:"session_idle_timeout" yaml:"session_idle_timeout" toml:"session_idle_timeout"`

	LogLevel     string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:               ":8080",
		Runtime:            RuntimeMock,
		LlamaContext:       2048,
		TTSSpeed:           1.0,
		MaxQueueDepth:      64,
		MaxWait:            Duration(30 * time.Second),
		LoadTimeout:        Duration(2 * time.Minute),
		InferTimeout:       Duration(60 * time.Second),
		DrainTimeout:       Duration(30 * time.Second),
		EmbeddingDim:       64,
		RetrievalK:         5,
		RetrievalTimeout:   Duration(250 * time.Millisecond),
		SessionIdleTimeout: Duration(30 * time.Minute),
		LogLevel:           "info",
		LogFormat:          "console",
		MaxBodyBytes:       16 << 20,
	}
}

// ApplyDefaults fills every unspecified field of cfg from Defaults.
func ApplyDefaults(cfg Config) Config {
	def := Defaults()
	str := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	num := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	dur := func(v *Duration, d Duration) {
		if *v == 0 {
			*v = d
		}
	}
	str(&cfg.Addr, def.Addr)
	str(&cfg.Runtime, def.Runtime)
	str(&cfg.LogLevel, def.LogLevel)
	str(&cfg.LogFormat, def.LogFormat)
	num(&cfg.LlamaContext, def.LlamaContext)
	num(&cfg.MaxQueueDepth, def.MaxQueueDepth)
	num(&cfg.EmbeddingDim, def.EmbeddingDim)
	num(&cfg.RetrievalK, def.RetrievalK)
	dur(&cfg.MaxWait, def.MaxWait)
	dur(&cfg.LoadTimeout, def.LoadTimeout)
	dur(&cfg.InferTimeout, def.InferTimeout)
	dur(&cfg.DrainTimeout, def.DrainTimeout)
	dur(&cfg.RetrievalTimeout, def.RetrievalTimeout)
	dur(&cfg.SessionIdleTimeout, def.SessionIdleTimeout)
	if cfg.TTSSpeed == 0 {
		cfg.TTSSpeed = def.TTSSpeed
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return cfg
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	if err := validRuntime("runtime", c.Runtime); err != nil {
		return err
	}
	usesServer := c.Runtime == RuntimeLlamaServer
	for kind, rt := range c.Runtimes {
		if !types.EngineKind(kind).Valid() {
			return fmt.Errorf("runtimes: unknown engine kind %q", kind)
		}
		if err := validRuntime("runtimes."+kind, rt); err != nil {
			return err
		}
		usesServer = usesServer || rt == RuntimeLlamaServer
	}
	if usesServer && c.LlamaServerURL == "" && c.LlamaServerBin == "" {
		return fmt.Errorf("llama-server runtime needs llama_server_url or llama_server_bin")
	}
	if c.LlamaContext < 0 || c.LlamaThreads < 0 {
		return fmt.Errorf("llama_context and llama_threads must not be negative")
	}
	if c.TTSSpeed < 0 {
		return fmt.Errorf("tts_speed must not be negative")
	}
	if c.BudgetMB < 0 || c.MarginMB < 0 {
		return fmt.Errorf("budget_mb and margin_mb must not be negative")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive")
	}
	if c.RetrievalK < 0 || c.Workers < 0 || c.MaxActiveRequests < 0 || c.MaxQueueDepth < 0 {
		return fmt.Errorf("retrieval_k, workers, max_active_requests and max_queue_depth must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log_format: unknown %q (want console or json)", c.LogFormat)
	}
	return nil
}

func validRuntime(key, name string) error {
	switch name {
	case RuntimeMock, RuntimeLlama, RuntimeLlamaServer, RuntimeONNX:
		return nil
	}
	return fmt.Errorf("%s: unknown %q (want mock, llama, llama-server or onnx)", key, name)
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := Decode(path, b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode unmarshals b into v using the decoder selected by the extension of
// name.
func Decode(name string, b []byte, v any) error {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, v)
	case ".json":
		return json.Unmarshal(b, v)
	case ".toml":
		return toml.Unmarshal(b, v)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}
