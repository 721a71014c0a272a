package types

import "time"

// EngineKind identifies which kind of native runtime a model is loaded into.
type EngineKind string

const (
	KindGeneration EngineKind = "generation"
	KindASR        EngineKind = "asr"
	KindTTS        EngineKind = "tts"
	KindEmbedding  EngineKind = "embedding"
)

// Valid reports whether k is one of the known engine kinds.
func (k EngineKind) Valid() bool {
	switch k {
	case KindGeneration, KindASR, KindTTS, KindEmbedding:
		return true
	}
	return false
}

// ModelDescriptor describes one installed model as listed in the manifest.
// Descriptors are immutable once a handle has been loaded from them.
type ModelDescriptor struct {
	// Unique model identifier.
	// example: qwen2.5-0.5b-int4
	ID string `json:"id" yaml:"id" toml:"id" example:"qwen2.5-0.5b-int4"`
	// Engine kind: generation, asr, tts or embedding.
	// example: generation
	Kind EngineKind `json:"kind" yaml:"kind" toml:"kind" example:"generation"`
	// Absolute path of the weights file or model directory.
	// example: /data/models/qwen2.5-0.5b-int4.onnx
	Path string `json:"path" yaml:"path" toml:"path" example:"/data/models/qwen2.5-0.5b-int4.onnx"`
	// Quantization label (informational).
	// example: int4
	Quantization string `json:"quantization,omitempty" yaml:"quantization" toml:"quantization" example:"int4"`
	// Context window in tokens; embedding models use it as their vector dimension hint.
	// example: 4096
	ContextWindow int `json:"context_window,omitempty" yaml:"context_window" toml:"context_window" example:"4096"`
}

// Role of a turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Modality of a turn payload.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// Turn is one exchange within a conversation. Immutable once appended to history.
type Turn struct {
	Role     Role     `json:"role"`
	Modality Modality `json:"modality"`
	// Text payload; for audio turns this holds the transcript or spoken text.
	Text string `json:"text"`
	// Raw PCM16LE audio payload for audio turns (base64 in JSON).
	Audio     []byte    `json:"audio,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnRequest is the payload of POST /v1/sessions/{id}/turns.
type TurnRequest struct {
	// User text. Mutually exclusive with audio_base64.
	// example: What is the capital of France?
	Text string `json:"text,omitempty" example:"What is the capital of France?"`
	// Base64 PCM16LE mono audio. Mutually exclusive with text.
	AudioBase64 string `json:"audio_base64,omitempty"`
	// Sample rate of the audio payload (default 16000).
	// example: 16000
	SampleRate int `json:"sample_rate,omitempty" example:"16000"`
	// Output modality: text or audio. Defaults to the input modality.
	// example: audio
	Output Modality `json:"output,omitempty" example:"audio"`
	// Maximum number of tokens to generate.
	// example: 256
	MaxTokens int `json:"max_tokens,omitempty" example:"256"`
}

// Update types streamed back while a turn runs.
const (
	UpdateAccepted = "accepted"
	UpdateState    = "state"
	UpdateToken    = "token"
	UpdateAudio    = "audio"
	UpdateWarning  = "warning"
	UpdateTurn     = "turn"
	UpdateDone     = "done"
	UpdateError    = "error"
)

// TurnUpdate is one NDJSON line (or websocket message) of a running turn.
type TurnUpdate struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	// Pipeline state for type=state and the terminal state for type=done.
	State string `json:"state,omitempty"`
	// Token text for type=token, warning text for type=warning.
	Text string `json:"text,omitempty"`
	// Audio chunk for type=audio.
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Last       bool   `json:"last,omitempty"`
	// Appended turn for type=turn.
	Turn *Turn `json:"turn,omitempty"`
	// Error message for type=error and failed done updates.
	Error string `json:"error,omitempty"`
	// HTTP-equivalent status of an error update.
	Code int `json:"code,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Installed models from the manifest.
	Models []ModelDescriptor `json:"models"`
}

// HistoryResponse is returned by GET /v1/sessions/{id}/history.
type HistoryResponse struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

// CancelResponse is returned by POST /v1/requests/{id}/cancel.
type CancelResponse struct {
	RequestID string `json:"request_id"`
	Cancelled bool   `json:"cancelled"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: session busy: s1
	Error string `json:"error" example:"session busy: s1"`
	// HTTP status code.
	// example: 409
	Code int `json:"code" example:"409"`
}

// HandleStatus summarizes one engine handle for /status.
type HandleStatus struct {
	// ID of the model this handle serves.
	// example: whisper-base
	ModelID string `json:"model_id" example:"whisper-base"`
	// Engine kind of the model.
	// example: asr
	Kind EngineKind `json:"kind" example:"asr"`
	// Lifecycle state: loading, ready, busy, failed, unloading.
	// example: ready
	State string `json:"state" example:"ready"`
	// Last time this handle was released (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated memory footprint in MB.
	// example: 150
	EstMB int `json:"est_mb" example:"150"`
	// Callers waiting to acquire this handle.
	// example: 0
	Waiting int `json:"waiting" example:"0"`
	// Marked for eviction once the current holder releases it.
	EvictPending bool `json:"evict_pending,omitempty"`
}

// PoolStatus summarizes the session pool.
type PoolStatus struct {
	Handles []HandleStatus `json:"handles"`
	// Memory budget in MB across all handles (0 = unlimited).
	// example: 4096
	BudgetMB int `json:"budget_mb" example:"4096"`
	// Estimated MB in use.
	// example: 1024
	UsedMB int `json:"used_est_mb" example:"1024"`
	// Reserved MB margin.
	// example: 256
	MarginMB int `json:"margin_mb" example:"256"`
	// Total number of native loads.
	// example: 4
	LoadsTotal uint64 `json:"loads_total" example:"4"`
	// Total number of evictions.
	// example: 1
	EvictionsTotal uint64 `json:"evictions_total" example:"1"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Pool PoolStatus `json:"pool"`
	// Turns currently in flight.
	// example: 1
	ActiveRequests int `json:"active_requests" example:"1"`
	// Records in the retrieval index.
	// example: 120
	IndexRecords int `json:"index_records" example:"120"`
	// Retrieval index snapshot version.
	// example: 3
	IndexVersion uint64 `json:"index_version" example:"3"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
