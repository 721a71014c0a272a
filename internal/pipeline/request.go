package pipeline

import (
	"ai4all/pkg/types"
)

// State of a request in the pipeline.
//
//	queued → transcribing → retrieving → generating → synthesizing → completed
//	   └──────────────┴─────────────┴─────────────┴──→ cancelled | failed
//
// Transcribing runs only for audio input and Synthesizing only for audio output.
type State string

const (
	StateQueued       State = "queued"
	StateTranscribing State = "transcribing"
	StateRetrieving   State = "retrieving"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Input is the user side of one turn: text, or PCM16LE mono audio.
type Input struct {
	Text       string
	Audio      []byte
	SampleRate int
	MaxTokens  int
}

// Modality is audio when the input carries audio, text otherwise.
func (in Input) Modality() types.Modality {
	if len(in.Audio) > 0 {
		return types.ModalityAudio
	}
	return types.ModalityText
}

// Request is one user turn. Cancellation is carried by the context passed
// to Run.
type Request struct {
	ID        string
	SessionID string
	Input     Input
	// Output modality; empty means the same as the input.
	Output types.Modality
}

// Result is the outcome of a finished request.
type Result struct {
	RequestID  string
	State      State
	Err        error
	Transcript string
	Reply      string
	Context    []string
	Warnings   []string
	// Turns appended to the session; empty unless State is completed.
	Turns []types.Turn
}
