package pipeline

import (
	"errors"
)

var errEmptyTranscript = errors.New("empty transcript")

// TranscriptionError fails a request in the Transcribing stage.
type TranscriptionError struct{ Err error }

func (e *TranscriptionError) Error() string { return "transcription failed: " + e.Err.Error() }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// GenerationError fails a request in the Generating stage.
type GenerationError struct{ Err error }

func (e *GenerationError) Error() string { return "generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// SynthesisError fails a request in the Synthesizing stage.
type SynthesisError struct{ Err error }

func (e *SynthesisError) Error() string { return "synthesis failed: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

func IsTranscription(err error) bool {
	var e *TranscriptionError
	return errors.As(err, &e)
}

func IsGeneration(err error) bool {
	var e *GenerationError
	return errors.As(err, &e)
}

func IsSynthesis(err error) bool {
	var e *SynthesisError
	return errors.As(err, &e)
}
