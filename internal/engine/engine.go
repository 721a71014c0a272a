// Package engine defines the boundary to native inference runtimes.
//
// A Loader turns a model descriptor into a Session; a Session produces a lazy
// Stream of output chunks per infer call. Every Stream.Next is one blocking
// native step and is treated as atomic by callers: cancellation is observed
// between steps, never inside one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"ai4all/pkg/types"
)

// Loader loads native sessions for model descriptors.
type Loader interface {
	Load(ctx context.Context, desc types.ModelDescriptor) (Session, error)
}

// Session is one loaded native model.
type Session interface {
	// Infer starts an inference and returns a lazy sequence of output chunks.
	Infer(ctx context.Context, in Input) (Stream, error)
	// Close unloads the native session.
	Close() error
}

// Stream yields output chunks. Next returns io.EOF after the last chunk.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Input is the union of inputs understood by the engine kinds.
type Input struct {
	// Text is the user text (generation prompt body, TTS text, embedding text).
	Text string
	// Audio is PCM16LE mono audio for ASR.
	Audio      []byte
	SampleRate int
	// History and Context are used by generation engines to build the prompt.
	History   []types.Turn
	Context   []string
	MaxTokens int
	// Voice and Speed are used by TTS engines.
	Voice string
	Speed float32
}

// DefaultContextSize is the llama context window used when neither the
// descriptor nor the runtime options set one.
const DefaultContextSize = 2048

// TokenBudget returns how many tokens a generation may produce. An unset
// maxTokens means no limit other than the context window.
func TokenBudget(maxTokens, ctxSize int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	if ctxSize > 0 {
		return ctxSize
	}
	return DefaultContextSize
}

// Chunk is one unit of engine output.
type Chunk struct {
	Text       string
	Audio      []byte
	SampleRate int
	Embedding  []float32
	// Final marks the last chunk of a stream when the engine knows it.
	Final bool
}

// dependencyUnavailableError signals a runtime that was not compiled in or could
// not be initialized, so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// Preflight verifies that the descriptor's weights exist before a native load.
// A missing path yields an error wrapping fs.ErrNotExist.
func Preflight(desc types.ModelDescriptor) error {
	if strings.TrimSpace(desc.Path) == "" {
		return fmt.Errorf("model %s: empty path", desc.ID)
	}
	if _, err := os.Stat(desc.Path); err != nil {
		return fmt.Errorf("model %s: %w", desc.ID, err)
	}
	return nil
}

// Collect drains a stream and closes it.
func Collect(s Stream) ([]Chunk, error) {
	defer s.Close()
	var out []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

// BuildPrompt renders history, retrieved context and the user text into a
// plain chat prompt for generation runtimes that take a single string.
func BuildPrompt(in Input) string {
	var b strings.Builder
	if len(in.Context) > 0 {
		b.WriteString("Context:\n")
		for _, c := range in.Context {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	for _, t := range in.History {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteByte('\n')
	}
	b.WriteString("user: ")
	b.WriteString(in.Text)
	b.WriteString("\nassistant:")
	return b.String()
}
