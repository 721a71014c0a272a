//go:build !llama

package engine

import (
	"context"

	"ai4all/pkg/types"
)

// llamaBuilt is false in builds without the llama tag.
var llamaBuilt = false

type llamaStub struct{}

// NewLlamaLoader returns a loader that reports llama.cpp as unavailable.
func NewLlamaLoader(ctxSize, threads int) Loader { return llamaStub{} }

func (llamaStub) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	return nil, ErrDependencyUnavailable("llama support not built; rebuild with -tags=llama")
}
