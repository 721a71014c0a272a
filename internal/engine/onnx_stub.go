//go:build !onnx

package engine

import (
	"context"

	"ai4all/pkg/types"
)

type onnxStub struct{}

// NewONNXLoader returns a loader that reports ONNX Runtime as unavailable.
func NewONNXLoader() Loader { return onnxStub{} }

func (onnxStub) Load(ctx context.Context, desc types.ModelDescriptor) (Session, error) {
	return nil, ErrDependencyUnavailable("onnx support not built; rebuild with -tags=onnx")
}
