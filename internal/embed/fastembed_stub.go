//go:build !fastembed

package embed

import (
	"context"
	"fmt"
)

// NewFastEmbedder is unavailable without the fastembed build tag; the ONNX
// runtime dependency stays out of default builds.
func NewFastEmbedder(context.Context, string, string, int) (Embedder, error) {
	return nil, fmt.Errorf("fastembed support not compiled in; rebuild with -tags fastembed")
}
