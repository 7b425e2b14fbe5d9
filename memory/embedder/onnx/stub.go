//go:build !onnx

package onnx

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/memory/embedder"
)

// Loader reports that local inference was not compiled in. Configure a
// remote embedding endpoint or build with -tags onnx.
func Loader(cfg Config) embedder.LocalLoader {
	return func(ctx context.Context, model string) (embedder.Backend, error) {
		return nil, goerr.New("local embeddings require the onnx build tag",
			goerr.V("model", model), goerr.V("modelPath", cfg.ForModel(model).ModelPath))
	}
}
