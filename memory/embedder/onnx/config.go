// Package onnx embeds text locally with an ONNX sentence-transformer model
// (all-MiniLM-L6-v2 by default). Inference needs the onnx build tag and the
// onnxruntime shared library; the tokenizer is pure Go.
package onnx

import "path/filepath"

// maxSequence is the MiniLM input length in tokens.
const maxSequence = 128

// Config configures the ONNX embedder.
type Config struct {
	// ModelPath is the ONNX model file.
	ModelPath string

	// TokenizerPath is the tokenizer.json file.
	TokenizerPath string

	// RuntimePath is the onnxruntime shared library. Empty uses the
	// library's default search.
	RuntimePath string

	// ModelDir holds one directory per model name, each with model.onnx
	// and tokenizer.json. When set it takes precedence over ModelPath and
	// TokenizerPath for named models.
	ModelDir string

	// Dimensions is the embedding vector size. Default 384.
	Dimensions int
}

// ForModel returns the configuration that loads model.
func (c Config) ForModel(model string) Config {
	if c.ModelDir == "" || model == "" {
		return c
	}
	dir := filepath.Join(c.ModelDir, filepath.Base(model))
	c.ModelPath = filepath.Join(dir, "model.onnx")
	c.TokenizerPath = filepath.Join(dir, "tokenizer.json")
	return c
}

func (c Config) withDefaults() Config {
	if c.Dimensions <= 0 {
		c.Dimensions = 384
	}
	return c
}
