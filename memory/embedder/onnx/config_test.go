package onnx_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/becomeliminal/codemem/memory/embedder/onnx"
)

func TestConfig_ForModel(t *testing.T) {
	base := onnx.Config{ModelPath: "/models/default.onnx", TokenizerPath: "/models/tokenizer.json"}
	assert.Equal(t, base, base.ForModel("mpnet"))

	withDir := base
	withDir.ModelDir = "/models"
	mini := withDir.ForModel("all-MiniLM-L6-v2")
	mpnet := withDir.ForModel("all-mpnet-base-v2")

	assert.Equal(t, filepath.Join("/models", "all-MiniLM-L6-v2", "model.onnx"), mini.ModelPath)
	assert.Equal(t, filepath.Join("/models", "all-MiniLM-L6-v2", "tokenizer.json"), mini.TokenizerPath)
	assert.NotEqual(t, mini.ModelPath, mpnet.ModelPath)
	assert.Equal(t, base.ModelPath, withDir.ForModel("").ModelPath)
}
