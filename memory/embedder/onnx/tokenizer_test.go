package onnx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/memory/embedder/onnx"
)

func testVocab() map[string]int64 {
	return map[string]int64{
		"[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"use": 1, "pnpm": 2, "work": 3, "##space": 4, "##s": 5, ",": 6, "go": 7,
	}
}

func TestTokenizer_Encode(t *testing.T) {
	tok := onnx.NewTokenizer(testVocab())

	ids := tok.Encode("Use PNPM workspaces, go", 128)
	assert.Equal(t, []int64{101, 1, 2, 3, 4, 5, 6, 7, 102}, ids)
}

func TestTokenizer_Unknown(t *testing.T) {
	tok := onnx.NewTokenizer(testVocab())

	ids := tok.Encode("zzz go", 128)
	assert.Equal(t, []int64{101, 100, 7, 102}, ids)
}

func TestTokenizer_Truncates(t *testing.T) {
	tok := onnx.NewTokenizer(testVocab())

	ids := tok.Encode("go go go go go go", 4)
	assert.Equal(t, []int64{101, 7, 7, 102}, ids)
}

func TestLoadTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	raw := `{"model":{"vocab":{"[CLS]":0,"[SEP]":1,"[UNK]":2,"go":3}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	tok, err := onnx.LoadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 3, 2, 1}, tok.Encode("go rust", 16))

	_, err = onnx.LoadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
