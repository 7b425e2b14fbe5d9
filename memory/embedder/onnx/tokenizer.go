package onnx

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
)

// Tokenizer is a lowercase BERT WordPiece tokenizer driven by the vocab in
// a Hugging Face tokenizer.json.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads the vocab from tokenizer.json at path.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read tokenizer", goerr.V("path", path))
	}

	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, goerr.Wrap(err, "failed to parse tokenizer", goerr.V("path", path))
	}
	if len(file.Model.Vocab) == 0 {
		return nil, goerr.New("tokenizer vocab is empty", goerr.V("path", path))
	}
	return NewTokenizer(file.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer over vocab. Special token ids fall back
// to the bert-base-uncased values when absent.
func NewTokenizer(vocab map[string]int64) *Tokenizer {
	special := func(token string, fallback int64) int64 {
		if id, ok := vocab[token]; ok {
			return id
		}
		return fallback
	}
	return &Tokenizer{
		vocab: vocab,
		cls:   special("[CLS]", 101),
		sep:   special("[SEP]", 102),
		unk:   special("[UNK]", 100),
	}
}

// Encode returns [CLS] tokens [SEP], truncated to maxLen ids.
func (t *Tokenizer) Encode(text string, maxLen int) []int64 {
	ids := []int64{t.cls}
	for _, word := range splitWords(strings.ToLower(text)) {
		for _, id := range t.wordPiece(word) {
			if len(ids) >= maxLen-1 {
				return append(ids, t.sep)
			}
			ids = append(ids, id)
		}
	}
	return append(ids, t.sep)
}

// wordPiece splits word greedily into the longest vocab pieces.
func (t *Tokenizer) wordPiece(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var pieces []int64
	runes := []rune(word)
	for start := 0; start < len(runes); {
		end := len(runes)
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				pieces = append(pieces, id)
				break
			}
		}
		if end == start {
			// No piece matches; the whole word is unknown.
			return []int64{t.unk}
		}
		start = end
	}
	return pieces
}

// splitWords splits on whitespace and isolates punctuation as BERT's basic
// tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
