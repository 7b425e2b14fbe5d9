//go:build onnx

package onnx

import (
	"context"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory/embedder"
)

var initMu sync.Mutex

// Embedder runs a sentence-transformer ONNX model with mean pooling.
type Embedder struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
}

var _ embedder.Backend = (*Embedder)(nil)

// Loader returns an embedder.LocalLoader over this package.
func Loader(cfg Config) embedder.LocalLoader {
	return func(ctx context.Context, model string) (embedder.Backend, error) {
		return New(ctx, cfg.ForModel(model))
	}
}

// New loads the model and tokenizer.
func New(ctx context.Context, cfg Config) (*Embedder, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, goerr.New("onnx model path is required")
	}

	if err := initRuntime(cfg.RuntimePath); err != nil {
		return nil, err
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create onnx session", goerr.V("model", cfg.ModelPath))
	}

	logging.Component(ctx, "embedder").Info("onnx model loaded",
		"model", cfg.ModelPath, "dimensions", cfg.Dimensions)

	return &Embedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
	}, nil
}

func initRuntime(libPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return goerr.Wrap(err, "failed to initialize onnx runtime", goerr.V("lib", libPath))
	}
	return nil
}

// Embed converts text to a unit-length embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := e.tokenizer.Encode(text, maxSequence)
	inputIDs := make([]int64, maxSequence)
	mask := make([]int64, maxSequence)
	typeIDs := make([]int64, maxSequence)
	copy(inputIDs, ids)
	for i := range ids {
		mask[i] = 1
	}

	shape := ort.NewShape(1, maxSequence)
	var inputs []ort.Value
	for _, data := range [][]int64{inputIDs, mask, typeIDs} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create input tensor")
		}
		defer tensor.Destroy()
		inputs = append(inputs, tensor)
	}

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err := e.session.Run(inputs, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, goerr.Wrap(err, "onnx inference failed")
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, goerr.New("unexpected onnx output type")
	}
	return pool(out.GetData(), out.GetShape(), int64(len(ids)), e.dimensions)
}

// pool mean-pools [1, seq, hidden] over the first attended tokens, or
// passes an already pooled [1, hidden] through, then normalizes.
func pool(data []float32, shape ort.Shape, attended int64, dims int) ([]float32, error) {
	vec := make([]float32, dims)
	switch len(shape) {
	case 2:
		if len(data) < dims {
			return nil, goerr.New("output dimension mismatch", goerr.V("got", len(data)), goerr.V("want", dims))
		}
		copy(vec, data[:dims])
	case 3:
		if shape[0] != 1 || shape[2] != int64(dims) {
			return nil, goerr.New("unexpected output shape", goerr.V("shape", []int64(shape)))
		}
		hidden := int(shape[2])
		for i := 0; i < int(attended); i++ {
			row := data[i*hidden : (i+1)*hidden]
			for j, v := range row {
				vec[j] += v
			}
		}
		for j := range vec {
			vec[j] /= float32(attended)
		}
	default:
		return nil, goerr.New("unexpected output shape", goerr.V("shape", []int64(shape)))
	}
	return normalize(vec), nil
}

func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session.
func (e *Embedder) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
