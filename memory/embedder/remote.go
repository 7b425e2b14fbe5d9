package embedder

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// RemoteOptions configures a Remote backend.
type RemoteOptions struct {
	Endpoint   string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// Remote embeds through an OpenAI-compatible /embeddings endpoint.
// Calls are not retried here.
type Remote struct {
	client  openai.Client
	model   string
	dims    int
	timeout time.Duration
}

// NewRemote creates a Remote backend.
func NewRemote(opts RemoteOptions) *Remote {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := openai.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(opts.Endpoint),
		option.WithMaxRetries(0),
	)
	return &Remote{
		client:  client,
		model:   opts.Model,
		dims:    opts.Dimensions,
		timeout: opts.Timeout,
	}
}

// Embed requests one embedding under the configured hard timeout.
func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(r.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},

		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if r.dims > 0 {
		params.Dimensions = openai.Int(int64(r.dims))
	}

	resp, err := r.client.Embeddings.New(ctx, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, goerr.Wrap(ErrTimeout, "embedding request timed out",
				goerr.V("model", r.model), goerr.V("timeout", r.timeout.String()))
		}
		return nil, goerr.Wrap(err, "embedding request failed", goerr.V("model", r.model))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.New("embedding response is empty", goerr.V("model", r.model))
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the requested vector size.
func (r *Remote) Dimensions() int {
	return r.dims
}

// Close is a no-op; the HTTP client is shared.
func (r *Remote) Close() error {
	return nil
}
