// Package embedder turns text into vectors through a model-scoped cache and
// a backend chosen once at warm-up: a remote OpenAI-compatible endpoint when
// an endpoint and key are configured, otherwise a local model.
package embedder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
)

var (
	// ErrTimeout is returned when a backend call exceeds its deadline.
	ErrTimeout = errors.New("embedding timed out")

	// ErrNoBackend is returned when neither a remote endpoint nor a local
	// loader is configured.
	ErrNoBackend = errors.New("no embedding backend configured")
)

// Backend produces embeddings for one model.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
}

// LocalLoader initializes the local model backend.
type LocalLoader func(ctx context.Context, model string) (Backend, error)

// RemoteFactory builds the remote backend. Tests replace it.
type RemoteFactory func(opts RemoteOptions) Backend

// Options configures a Service.
type Options struct {
	Model      string
	Endpoint   string
	APIKey     string
	Dimensions int

	// Timeout bounds each remote call. Default 30s.
	Timeout time.Duration

	// CacheSize bounds the embedding cache. Default 100.
	CacheSize int

	Local  LocalLoader
	Remote RemoteFactory
}

// Service is the cached embedder shared by every session in the process.
type Service struct {
	opts  Options
	cache *Cache

	mu    sync.Mutex
	model string
	// gen counts model switches. Results computed under an older
	// generation are neither cached nor installed.
	gen uint64

	ready atomic.Pointer[loaded]
	group singleflight.Group
}

type loaded struct {
	backend Backend
	model   string
}

var _ memory.Embedder = (*Service)(nil)

// New creates a Service. No backend is touched until Warmup or Embed.
func New(opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	if opts.Remote == nil {
		opts.Remote = func(o RemoteOptions) Backend { return NewRemote(o) }
	}
	return &Service{
		opts:  opts,
		cache: NewCache(opts.CacheSize),
		model: opts.Model,
	}
}

// IsWarmedUp reports whether a backend is ready.
func (s *Service) IsWarmedUp() bool {
	return s.ready.Load() != nil
}

// Warmup initializes the backend once. Concurrent callers wait on the same
// in-flight initialization. A failure leaves the service cold so a later
// call retries.
func (s *Service) Warmup(ctx context.Context) error {
	_, err := s.backend(ctx)
	return err
}

func (s *Service) backend(ctx context.Context) (Backend, error) {
	if l := s.ready.Load(); l != nil {
		return l.backend, nil
	}

	v, err, _ := s.group.Do("warmup", func() (any, error) {
		if l := s.ready.Load(); l != nil {
			return l.backend, nil
		}

		logger := logging.Component(ctx, "embedder")
		for {
			gen, model := s.generation()
			start := time.Now()

			// Detached so one caller's cancellation does not fail the others.
			b, err := s.load(context.WithoutCancel(ctx), model)
			if err != nil {
				logger.Warn("embedder warm-up failed", "model", model, "error", err)
				return nil, err
			}

			s.mu.Lock()
			current := s.gen == gen
			if current {
				s.ready.Store(&loaded{backend: b, model: model})
			}
			s.mu.Unlock()

			if !current {
				logger.Debug("model switched during warm-up", "model", model)
				_ = b.Close()
				continue
			}
			logger.Info("embedder ready", "model", model, "dimensions", b.Dimensions(),
				"elapsed", time.Since(start).Round(time.Millisecond))
			return b, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(Backend), nil
}

func (s *Service) load(ctx context.Context, model string) (Backend, error) {
	if s.opts.Endpoint != "" && s.opts.APIKey != "" {
		return s.opts.Remote(RemoteOptions{
			Endpoint:   s.opts.Endpoint,
			APIKey:     s.opts.APIKey,
			Model:      model,
			Dimensions: s.opts.Dimensions,
			Timeout:    s.opts.Timeout,
		}), nil
	}
	if s.opts.Local == nil {
		return nil, ErrNoBackend
	}
	b, err := s.opts.Local(ctx, model)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load local model", goerr.V("model", model))
	}
	return b, nil
}

// Embed returns the embedding of text. Cache hits never reach the backend.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.cache.Get(text); ok {
		return append([]float32(nil), vec...), nil
	}

	gen, _ := s.generation()
	b, err := s.backend(ctx)
	if err != nil {
		return nil, err
	}

	vec, err := b.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.cache.Put(text, vec)
	}
	s.mu.Unlock()
	return append([]float32(nil), vec...), nil
}

func (s *Service) generation() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, s.model
}

// Dimensions returns the backend vector size, or the configured size
// before warm-up.
func (s *Service) Dimensions() int {
	if l := s.ready.Load(); l != nil {
		return l.backend.Dimensions()
	}
	return s.opts.Dimensions
}

// Model returns the configured model name.
func (s *Service) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel switches models. The cache is model scoped, so a change drops
// every entry and re-arms warm-up.
func (s *Service) SetModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == s.model {
		return
	}
	s.model = name
	s.gen++
	s.cache.Reset()
	if old := s.ready.Swap(nil); old != nil {
		_ = old.backend.Close()
	}
}

// CacheLen returns the number of cached embeddings.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// Close releases the backend.
func (s *Service) Close() error {
	if old := s.ready.Swap(nil); old != nil {
		return old.backend.Close()
	}
	return nil
}
