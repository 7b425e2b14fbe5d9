package embedder_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/memory/embedder"
	"github.com/becomeliminal/codemem/memory/embedder/mock"
)

// countingBackend wraps the mock embedder and counts backend calls.
type countingBackend struct {
	inner *mock.Embedder
	calls atomic.Int64
}

func (b *countingBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	b.calls.Add(1)
	return b.inner.Embed(ctx, text)
}

func (b *countingBackend) Dimensions() int { return b.inner.Dimensions() }
func (b *countingBackend) Close() error    { return nil }

func localService(t *testing.T, opts embedder.Options) (*embedder.Service, *countingBackend, *atomic.Int64) {
	t.Helper()
	backend := &countingBackend{inner: mock.New()}
	var loads atomic.Int64
	opts.Local = func(ctx context.Context, model string) (embedder.Backend, error) {
		loads.Add(1)
		return backend, nil
	}
	return embedder.New(opts), backend, &loads
}

func TestService_CacheHitSkipsBackend(t *testing.T) {
	ctx := context.Background()
	svc, backend, _ := localService(t, embedder.Options{Model: "mini"})

	first, err := svc.Embed(ctx, "prefers table-driven tests")
	require.NoError(t, err)
	second, err := svc.Embed(ctx, "prefers table-driven tests")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), backend.calls.Load())
	assert.True(t, svc.IsWarmedUp())
}

func TestService_WarmupCoalesces(t *testing.T) {
	release := make(chan struct{})
	var loads atomic.Int64
	svc := embedder.New(embedder.Options{
		Local: func(ctx context.Context, model string) (embedder.Backend, error) {
			loads.Add(1)
			<-release
			return &countingBackend{inner: mock.New()}, nil
		},
	})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Warmup(context.Background())
		}()
	}

	// Let every caller reach the in-flight warm-up before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), loads.Load())
	require.NoError(t, svc.Warmup(context.Background()))
	assert.Equal(t, int64(1), loads.Load())
}

func TestService_WarmupFailureRearms(t *testing.T) {
	var attempts atomic.Int64
	svc := embedder.New(embedder.Options{
		Local: func(ctx context.Context, model string) (embedder.Backend, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("model file missing")
			}
			return &countingBackend{inner: mock.New()}, nil
		},
	})

	require.Error(t, svc.Warmup(context.Background()))
	assert.False(t, svc.IsWarmedUp())

	require.NoError(t, svc.Warmup(context.Background()))
	assert.True(t, svc.IsWarmedUp())
	assert.Equal(t, int64(2), attempts.Load())
}

func TestService_SetModelInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc, backend, loads := localService(t, embedder.Options{Model: "mini"})

	_, err := svc.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.CacheLen())

	svc.SetModel("mini")
	assert.Equal(t, 1, svc.CacheLen())

	svc.SetModel("mpnet")
	assert.Equal(t, 0, svc.CacheLen())
	assert.Equal(t, "mpnet", svc.Model())
	assert.False(t, svc.IsWarmedUp())

	_, err = svc.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.calls.Load())
	assert.Equal(t, int64(2), loads.Load())
}

// fixedBackend returns vec for every text. With a gate, Embed signals
// entered and waits for the gate to close.
type fixedBackend struct {
	vec     []float32
	calls   atomic.Int64
	entered chan struct{}
	gate    chan struct{}
}

func (b *fixedBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	b.calls.Add(1)
	if b.gate != nil {
		close(b.entered)
		<-b.gate
	}
	return b.vec, nil
}

func (b *fixedBackend) Dimensions() int { return len(b.vec) }
func (b *fixedBackend) Close() error    { return nil }

func TestService_InFlightEmbedNotCachedAcrossModelSwitch(t *testing.T) {
	ctx := context.Background()
	mini := &fixedBackend{vec: []float32{1, 0}, entered: make(chan struct{}), gate: make(chan struct{})}
	mpnet := &fixedBackend{vec: []float32{0, 1}}
	svc := embedder.New(embedder.Options{
		Model: "mini",
		Local: func(ctx context.Context, model string) (embedder.Backend, error) {
			if model == "mpnet" {
				return mpnet, nil
			}
			return mini, nil
		},
	})

	done := make(chan []float32, 1)
	go func() {
		vec, err := svc.Embed(ctx, "x")
		assert.NoError(t, err)
		done <- vec
	}()

	<-mini.entered
	svc.SetModel("mpnet")
	close(mini.gate)
	assert.Equal(t, []float32{1, 0}, <-done)
	assert.Equal(t, 0, svc.CacheLen())

	vec, err := svc.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
	assert.Equal(t, int64(1), mpnet.calls.Load())
}

func TestService_WarmupDuringModelSwitchLoadsNewModel(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	gate := make(chan struct{})
	var loaded []string
	var mu sync.Mutex
	svc := embedder.New(embedder.Options{
		Model: "mini",
		Local: func(ctx context.Context, model string) (embedder.Backend, error) {
			mu.Lock()
			loaded = append(loaded, model)
			first := len(loaded) == 1
			mu.Unlock()
			if first {
				close(entered)
				<-gate
				return &fixedBackend{vec: []float32{1, 0}}, nil
			}
			return &fixedBackend{vec: []float32{0, 1}}, nil
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- svc.Warmup(ctx) }()

	<-entered
	svc.SetModel("mpnet")
	close(gate)
	require.NoError(t, <-errc)

	vec, err := svc.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
	mu.Lock()
	assert.Equal(t, []string{"mini", "mpnet"}, loaded)
	mu.Unlock()
}

func TestService_NoBackend(t *testing.T) {
	svc := embedder.New(embedder.Options{})
	_, err := svc.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, embedder.ErrNoBackend)
}

func TestService_RemoteSelectedWithEndpointAndKey(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"mini","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25,0.125]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	var localLoads atomic.Int64
	svc := embedder.New(embedder.Options{
		Model:      "mini",
		Endpoint:   srv.URL,
		APIKey:     "sk-test",
		Dimensions: 3,
		Local: func(ctx context.Context, model string) (embedder.Backend, error) {
			localLoads.Add(1)
			return nil, errors.New("unused")
		},
	})

	vec, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 0.125}, vec)

	_, err = svc.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(0), localLoads.Load())
}

func TestRemote_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	remote := embedder.NewRemote(embedder.RemoteOptions{
		Endpoint: srv.URL,
		APIKey:   "sk-test",
		Model:    "mini",
		Timeout:  50 * time.Millisecond,
	})

	_, err := remote.Embed(context.Background(), "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, embedder.ErrTimeout)
}

func TestRemote_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	remote := embedder.NewRemote(embedder.RemoteOptions{
		Endpoint: srv.URL,
		APIKey:   "sk-bad",
		Model:    "mini",
		Timeout:  time.Second,
	})

	_, err := remote.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, embedder.ErrTimeout)
}
