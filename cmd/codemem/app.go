package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/capture"
	"github.com/becomeliminal/codemem/config"
	"github.com/becomeliminal/codemem/extraction"
	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
	"github.com/becomeliminal/codemem/memory/embedder"
	"github.com/becomeliminal/codemem/memory/embedder/onnx"
	"github.com/becomeliminal/codemem/memory/store/chromem"
	"github.com/becomeliminal/codemem/memory/store/pgvector"
	"github.com/becomeliminal/codemem/server"
	"github.com/becomeliminal/codemem/userprofile"
)

// app holds the constructed services of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	embedder *embedder.Service
	engine   *memory.Engine
	capture  *capture.Service
	hub      *server.Hub
	learner  *userprofile.Learner
	profiles *userprofile.Store

	tags        capture.Tags
	attribution memory.Attribution

	closers []func() error
}

// build constructs config, logger, store, embedder, engine and capture in
// that order. close releases them in reverse.
func build(ctx context.Context, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	opts.override(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Log.Level, os.Stderr)
	logging.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger}

	a.identity(opts)

	var store memory.Store
	switch cfg.Storage.Backend {
	case config.BackendPgvector:
		store = pgvector.New(pgvector.Options{
			DSN:        cfg.Storage.DSN,
			Table:      cfg.Storage.Collection,
			Dimensions: cfg.Storage.Dimensions,
		})
	default:
		store = chromem.New(chromem.Options{
			Path:       cfg.Storage.Path,
			Collection: cfg.Storage.Collection,
			Dimensions: cfg.Storage.Dimensions,
			Compress:   cfg.Storage.Compress,
		})
	}

	a.embedder = embedder.New(embedder.Options{
		Model:      cfg.Embedding.Model,
		Endpoint:   cfg.Embedding.Endpoint,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Storage.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		CacheSize:  cfg.Embedding.CacheSize,
		Local: onnx.Loader(onnx.Config{
			ModelPath:     cfg.Embedding.ModelPath,
			TokenizerPath: cfg.Embedding.TokenizerPath,
			RuntimePath:   cfg.Embedding.RuntimePath,
			ModelDir:      cfg.Embedding.ModelDir,
			Dimensions:    cfg.Storage.Dimensions,
		}),
	})
	a.closers = append(a.closers, a.embedder.Close)

	a.engine, err = memory.NewEngine(store, a.embedder, &memory.Config{
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		MaxResults:          cfg.Search.MaxResults,
		MaxProfileStatic:    cfg.Profile.MaxStatic,
		MaxProfileDynamic:   cfg.Profile.MaxDynamic,
		ProfileCacheTTL:     cfg.Profile.CacheTTL,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, a.engine.Close)

	if err := a.buildCapture(); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.buildLearner(); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) identity(opts *options) {
	project := opts.project
	if project == "" {
		if wd, err := os.Getwd(); err == nil {
			project = wd
		}
	}
	if abs, err := filepath.Abs(project); err == nil {
		project = abs
	}

	a.attribution = memory.Attribution{
		UserEmail:   opts.userEmail,
		ProjectPath: project,
		ProjectName: filepath.Base(project),
	}
	if opts.userEmail != "" {
		a.tags.User = memory.UserTag(opts.userEmail)
	}
	if project != "" {
		a.tags.Project = memory.ProjectTag(project)
	}
}

// provider returns the tool-calling extraction provider, or nil when
// extraction runs through the session model.
func (a *app) provider() extraction.Provider {
	ec := a.cfg.Extraction
	switch ec.Provider {
	case config.ProviderAnthropic:
		return extraction.NewAnthropicProvider(extraction.AnthropicOptions{APIKey: ec.APIKey, BaseURL: ec.Endpoint, Model: ec.Model})
	case config.ProviderOpenAI:
		return extraction.NewOpenAIProvider(extraction.OpenAIOptions{APIKey: ec.APIKey, BaseURL: ec.Endpoint, Model: ec.Model})
	default:
		return nil
	}
}

func (a *app) extractionOptions() extraction.Options {
	return extraction.Options{
		MaxIterations: a.cfg.Extraction.MaxIterations,
		Timeout:       a.cfg.Extraction.Timeout,
		MaxTokens:     a.cfg.Extraction.MaxTokens,
	}
}

func (a *app) buildCapture() error {
	cc := a.cfg.Capture
	buffers, err := capture.NewBuffers(capture.Settings{
		Enabled:            cc.Enabled,
		IterationThreshold: cc.IterationThreshold,
		TimeThreshold:      cc.TimeThreshold,
		IgnoreTools:        cc.IgnoreTools,
	})
	if err != nil {
		return err
	}

	a.hub = server.NewHub()
	counter := capture.NewTokenCounter()
	var extractor capture.Extractor
	if p := a.provider(); p != nil {
		extractor = capture.NewToolExtractor(p, a.extractionOptions(),
			capture.WithHistoryBudget(cc.HistoryBudget, counter))
	} else {
		extractor = capture.NewSessionExtractor(a.hub, a.cfg.Extraction.Timeout, cc.FallbackPrefix)
	}

	a.capture = capture.NewService(buffers, a.engine, extractor, capture.Options{
		MaxMemories:     cc.MaxMemories,
		TokenBudget:     cc.TokenBudget,
		DedupSimilarity: cc.DedupSimilarity,
		Counter:         counter,
		Notifier:        a.hub,
		Attribution:     a.attribution,
	})
	return nil
}

func (a *app) buildLearner() error {
	uc := a.cfg.UserProfile
	if !uc.Enabled {
		return nil
	}
	p := a.provider()
	if p == nil {
		a.logger.Warn("user profile learning needs the anthropic or openai extraction provider; disabled")
		return nil
	}

	store, err := userprofile.OpenStore(uc.Path)
	if err != nil {
		return goerr.Wrap(err, "failed to open user profile store")
	}
	a.closers = append(a.closers, store.Close)
	a.profiles = store
	a.learner = userprofile.NewLearner(store, p, a.extractionOptions(), uc.MinMessages)
	return nil
}

// tag resolves a scope flag to a container tag.
func (a *app) tag(scope string) string {
	return a.tags.For(memory.Scope(scope))
}

// ctx returns ctx carrying the app logger.
func (a *app) ctx(ctx context.Context) context.Context {
	return logging.With(ctx, a.logger)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Component(a.ctx(ctx), "main").Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
