// Package config loads codemem settings from a YAML file layered over
// built-in defaults. Flag and environment overrides are applied by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"
)

// Extraction providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderSession   = "session"
)

// Config is the full codemem configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Search      SearchConfig      `yaml:"search"`
	Profile     ProfileConfig     `yaml:"profile"`
	Capture     CaptureConfig     `yaml:"capture"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	UserProfile UserProfileConfig `yaml:"userProfile"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
	Compress   bool   `yaml:"compress"`
}

type EmbeddingConfig struct {
	Model     string        `yaml:"model"`
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"apiKey"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cacheSize"`

	// Local ONNX model files, used when no endpoint is configured.
	ModelPath     string `yaml:"modelPath"`
	TokenizerPath string `yaml:"tokenizerPath"`
	RuntimePath   string `yaml:"runtimePath"`

	// ModelDir holds <model>/model.onnx and <model>/tokenizer.json per model.
	ModelDir string `yaml:"modelDir"`
}

type SearchConfig struct {
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	MaxResults          int     `yaml:"maxResults"`
}

type ProfileConfig struct {
	MaxStatic  int           `yaml:"maxStatic"`
	MaxDynamic int           `yaml:"maxDynamic"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`
}

type CaptureConfig struct {
	Enabled            bool          `yaml:"enabled"`
	IterationThreshold int           `yaml:"iterationThreshold"`
	TimeThreshold      time.Duration `yaml:"timeThreshold"`
	MaxMemories        int           `yaml:"maxMemories"`
	IgnoreTools        []string      `yaml:"ignoreTools"`
	TokenBudget        int           `yaml:"tokenBudget"`
	FallbackPrefix     int           `yaml:"fallbackPrefix"`
	DedupSimilarity    float64       `yaml:"dedupSimilarity"`

	// HistoryBudget bounds each session's extraction history in tokens.
	HistoryBudget int `yaml:"historyBudget"`
}

type ExtractionConfig struct {
	Provider      string        `yaml:"provider"`
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"apiKey"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"maxIterations"`
	MaxTokens     int64         `yaml:"maxTokens"`
}

type UserProfileConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	MinMessages int    `yaml:"minMessages"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	HealthAddr string `yaml:"healthAddr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := filepath.Join(homeDir(), ".codemem")
	return &Config{
		Storage: StorageConfig{
			Backend:    BackendChromem,
			Path:       filepath.Join(dataDir, "vectors"),
			Collection: "memories",
			Dimensions: 384,
		},
		Embedding: EmbeddingConfig{
			Model:     "all-MiniLM-L6-v2",
			Timeout:   30 * time.Second,
			CacheSize: 100,
		},
		Search: SearchConfig{
			SimilarityThreshold: 0.6,
			MaxResults:          10,
		},
		Profile: ProfileConfig{
			MaxStatic:  5,
			MaxDynamic: 10,
			CacheTTL:   time.Minute,
		},
		Capture: CaptureConfig{
			Enabled:            true,
			IterationThreshold: 10,
			MaxMemories:        10,
			TokenBudget:        8000,
			FallbackPrefix:     500,
			DedupSimilarity:    0.95,
			HistoryBudget:      24000,
		},
		Extraction: ExtractionConfig{
			Provider:      ProviderSession,
			Model:         "claude-sonnet-4-20250514",
			Timeout:       30 * time.Second,
			MaxIterations: 5,
			MaxTokens:     4096,
		},
		UserProfile: UserProfileConfig{
			Path:        filepath.Join(dataDir, "profiles.db"),
			MinMessages: 5,
		},
		Server: ServerConfig{
			Addr:       "127.0.0.1:4747",
			HealthAddr: "127.0.0.1:4748",
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".config", "codemem", "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Storage.Backend {
	case BackendChromem:
	case BackendPgvector:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the pgvector backend")
		}
	default:
		add("storage.backend %q is not one of chromem, pgvector", c.Storage.Backend)
	}
	if c.Storage.Dimensions <= 0 {
		add("storage.dimensions must be positive")
	}
	if c.Embedding.Model == "" {
		add("embedding.model is required")
	}
	if (c.Embedding.Endpoint == "") != (c.Embedding.APIKey == "") {
		add("embedding.endpoint and embedding.apiKey must be set together")
	}
	if c.Embedding.CacheSize <= 0 {
		add("embedding.cacheSize must be positive")
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		add("search.similarityThreshold must be within [0, 1]")
	}
	if c.Search.MaxResults <= 0 {
		add("search.maxResults must be positive")
	}
	if c.Capture.IterationThreshold <= 0 {
		add("capture.iterationThreshold must be positive")
	}
	if c.Capture.MaxMemories <= 0 {
		add("capture.maxMemories must be positive")
	}
	switch c.Extraction.Provider {
	case ProviderSession:
	case ProviderAnthropic, ProviderOpenAI:
		if c.Extraction.APIKey == "" {
			add("extraction.apiKey is required for provider %q", c.Extraction.Provider)
		}
	default:
		add("extraction.provider %q is not one of anthropic, openai, session", c.Extraction.Provider)
	}
	if c.Extraction.MaxIterations <= 0 {
		add("extraction.maxIterations must be positive")
	}

	if len(problems) > 0 {
		return goerr.New("invalid configuration", goerr.V("problems", problems))
	}
	return nil
}

func homeDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir
	}
	return "."
}
