package main

import (
	"github.com/urfave/cli/v3"

	"github.com/becomeliminal/codemem/config"
)

// options are command-line overrides layered over the config file.
type options struct {
	configPath string
	logLevel   string

	backend string
	path    string
	dsn     string

	embeddingEndpoint string
	embeddingAPIKey   string

	provider           string
	extractionEndpoint string
	extractionAPIKey   string
	extractionModel    string

	userEmail string
	project   string
	sessionID string

	addr       string
	healthAddr string
}

func globalFlags(o *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to config.yaml",
			Sources:     cli.EnvVars("CODEMEM_CONFIG"),
			Destination: &o.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			Sources:     cli.EnvVars("CODEMEM_LOG_LEVEL"),
			Destination: &o.logLevel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Vector store: chromem or pgvector",
			Sources:     cli.EnvVars("CODEMEM_STORAGE_BACKEND"),
			Destination: &o.backend,
		},
		&cli.StringFlag{
			Name:        "storage-path",
			Usage:       "chromem persistence directory",
			Sources:     cli.EnvVars("CODEMEM_STORAGE_PATH"),
			Destination: &o.path,
		},
		&cli.StringFlag{
			Name:        "dsn",
			Usage:       "Postgres DSN for the pgvector backend",
			Sources:     cli.EnvVars("CODEMEM_PG_DSN", "DATABASE_URL"),
			Destination: &o.dsn,
		},
		&cli.StringFlag{
			Name:        "embedding-endpoint",
			Usage:       "OpenAI-compatible embeddings endpoint",
			Sources:     cli.EnvVars("CODEMEM_EMBEDDING_ENDPOINT"),
			Destination: &o.embeddingEndpoint,
		},
		&cli.StringFlag{
			Name:        "embedding-api-key",
			Usage:       "API key for the embeddings endpoint",
			Sources:     cli.EnvVars("CODEMEM_EMBEDDING_API_KEY"),
			Destination: &o.embeddingAPIKey,
		},
		&cli.StringFlag{
			Name:        "extraction-provider",
			Usage:       "anthropic, openai or session",
			Sources:     cli.EnvVars("CODEMEM_EXTRACTION_PROVIDER"),
			Destination: &o.provider,
		},
		&cli.StringFlag{
			Name:        "extraction-endpoint",
			Usage:       "Base URL of the extraction API",
			Sources:     cli.EnvVars("CODEMEM_EXTRACTION_ENDPOINT"),
			Destination: &o.extractionEndpoint,
		},
		&cli.StringFlag{
			Name:        "extraction-api-key",
			Usage:       "API key of the extraction provider",
			Sources:     cli.EnvVars("CODEMEM_EXTRACTION_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &o.extractionAPIKey,
		},
		&cli.StringFlag{
			Name:        "extraction-model",
			Usage:       "Model used for extraction",
			Sources:     cli.EnvVars("CODEMEM_EXTRACTION_MODEL"),
			Destination: &o.extractionModel,
		},
		&cli.StringFlag{
			Name:        "user-email",
			Usage:       "Identifies the user partition",
			Sources:     cli.EnvVars("CODEMEM_USER_EMAIL"),
			Destination: &o.userEmail,
		},
		&cli.StringFlag{
			Name:        "project",
			Usage:       "Project directory; defaults to the working directory",
			Sources:     cli.EnvVars("CODEMEM_PROJECT"),
			Destination: &o.project,
		},
		&cli.StringFlag{
			Name:        "session",
			Usage:       "Session id for capture commands",
			Sources:     cli.EnvVars("CODEMEM_SESSION_ID"),
			Destination: &o.sessionID,
		},
	}
}

func serverFlags(o *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address for /ws and /health",
			Sources:     cli.EnvVars("CODEMEM_ADDR"),
			Destination: &o.addr,
		},
		&cli.StringFlag{
			Name:        "health-addr",
			Usage:       "Listen address for gRPC health",
			Sources:     cli.EnvVars("CODEMEM_HEALTH_ADDR"),
			Destination: &o.healthAddr,
		},
	}
}

func scopeFlag(scope *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "scope",
		Aliases:     []string{"s"},
		Usage:       "user or project",
		Value:       "project",
		Destination: scope,
	}
}

// override applies every non-empty option to cfg.
func (o *options) override(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Log.Level, o.logLevel)
	set(&cfg.Storage.Backend, o.backend)
	set(&cfg.Storage.Path, o.path)
	set(&cfg.Storage.DSN, o.dsn)
	set(&cfg.Embedding.Endpoint, o.embeddingEndpoint)
	set(&cfg.Embedding.APIKey, o.embeddingAPIKey)
	set(&cfg.Extraction.Provider, o.provider)
	set(&cfg.Extraction.Endpoint, o.extractionEndpoint)
	set(&cfg.Extraction.APIKey, o.extractionAPIKey)
	set(&cfg.Extraction.Model, o.extractionModel)
	set(&cfg.Server.Addr, o.addr)
	set(&cfg.Server.HealthAddr, o.healthAddr)
}
