package cli

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/config"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/resource"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// flagConfig holds values of the global flags. A flag overrides the config
// file only when it was set on the command line or through its environment
// variable.
type flagConfig struct {
	configPath string
	logLevel   string

	backend           string
	chromemPath       string
	postgresDSN       string
	firestoreProject  string
	firestoreDatabase string

	embeddingProvider string
	embeddingURL      string
	embeddingAPIKey   string
	embeddingModel    string
	geminiProject     string
	geminiLocation    string
	dimension         int64
	batchSize         int64
	maxInFlight       int64
	maxRetries        int64

	namespacePrefix string

	// only serve outlives a single command, so only serve may keep the
	// chromem store in memory
	allowInMemory bool
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *flagConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML config file",
			Sources:     cli.EnvVars("MEMVAULT_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("MEMVAULT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Storage backend (chromem, postgres, firestore)",
			Sources:     cli.EnvVars("MEMVAULT_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "chromem-path",
			Usage:       "Directory to persist the embedded store, defaults to memvault under the user cache dir; empty keeps it in memory (serve only)",
			Sources:     cli.EnvVars("MEMVAULT_CHROMEM_PATH"),
			Destination: &cfg.chromemPath,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL connection string",
			Sources:     cli.EnvVars("MEMVAULT_POSTGRES_DSN"),
			Destination: &cfg.postgresDSN,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("MEMVAULT_FIRESTORE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Sources:     cli.EnvVars("MEMVAULT_FIRESTORE_DATABASE"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "embedding-provider",
			Usage:       "Embedding provider (gemini, openai, hash)",
			Sources:     cli.EnvVars("MEMVAULT_EMBEDDING_PROVIDER"),
			Destination: &cfg.embeddingProvider,
		},
		&cli.StringFlag{
			Name:        "embedding-url",
			Usage:       "Endpoint of an OpenAI compatible embedding API",
			Sources:     cli.EnvVars("MEMVAULT_EMBEDDING_URL"),
			Destination: &cfg.embeddingURL,
		},
		&cli.StringFlag{
			Name:        "embedding-api-key",
			Usage:       "API key of the embedding provider",
			Sources:     cli.EnvVars("MEMVAULT_EMBEDDING_API_KEY"),
			Destination: &cfg.embeddingAPIKey,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name",
			Sources:     cli.EnvVars("MEMVAULT_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("MEMVAULT_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Sources:     cli.EnvVars("MEMVAULT_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.IntFlag{
			Name:        "dimension",
			Usage:       "Embedding dimension",
			Sources:     cli.EnvVars("MEMVAULT_DIMENSION"),
			Destination: &cfg.dimension,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Maximum texts per embedding request",
			Sources:     cli.EnvVars("MEMVAULT_BATCH_SIZE"),
			Destination: &cfg.batchSize,
		},
		&cli.IntFlag{
			Name:        "max-in-flight",
			Usage:       "Maximum concurrent embedding requests",
			Sources:     cli.EnvVars("MEMVAULT_MAX_IN_FLIGHT"),
			Destination: &cfg.maxInFlight,
		},
		&cli.IntFlag{
			Name:        "max-retries",
			Usage:       "Retries of a transient embedding failure",
			Sources:     cli.EnvVars("MEMVAULT_MAX_RETRIES"),
			Destination: &cfg.maxRetries,
		},
		&cli.StringFlag{
			Name:        "namespace-prefix",
			Usage:       "Prefix of storage namespace names",
			Sources:     cli.EnvVars("MEMVAULT_NAMESPACE_PREFIX"),
			Destination: &cfg.namespacePrefix,
		},
	}
}

// load reads the config file, if any, and applies the flags that were set
func (x *flagConfig) load(c *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if x.configPath != "" {
		loaded, err := config.Load(x.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	setString := func(name string, dst *string, v string) {
		if c.IsSet(name) {
			*dst = v
		}
	}
	setInt := func(name string, dst *int, v int64) {
		if c.IsSet(name) {
			*dst = int(v)
		}
	}

	setString("log-level", &cfg.LogLevel, x.logLevel)
	setString("backend", &cfg.Backend, x.backend)
	setString("chromem-path", &cfg.Chromem.Path, x.chromemPath)
	setString("postgres-dsn", &cfg.Postgres.DSN, x.postgresDSN)
	setString("firestore-project", &cfg.Firestore.ProjectID, x.firestoreProject)
	setString("firestore-database", &cfg.Firestore.DatabaseID, x.firestoreDatabase)
	setString("embedding-provider", &cfg.Embedding.Provider, x.embeddingProvider)
	setString("embedding-url", &cfg.Embedding.URL, x.embeddingURL)
	setString("embedding-api-key", &cfg.Embedding.APIKey, x.embeddingAPIKey)
	setString("embedding-model", &cfg.Embedding.Model, x.embeddingModel)
	setString("gemini-project", &cfg.Embedding.GeminiProject, x.geminiProject)
	setString("gemini-location", &cfg.Embedding.GeminiLocation, x.geminiLocation)
	setInt("dimension", &cfg.Embedding.Dimension, x.dimension)
	setInt("batch-size", &cfg.Embedding.BatchSize, x.batchSize)
	setInt("max-in-flight", &cfg.Embedding.MaxInFlight, x.maxInFlight)
	setInt("max-retries", &cfg.Embedding.MaxRetries, x.maxRetries)
	setString("namespace-prefix", &cfg.Namespace.Prefix, x.namespacePrefix)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open loads the configuration, installs the logger and opens every
// resource. The caller must close the returned manager.
func (x *flagConfig) open(ctx context.Context, c *cli.Command, opts ...resource.Option) (context.Context, *resource.Manager, error) {
	cfg, err := x.load(c)
	if err != nil {
		return ctx, nil, err
	}
	if cfg.Backend == config.BackendChromem && cfg.Chromem.Path == "" && !x.allowInMemory {
		return ctx, nil, goerr.Wrap(model.ErrConfiguration, "in-memory chromem store would be lost when the command exits; set chromem.path or --chromem-path",
			goerr.V("command", c.Name))
	}

	logger := logging.New(cfg.LogLevel, c.Root().ErrWriter)
	logging.SetDefault(logger)
	ctx = logging.With(ctx, logger)

	mgr, err := resource.Open(ctx, cfg, opts...)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, mgr, nil
}

// scope holds the tenant and project every memory command works on
type scope struct {
	tenantID  string
	projectID string
}

func scopeFlags(s *scope) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tenant",
			Aliases:     []string{"t"},
			Usage:       "Tenant ID",
			Sources:     cli.EnvVars("MEMVAULT_TENANT"),
			Destination: &s.tenantID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Project ID within the tenant",
			Sources:     cli.EnvVars("MEMVAULT_PROJECT"),
			Destination: &s.projectID,
			Required:    true,
		},
	}
}

// filterFlags returns flags narrowing list and search results
func filterFlags(tags *[]string, meta *map[string]string) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "tag",
			Usage:       "Only memories carrying this tag, repeatable",
			Destination: tags,
		},
		&cli.StringMapFlag{
			Name:        "meta",
			Usage:       "Only memories whose metadata key has this value (key=value), repeatable",
			Destination: meta,
		},
	}
}

func newFilter(tags []string, meta map[string]string) *model.Filter {
	f := &model.Filter{Tags: tags, Metadata: parseMeta(meta)}
	if f.IsEmpty() {
		return nil
	}
	return f
}

// parseMeta converts key=value flags to metadata. A value that is valid JSON
// keeps its type, so "priority=3" stores a number and "name=x" a string.
func parseMeta(meta map[string]string) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out
}

// memoryID takes the single positional argument of get, update and delete
func memoryID(c *cli.Command) (model.MemoryID, error) {
	if c.Args().Len() != 1 {
		return "", goerr.Wrap(model.ErrInvalidArgument, "exactly one memory id is required",
			goerr.V("args", c.Args().Slice()))
	}
	return model.MemoryID(c.Args().First()), nil
}
