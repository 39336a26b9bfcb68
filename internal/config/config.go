// Package config loads agent-brain configuration from YAML with environment
// overrides. Configuration is loaded once at startup and treated as
// immutable until restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// Environment variable overrides.
const (
	EnvStateDir    = "AGENT_BRAIN_STATE_DIR"
	EnvConfigPath  = "AGENT_BRAIN_CONFIG"
	EnvBackend     = "AGENT_BRAIN_STORAGE_BACKEND"
	EnvDatabaseURL = "AGENT_BRAIN_DATABASE_URL"
)

// MarkerDir is the well-known directory name searched during the walk-up
// phase of config discovery.
const MarkerDir = ".agent-brain"

// ConfigFileName is the YAML file name looked up at every discovery location.
const ConfigFileName = "agent-brain.yaml"

// Config is the complete agent-brain configuration.
type Config struct {
	Server        ServerConfig   `yaml:"server"`
	Embedding     ProviderConfig `yaml:"embedding"`
	Summarization ProviderConfig `yaml:"summarization"`
	Reranker      RerankerConfig `yaml:"reranker"`
	Storage       StorageConfig  `yaml:"storage"`
	Limits        LimitsConfig   `yaml:"limits"`
	Graph         GraphConfig    `yaml:"graph"`
	Watch         WatchConfig    `yaml:"watch"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProviderConfig configures a model provider (embedding or summarization).
type ProviderConfig struct {
	Provider  string            `yaml:"provider"`
	Model     string            `yaml:"model"`
	APIKeyEnv string            `yaml:"api_key_env"`
	BaseURL   string            `yaml:"base_url"`
	Params    map[string]string `yaml:"params"`
}

// APIKey resolves the provider API key from the configured environment
// variable. Empty when unset.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// RerankerConfig configures the cross-encoder reranker.
type RerankerConfig struct {
	Provider string            `yaml:"provider"`
	Model    string            `yaml:"model"`
	BaseURL  string            `yaml:"base_url"`
	Params   map[string]string `yaml:"params"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	PoolSize           int    `yaml:"pool_size"`
	PoolMaxOverflow    int    `yaml:"pool_max_overflow"`
	Language           string `yaml:"language"`
	HNSWM              int    `yaml:"hnsw_m"`
	HNSWEfConstruction int    `yaml:"hnsw_ef_construction"`
	Metric             string `yaml:"metric"`
}

// URL builds a connection string, honouring the database URL override.
func (p PostgresConfig) URL() string {
	if url := os.Getenv(EnvDatabaseURL); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, p.Port, p.Database)
}

// LimitsConfig bounds chunking, querying and the job queue.
type LimitsConfig struct {
	ChunkSize             int           `yaml:"chunk_size"`
	ChunkOverlap          int           `yaml:"chunk_overlap"`
	MinChunkSize          int           `yaml:"min_chunk_size"`
	MaxChunkSize          int           `yaml:"max_chunk_size"`
	DefaultTopK           int           `yaml:"default_top_k"`
	MaxTopK               int           `yaml:"max_top_k"`
	DefaultMinScore       float64       `yaml:"default_similarity_threshold"`
	MaxQueryLength        int           `yaml:"max_query_length"`
	EmbeddingBatchSize    int           `yaml:"embedding_batch_size"`
	MaxQueue              int           `yaml:"max_queue"`
	JobTimeout            time.Duration `yaml:"job_timeout"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	CheckpointInterval    int           `yaml:"checkpoint_interval"`
	CandidateMultiple     int           `yaml:"candidate_multiple"`
	RerankerMaxCandidates int           `yaml:"reranker_max_candidates"`
}

// GraphConfig gates the optional graph index.
type GraphConfig struct {
	Enabled        bool `yaml:"enabled"`
	TraversalDepth int  `yaml:"traversal_depth"`
	RRFConstant    int  `yaml:"rrf_k"`
	MaxTriplets    int  `yaml:"max_triplets_per_chunk"`
}

// WatchConfig gates the filesystem watch mode.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8378},
		Embedding: ProviderConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			BaseURL:   "http://localhost:11434",
			APIKeyEnv: "",
		},
		Summarization: ProviderConfig{
			Provider: "ollama",
			Model:    "qwen3:0.6b",
			BaseURL:  "http://localhost:11434",
		},
		Reranker: RerankerConfig{
			Provider: "",
			Model:    "",
		},
		Storage: StorageConfig{
			Backend: "chroma",
			Postgres: PostgresConfig{
				Host:               "localhost",
				Port:               5432,
				Database:           "agent_brain",
				User:               "agent_brain",
				PoolSize:           5,
				PoolMaxOverflow:    10,
				Language:           "english",
				HNSWM:              16,
				HNSWEfConstruction: 64,
				Metric:             "cosine",
			},
		},
		Limits: LimitsConfig{
			ChunkSize:             512,
			ChunkOverlap:          50,
			MinChunkSize:          64,
			MaxChunkSize:          2048,
			DefaultTopK:           10,
			MaxTopK:               100,
			DefaultMinScore:       0.0,
			MaxQueryLength:        4096,
			EmbeddingBatchSize:    32,
			MaxQueue:              100,
			JobTimeout:            2 * time.Hour,
			MaxRetries:            3,
			RetryBaseDelay:        time.Second,
			CheckpointInterval:    50,
			CandidateMultiple:     10,
			RerankerMaxCandidates: 100,
		},
		Graph: GraphConfig{
			Enabled:        false,
			TraversalDepth: 2,
			RRFConstant:    60,
			MaxTriplets:    10,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load discovers and loads configuration, applying environment overrides.
// Discovery order: env override path, state directory, current directory,
// walk-up for the marker directory, user home, XDG config.
func Load(stateDir string) (*Config, error) {
	cfg := Default()

	path, err := Discover(stateDir)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigNotFound, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("parse %s: %v", path, err), err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Discover returns the first existing config file path, or "" when none is
// found. A missing file is not an error; an explicit env path that does not
// exist is.
func Discover(stateDir string) (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", errors.Newf(errors.ErrCodeConfigNotFound, "config file %s: %v", p, err)
		}
		return p, nil
	}

	var candidates []string
	if stateDir != "" {
		candidates = append(candidates, filepath.Join(stateDir, ConfigFileName))
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ConfigFileName))
		// Walk up looking for a marker directory.
		dir := cwd
		for {
			marker := filepath.Join(dir, MarkerDir)
			if info, err := os.Stat(marker); err == nil && info.IsDir() {
				candidates = append(candidates, filepath.Join(marker, ConfigFileName))
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, MarkerDir, ConfigFileName))
	}
	if xdg, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(xdg, "agent-brain", ConfigFileName))
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// StateDir resolves the state directory: env override, otherwise
// <home>/.agent-brain.
func StateDir() (string, error) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return filepath.Join(home, MarkerDir), nil
}

func applyEnvOverrides(cfg *Config) {
	if backend := os.Getenv(EnvBackend); backend != "" {
		cfg.Storage.Backend = backend
	}
	if port := os.Getenv("AGENT_BRAIN_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
}

// Validate checks provider names, backend name and numeric bounds.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "openai", "ollama", "cohere":
	default:
		return errors.Newf(errors.ErrCodeUnknownProvider,
			"unknown embedding provider %q (want openai, ollama or cohere)", c.Embedding.Provider)
	}

	if c.Summarization.Provider != "" {
		switch c.Summarization.Provider {
		case "anthropic", "openai", "gemini", "grok", "ollama":
		default:
			return errors.Newf(errors.ErrCodeUnknownProvider,
				"unknown summarization provider %q", c.Summarization.Provider)
		}
	}

	if c.Reranker.Provider != "" {
		switch c.Reranker.Provider {
		case "sentence-transformers", "ollama":
		default:
			return errors.Newf(errors.ErrCodeUnknownProvider,
				"unknown reranker provider %q", c.Reranker.Provider)
		}
	}

	switch c.Storage.Backend {
	case "chroma", "postgres":
	default:
		return errors.Newf(errors.ErrCodeUnknownBackend,
			"unknown storage backend %q (want chroma or postgres)", c.Storage.Backend)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Newf(errors.ErrCodeInvalidPort, "invalid port %d", c.Server.Port)
	}

	if c.Limits.ChunkOverlap >= c.Limits.ChunkSize {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"chunk_overlap %d must be smaller than chunk_size %d",
			c.Limits.ChunkOverlap, c.Limits.ChunkSize)
	}

	return nil
}
