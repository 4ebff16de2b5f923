// Package config loads docqa settings from .env, config.yaml and the
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LLMConfig selects the chat backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // ollama | openai
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float32 `yaml:"temperature"`
}

// EmbeddingConfig selects the embedding backend and its cache.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // ollama | openai
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	CacheSize int    `yaml:"cache_size"` // in-process LRU entries when Redis is not set
}

// VectorStoreConfig selects where chunk vectors live.
type VectorStoreConfig struct {
	Backend     string `yaml:"backend"` // local | pgvector
	Dir         string `yaml:"dir"`
	DatabaseURL string `yaml:"database_url"`
	Dimension   int    `yaml:"dimension"`
}

// SessionConfig selects the chat session store.
type SessionConfig struct {
	Backend string `yaml:"backend"` // file | sqlite
	Path    string `yaml:"path"`
}

// CacheConfig configures the shared Redis embedding cache.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// RetrievalConfig tunes chunking and multi-query retrieval.
type RetrievalConfig struct {
	Mode            string `yaml:"mode"` // vector | hybrid
	TopK            int    `yaml:"top_k"`
	NumQueries      int    `yaml:"num_queries"`
	IncludeOriginal bool   `yaml:"include_original"`
	ChunkSize       int    `yaml:"chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	Collection      string `yaml:"collection"`
}

// OCRConfig controls the Tesseract fallback for scanned PDFs.
type OCRConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Language string `yaml:"language"`
}

// Config is the root configuration.
type Config struct {
	Port       int    `yaml:"port"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	OllamaHost string `yaml:"ollama_host"`
	OpenAIKey  string `yaml:"openai_api_key"`
	Secret     string `yaml:"-"` // DOCQA_SECRET; never read from or written to YAML

	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Cache       CacheConfig       `yaml:"cache"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	OCR         OCRConfig         `yaml:"ocr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:       8080,
		DataDir:    "data",
		LogLevel:   "info",
		OllamaHost: "http://localhost:11434",
		LLM:        LLMConfig{Provider: "ollama"},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text:latest",
			CacheSize: 10000,
		},
		VectorStore: VectorStoreConfig{Backend: "local", Dimension: 768},
		Sessions:    SessionConfig{Backend: "file"},
		Cache:       CacheConfig{TTL: 24 * time.Hour},
		Retrieval: RetrievalConfig{
			Mode:         "vector",
			TopK:         4,
			NumQueries:   2,
			ChunkSize:    7500,
			ChunkOverlap: 100,
			Collection:   "myRAG",
		},
		OCR: OCRConfig{Enabled: true, Language: "eng"},
	}
}

// Load reads .env, then path (config.yaml when empty), then environment
// overrides. A missing default config file is not an error; a missing
// explicit one is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"OLLAMA_HOST":        &cfg.OllamaHost,
		"LLM_PROVIDER":       &cfg.LLM.Provider,
		"LLM_MODEL":          &cfg.LLM.Model,
		"EMBEDDING_PROVIDER": &cfg.Embedding.Provider,
		"EMBEDDING_MODEL":    &cfg.Embedding.Model,
		"OPENAI_API_KEY":     &cfg.OpenAIKey,
		"VECTOR_STORE":       &cfg.VectorStore.Backend,
		"DATABASE_URL":       &cfg.VectorStore.DatabaseURL,
		"SESSION_STORE":      &cfg.Sessions.Backend,
		"REDIS_URL":          &cfg.Cache.RedisURL,
		"DATA_DIR":           &cfg.DataDir,
		"LOG_LEVEL":          &cfg.LogLevel,
		"RETRIEVAL_MODE":     &cfg.Retrieval.Mode,
		"DOCQA_SECRET":       &cfg.Secret,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("OCR_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OCR_ENABLED %q: %w", v, err)
		}
		cfg.OCR.Enabled = enabled
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.VectorStore.Dir == "" {
		c.VectorStore.Dir = filepath.Join(c.DataDir, "vectors")
	}
	if c.Sessions.Path == "" {
		if c.Sessions.Backend == "sqlite" {
			c.Sessions.Path = filepath.Join(c.DataDir, "docqa.db")
		} else {
			c.Sessions.Path = filepath.Join(c.DataDir, "sessions")
		}
	}
	if c.Embedding.Provider == "openai" && c.Embedding.Model == def.Embedding.Model {
		c.Embedding.Model = ""
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = def.Retrieval.TopK
	}
	if c.Retrieval.NumQueries <= 0 {
		c.Retrieval.NumQueries = def.Retrieval.NumQueries
	}
	if c.Retrieval.ChunkSize <= 0 {
		c.Retrieval.ChunkSize = def.Retrieval.ChunkSize
	}
	if c.Retrieval.Collection == "" {
		c.Retrieval.Collection = def.Retrieval.Collection
	}
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	c.Embedding.Provider = strings.ToLower(c.Embedding.Provider)
	c.VectorStore.Backend = strings.ToLower(c.VectorStore.Backend)
	c.Sessions.Backend = strings.ToLower(c.Sessions.Backend)
	c.Retrieval.Mode = strings.ToLower(c.Retrieval.Mode)
}

// Validate rejects unknown backends and inconsistent combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	for _, chk := range []struct {
		name, value string
		allowed     []string
	}{
		{"llm.provider", c.LLM.Provider, []string{"ollama", "openai"}},
		{"embedding.provider", c.Embedding.Provider, []string{"ollama", "openai"}},
		{"vector_store.backend", c.VectorStore.Backend, []string{"local", "pgvector"}},
		{"sessions.backend", c.Sessions.Backend, []string{"file", "sqlite"}},
		{"retrieval.mode", c.Retrieval.Mode, []string{"vector", "hybrid"}},
	} {
		if !contains(chk.allowed, chk.value) {
			errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %s)",
				chk.name, chk.value, strings.Join(chk.allowed, ", ")))
		}
	}
	if c.VectorStore.Backend == "pgvector" && c.VectorStore.DatabaseURL == "" {
		errs = append(errs, errors.New("vector_store.database_url is required for pgvector"))
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap %d must be smaller than chunk_size %d",
			c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize))
	}
	return errors.Join(errs...)
}

// SetupLogging applies the configured log level to the standard logrus logger.
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

// UploadsDir is where uploaded files for a session are kept.
func (c *Config) UploadsDir(sessionID string) string {
	return filepath.Join(c.DataDir, "uploads", sessionID)
}

// KeywordDir is where hybrid mode keeps bleve indexes.
func (c *Config) KeywordDir() string {
	return filepath.Join(c.DataDir, "keywords")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
