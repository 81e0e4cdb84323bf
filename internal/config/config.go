package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antoniostano/recall/internal/session"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	DefaultUser    string

	OllamaBaseURL  string
	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string
	LLMMaxTokens   int
	LLMTemperature float64

	EmbedderProvider   string
	EmbedderModel      string
	EmbeddingCacheSize int

	VectorStore      string
	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantCollection string
	DatabaseURL      string
	ChromemDir       string

	MemoryEmbeddingDim   int
	MemorySearchLimit    int
	MemoryMinScore       float64
	MemoryRedactPII      bool
	MemoryDeleteAttempts int

	HealthProbeTimeout time.Duration
}

// Load reads an optional YAML file named by APP_CONFIG_FILE, then environment
// variables, and applies safe defaults. Environment values win over the file.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		MetricsNamespace:         "recall",
		DefaultUser:              "User123",
		OllamaBaseURL:            "http://localhost:11434",
		LLMProvider:              "openai",
		LLMModel:                 "gemma3:1b",
		LLMMaxTokens:             2048,
		LLMTemperature:           0.1,
		EmbedderProvider:         "openai",
		EmbedderModel:            "nomic-embed-text:latest",
		VectorStore:              "qdrant",
		QdrantHost:               "localhost",
		QdrantPort:               6333,
		QdrantCollection:         "local-chatgpt-memory",
		MemoryEmbeddingDim:       768,
		MemorySearchLimit:        5,
		MemoryMinScore:           0.3,
		MemoryDeleteAttempts:     4,
		HealthProbeTimeout:       3 * time.Second,
	}

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.DefaultUser = envOrDefault("APP_DEFAULT_USER", cfg.DefaultUser)
	cfg.OllamaBaseURL = strings.TrimRight(envOrDefault("OLLAMA_BASE_URL", cfg.OllamaBaseURL), "/")
	cfg.LLMProvider = strings.ToLower(envOrDefault("LLM_PROVIDER", cfg.LLMProvider))
	cfg.LLMModel = envOrDefault("LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = envOrDefault("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.EmbedderProvider = strings.ToLower(envOrDefault("EMBEDDER_PROVIDER", cfg.EmbedderProvider))
	cfg.EmbedderModel = envOrDefault("EMBEDDER_MODEL", cfg.EmbedderModel)
	cfg.VectorStore = strings.ToLower(envOrDefault("VECTOR_STORE", cfg.VectorStore))
	cfg.QdrantHost = envOrDefault("QDRANT_HOST", cfg.QdrantHost)
	cfg.QdrantAPIKey = envOrDefault("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantCollection = envOrDefault("QDRANT_COLLECTION", cfg.QdrantCollection)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.ChromemDir = envOrDefault("CHROMEM_DIR", cfg.ChromemDir)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HealthProbeTimeout, err = durationFromEnv("HEALTH_PROBE_TIMEOUT", cfg.HealthProbeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.MemoryRedactPII, err = boolFromEnv("MEMORY_REDACT_PII", cfg.MemoryRedactPII); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingCacheSize, err = intFromEnv("EMBEDDING_CACHE_SIZE", cfg.EmbeddingCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.QdrantPort, err = intFromEnv("QDRANT_PORT", cfg.QdrantPort); err != nil {
		return Config{}, err
	}
	if cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.MemorySearchLimit, err = intFromEnv("MEMORY_SEARCH_LIMIT", cfg.MemorySearchLimit); err != nil {
		return Config{}, err
	}
	if cfg.MemoryDeleteAttempts, err = intFromEnv("MEMORY_DELETE_ATTEMPTS", cfg.MemoryDeleteAttempts); err != nil {
		return Config{}, err
	}
	if cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature); err != nil {
		return Config{}, err
	}
	if cfg.MemoryMinScore, err = floatFromEnv("MEMORY_MIN_SCORE", cfg.MemoryMinScore); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.MemoryEmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.MemorySearchLimit <= 0 {
		return fmt.Errorf("MEMORY_SEARCH_LIMIT must be positive")
	}
	if c.MemoryMinScore < -1 || c.MemoryMinScore > 1 {
		return fmt.Errorf("MEMORY_MIN_SCORE must be within [-1, 1]")
	}
	if c.MemoryDeleteAttempts <= 0 {
		return fmt.Errorf("MEMORY_DELETE_ATTEMPTS must be positive")
	}
	if c.EmbeddingCacheSize < 0 {
		return fmt.Errorf("EMBEDDING_CACHE_SIZE must be >= 0")
	}
	if c.QdrantPort <= 0 || c.QdrantPort > 65535 {
		return fmt.Errorf("QDRANT_PORT must be a valid port")
	}
	if c.HealthProbeTimeout <= 0 {
		return fmt.Errorf("HEALTH_PROBE_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.DefaultUser) == "" {
		return fmt.Errorf("APP_DEFAULT_USER must not be empty")
	}
	switch c.LLMProvider {
	case "openai", "ollama", "anthropic", "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLMProvider)
	}
	return nil
}

// QdrantURL is the REST base URL derived from host and port.
func (c Config) QdrantURL() string {
	host := c.QdrantHost
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return fmt.Sprintf("%s:%d", strings.TrimRight(host, "/"), c.QdrantPort)
	}
	return fmt.Sprintf("http://%s:%d", host, c.QdrantPort)
}

// BackendConfig is the default per-session backend selection.
func (c Config) BackendConfig() session.BackendConfig {
	bc := session.BackendConfig{
		EmbeddingProvider:  c.EmbedderProvider,
		EmbeddingEndpoint:  c.OllamaBaseURL,
		EmbeddingModel:     c.EmbedderModel,
		VectorStore:        c.VectorStore,
		VectorDimension:    c.MemoryEmbeddingDim,
		CompletionProvider: c.LLMProvider,
		CompletionEndpoint: c.OllamaBaseURL,
		Model:              c.LLMModel,
		MaxTokens:          c.LLMMaxTokens,
		Temperature:        c.LLMTemperature,
	}
	switch c.VectorStore {
	case "qdrant":
		bc.VectorStoreEndpoint = c.QdrantURL()
		bc.Collection = c.QdrantCollection
	case "pgvector":
		bc.VectorStoreEndpoint = c.DatabaseURL
	case "chromem":
		bc.VectorStoreEndpoint = c.ChromemDir
	}
	if c.LLMProvider == "anthropic" {
		bc.CompletionEndpoint = ""
	}
	return bc
}

// fileConfig mirrors Config for the optional YAML file. Zero values leave defaults untouched.
type fileConfig struct {
	Server struct {
		BindAddr                 string `yaml:"bind_addr"`
		ShutdownTimeout          string `yaml:"shutdown_timeout"`
		SessionInactivityTimeout string `yaml:"session_inactivity_timeout"`
		MetricsNamespace         string `yaml:"metrics_namespace"`
		AllowAnyOrigin           *bool  `yaml:"allow_any_origin"`
		DefaultUser              string `yaml:"default_user"`
	} `yaml:"server"`
	LLM struct {
		Provider    string   `yaml:"provider"`
		BaseURL     string   `yaml:"base_url"`
		Model       string   `yaml:"model"`
		APIKey      string   `yaml:"api_key"`
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature *float64 `yaml:"temperature"`
	} `yaml:"llm"`
	Embedder struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		CacheSize int    `yaml:"cache_size"`
	} `yaml:"embedder"`
	VectorStore struct {
		Kind      string `yaml:"kind"`
		Dimension int    `yaml:"dimension"`
		Qdrant    struct {
			Host       string `yaml:"host"`
			Port       int    `yaml:"port"`
			APIKey     string `yaml:"api_key"`
			Collection string `yaml:"collection"`
		} `yaml:"qdrant"`
		DatabaseURL string `yaml:"database_url"`
		ChromemDir  string `yaml:"chromem_dir"`
	} `yaml:"vector_store"`
	Memory struct {
		SearchLimit    int      `yaml:"search_limit"`
		MinScore       *float64 `yaml:"min_score"`
		RedactPII      *bool    `yaml:"redact_pii"`
		DeleteAttempts int      `yaml:"delete_attempts"`
	} `yaml:"memory"`
	Health struct {
		ProbeTimeout string `yaml:"probe_timeout"`
	} `yaml:"health"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setString(&cfg.DefaultUser, fc.Server.DefaultUser)
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	if err := setDuration(&cfg.ShutdownTimeout, "server.shutdown_timeout", fc.Server.ShutdownTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.SessionInactivityTimeout, "server.session_inactivity_timeout", fc.Server.SessionInactivityTimeout); err != nil {
		return err
	}

	setString(&cfg.LLMProvider, fc.LLM.Provider)
	setString(&cfg.OllamaBaseURL, fc.LLM.BaseURL)
	setString(&cfg.LLMModel, fc.LLM.Model)
	setString(&cfg.LLMAPIKey, fc.LLM.APIKey)
	setInt(&cfg.LLMMaxTokens, fc.LLM.MaxTokens)
	if fc.LLM.Temperature != nil {
		cfg.LLMTemperature = *fc.LLM.Temperature
	}

	setString(&cfg.EmbedderProvider, fc.Embedder.Provider)
	setString(&cfg.EmbedderModel, fc.Embedder.Model)
	setInt(&cfg.EmbeddingCacheSize, fc.Embedder.CacheSize)

	setString(&cfg.VectorStore, fc.VectorStore.Kind)
	setInt(&cfg.MemoryEmbeddingDim, fc.VectorStore.Dimension)
	setString(&cfg.QdrantHost, fc.VectorStore.Qdrant.Host)
	setInt(&cfg.QdrantPort, fc.VectorStore.Qdrant.Port)
	setString(&cfg.QdrantAPIKey, fc.VectorStore.Qdrant.APIKey)
	setString(&cfg.QdrantCollection, fc.VectorStore.Qdrant.Collection)
	setString(&cfg.DatabaseURL, fc.VectorStore.DatabaseURL)
	setString(&cfg.ChromemDir, fc.VectorStore.ChromemDir)

	setInt(&cfg.MemorySearchLimit, fc.Memory.SearchLimit)
	setInt(&cfg.MemoryDeleteAttempts, fc.Memory.DeleteAttempts)
	if fc.Memory.MinScore != nil {
		cfg.MemoryMinScore = *fc.Memory.MinScore
	}
	if fc.Memory.RedactPII != nil {
		cfg.MemoryRedactPII = *fc.Memory.RedactPII
	}

	return setDuration(&cfg.HealthProbeTimeout, "health.probe_timeout", fc.Health.ProbeTimeout)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s parse error: %w", key, err)
	}
	*dst = d
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
