// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SWARM_DATABASE_URL.
const EnvPrefix = "SWARM"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	LLM() LLMRouterConfig
	Embedding() EmbeddingConfig
	VectorStore() VectorStoreConfig
	RAG() RAGConfig
	Chunker() ChunkerConfig
	Tools() ToolsConfig
	Swarm() SwarmConfig
	GitHub() GitHubConfig

	// CLI overrides
	SetDatabaseURL(string)
	SetVectorStoreBackend(string)
	SetGitHubToken(string)
}

// Config holds the entire application configuration. Sections are exported so
// viper can unmarshal into them; callers should prefer the getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	LLMCfg         LLMRouterConfig   `mapstructure:"llm" yaml:"llm"`
	EmbeddingCfg   EmbeddingConfig   `mapstructure:"embedding" yaml:"embedding"`
	VectorStoreCfg VectorStoreConfig `mapstructure:"vector_store" yaml:"vector_store"`
	RAGCfg         RAGConfig         `mapstructure:"rag" yaml:"rag"`
	ChunkerCfg     ChunkerConfig     `mapstructure:"chunker" yaml:"chunker"`
	ToolsCfg       ToolsConfig       `mapstructure:"tools" yaml:"tools"`
	SwarmCfg       SwarmConfig       `mapstructure:"swarm" yaml:"swarm"`
	GitHubCfg      GitHubConfig      `mapstructure:"github" yaml:"github"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) LLM() LLMRouterConfig           { return c.LLMCfg }
func (c *Config) Embedding() EmbeddingConfig     { return c.EmbeddingCfg }
func (c *Config) VectorStore() VectorStoreConfig { return c.VectorStoreCfg }
func (c *Config) RAG() RAGConfig                 { return c.RAGCfg }
func (c *Config) Chunker() ChunkerConfig         { return c.ChunkerCfg }
func (c *Config) Tools() ToolsConfig             { return c.ToolsCfg }
func (c *Config) Swarm() SwarmConfig             { return c.SwarmCfg }
func (c *Config) GitHub() GitHubConfig           { return c.GitHubCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDatabaseURL(u string)        { c.DatabaseCfg.URL = u }
func (c *Config) SetVectorStoreBackend(b string) { c.VectorStoreCfg.Backend = b }
func (c *Config) SetGitHubToken(token string)    { c.GitHubCfg.Token = token }

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL selects
// the in-memory run store.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   LLMProvider          `mapstructure:"provider" yaml:"provider"`
	Model      string               `mapstructure:"model" yaml:"model"`
	APIKey     string               `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string               `mapstructure:"base_url" yaml:"base_url"`
	Dimensions int                  `mapstructure:"dimensions" yaml:"dimensions"`
	BatchSize  int                  `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout    time.Duration        `mapstructure:"timeout" yaml:"timeout"`
	Cache      EmbeddingCacheConfig `mapstructure:"cache" yaml:"cache"`
}

// EmbeddingCacheConfig configures the optional redis embedding cache.
type EmbeddingCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// VectorStoreConfig configures similarity search and its backing index.
type VectorStoreConfig struct {
	Backend               string        `mapstructure:"backend" yaml:"backend"` // memory | postgres
	Table                 string        `mapstructure:"table" yaml:"table"`
	MinSimilarity         float64       `mapstructure:"min_similarity" yaml:"min_similarity"`
	FilteredMinSimilarity float64       `mapstructure:"filtered_min_similarity" yaml:"filtered_min_similarity"`
	EmbedTimeout          time.Duration `mapstructure:"embed_timeout" yaml:"embed_timeout"`
	QueryTimeout          time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
}

// RAGConfig tunes the corrective retrieval loop.
type RAGConfig struct {
	MaxIterations       int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	TopK                int     `mapstructure:"top_k" yaml:"top_k"`
	MaxResults          int     `mapstructure:"max_results" yaml:"max_results"`
	EarlyStopCount      int     `mapstructure:"early_stop_count" yaml:"early_stop_count"`
	EarlyStopSimilarity float64 `mapstructure:"early_stop_similarity" yaml:"early_stop_similarity"`
	VectorWeight        float64 `mapstructure:"vector_weight" yaml:"vector_weight"`
	KeywordWeight       float64 `mapstructure:"keyword_weight" yaml:"keyword_weight"`
}

// ChunkerConfig holds default sizes for the chunking strategies (in runes).
type ChunkerConfig struct {
	FixedSize       int `mapstructure:"fixed_size" yaml:"fixed_size"`
	FixedOverlap    int `mapstructure:"fixed_overlap" yaml:"fixed_overlap"`
	SemanticMaxSize int `mapstructure:"semantic_max_size" yaml:"semantic_max_size"`
	CodeMaxSize     int `mapstructure:"code_max_size" yaml:"code_max_size"`
}

// Tool server transports.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportCommand        = "command"
	TransportInProcess      = "in-process"
)

// ToolsConfig configures the tool invocation layer.
type ToolsConfig struct {
	MaxConnectionsPerUser int                         `mapstructure:"max_connections_per_user" yaml:"max_connections_per_user"`
	CallTimeout           time.Duration               `mapstructure:"call_timeout" yaml:"call_timeout"`
	RateLimit             float64                     `mapstructure:"rate_limit" yaml:"rate_limit"` // calls per second per server
	RateBurst             int                         `mapstructure:"rate_burst" yaml:"rate_burst"`
	Servers               map[string]ToolServerConfig `mapstructure:"servers" yaml:"servers"`
}

// ToolServerConfig describes how to reach one tool server.
type ToolServerConfig struct {
	Transport string            `mapstructure:"transport" yaml:"transport"`
	Endpoint  string            `mapstructure:"endpoint" yaml:"endpoint"`
	Command   string            `mapstructure:"command" yaml:"command"`
	Args      []string          `mapstructure:"args" yaml:"args"`
	Env       map[string]string `mapstructure:"env" yaml:"env"`
	// TokenEnv names the environment variable the credential token is passed
	// through for command transports.
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// SwarmConfig tunes the orchestrator.
type SwarmConfig struct {
	ExtractionConcurrency int           `mapstructure:"extraction_concurrency" yaml:"extraction_concurrency"`
	ProgressBuffer        int           `mapstructure:"progress_buffer" yaml:"progress_buffer"`
	CallbackTimeout       time.Duration `mapstructure:"callback_timeout" yaml:"callback_timeout"`
	ReportSaveTimeout     time.Duration `mapstructure:"report_save_timeout" yaml:"report_save_timeout"`
	PlanningTimeout       time.Duration `mapstructure:"planning_timeout" yaml:"planning_timeout"`
	SourceTimeout         time.Duration `mapstructure:"source_timeout" yaml:"source_timeout"`
	AnalysisTimeout       time.Duration `mapstructure:"analysis_timeout" yaml:"analysis_timeout"`
	AnalysisConcurrency   int           `mapstructure:"analysis_concurrency" yaml:"analysis_concurrency"`
	IndexEvidence         bool          `mapstructure:"index_evidence" yaml:"index_evidence"`
}

// GitHubConfig configures the built-in GitHub evidence server.
type GitHubConfig struct {
	Token   string `mapstructure:"token" yaml:"token"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// MissingValueError reports a required configuration key with no value.
type MissingValueError struct {
	Key string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing required configuration value: %s", e.Key)
}

// DefaultConfigPath returns ~/.compliance-swarm/config.yaml, or the bare file
// name when the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".compliance-swarm", "config.yaml")
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "compliance-swarm")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migrate_on_start", true)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "fast")
	v.SetDefault("llm.default_powerful_model", "powerful")
	v.SetDefault("llm.models", map[string]interface{}{
		"fast": map[string]interface{}{
			"provider":    "gemini",
			"model":       "gemini-2.5-flash",
			"api_timeout": "60s",
			"temperature": 0.2,
		},
		"powerful": map[string]interface{}{
			"provider":    "gemini",
			"model":       "gemini-2.5-pro",
			"api_timeout": "120s",
			"temperature": 0.2,
		},
	})

	// -- Embedding --
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.cache.enabled", false)
	v.SetDefault("embedding.cache.addr", "localhost:6379")
	v.SetDefault("embedding.cache.ttl", "168h")

	// -- Vector Store --
	v.SetDefault("vector_store.backend", "memory")
	v.SetDefault("vector_store.table", "compliance_chunks")
	v.SetDefault("vector_store.min_similarity", 0.7)
	v.SetDefault("vector_store.filtered_min_similarity", 0.6)
	v.SetDefault("vector_store.embed_timeout", "30s")
	v.SetDefault("vector_store.query_timeout", "10s")

	// -- RAG --
	v.SetDefault("rag.max_iterations", 3)
	v.SetDefault("rag.top_k", 10)
	v.SetDefault("rag.max_results", 10)
	v.SetDefault("rag.early_stop_count", 5)
	v.SetDefault("rag.early_stop_similarity", 0.8)
	v.SetDefault("rag.vector_weight", 0.7)
	v.SetDefault("rag.keyword_weight", 0.3)

	// -- Chunker --
	v.SetDefault("chunker.fixed_size", 1000)
	v.SetDefault("chunker.fixed_overlap", 200)
	v.SetDefault("chunker.semantic_max_size", 1500)
	v.SetDefault("chunker.code_max_size", 2000)

	// -- Tools --
	v.SetDefault("tools.max_connections_per_user", 8)
	v.SetDefault("tools.call_timeout", "60s")
	v.SetDefault("tools.rate_limit", 5.0)
	v.SetDefault("tools.rate_burst", 10)

	// -- Swarm --
	v.SetDefault("swarm.extraction_concurrency", 4)
	v.SetDefault("swarm.progress_buffer", 64)
	v.SetDefault("swarm.callback_timeout", "2s")
	v.SetDefault("swarm.report_save_timeout", "30s")
	v.SetDefault("swarm.planning_timeout", "2m")
	v.SetDefault("swarm.source_timeout", "5m")
	v.SetDefault("swarm.analysis_timeout", "2m")
	v.SetDefault("swarm.analysis_concurrency", 1)
	v.SetDefault("swarm.index_evidence", true)

	// -- GitHub --
	v.SetDefault("github.token", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
// Environment variables use the SWARM_ prefix with '.' replaced by '_'.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets commonly live under their vendor names.
	_ = v.BindEnv("github.token", "SWARM_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("embedding.api_key", "SWARM_EMBEDDING_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("database.url", "SWARM_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("embedding.cache.password", "SWARM_EMBEDDING_CACHE_PASSWORD", "REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.applyProviderKeys(v)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyProviderKeys fills empty model API keys from the provider's well-known
// environment variable.
func (c *Config) applyProviderKeys(v *viper.Viper) {
	_ = v.BindEnv("provider_keys.gemini", "GEMINI_API_KEY")
	_ = v.BindEnv("provider_keys.openai", "OPENAI_API_KEY")

	for name, m := range c.LLMCfg.Models {
		if m.APIKey == "" {
			m.APIKey = v.GetString("provider_keys." + string(m.Provider))
			c.LLMCfg.Models[name] = m
		}
	}
	if c.EmbeddingCfg.APIKey == "" {
		c.EmbeddingCfg.APIKey = v.GetString("provider_keys." + string(c.EmbeddingCfg.Provider))
	}
}

// Validate checks the configuration for required fields and sane values.
// API keys are checked by the client factories, which only build what is used.
func (c *Config) Validate() error {
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.EmbeddingCfg.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be a positive integer")
	}
	if err := c.VectorStoreCfg.Validate(); err != nil {
		return fmt.Errorf("vector_store configuration invalid: %w", err)
	}
	if c.VectorStoreCfg.Backend == "postgres" && c.DatabaseCfg.URL == "" {
		return &MissingValueError{Key: "database.url"}
	}
	if err := c.RAGCfg.Validate(); err != nil {
		return fmt.Errorf("rag configuration invalid: %w", err)
	}
	if err := c.ToolsCfg.Validate(); err != nil {
		return fmt.Errorf("tools configuration invalid: %w", err)
	}
	if c.SwarmCfg.ExtractionConcurrency <= 0 {
		return fmt.Errorf("swarm.extraction_concurrency must be a positive integer")
	}
	if c.SwarmCfg.ProgressBuffer <= 0 {
		return fmt.Errorf("swarm.progress_buffer must be a positive integer")
	}
	if c.ChunkerCfg.FixedOverlap >= c.ChunkerCfg.FixedSize {
		return fmt.Errorf("chunker.fixed_overlap must be smaller than chunker.fixed_size")
	}
	return nil
}

// Validate checks that both tiers resolve to a configured model.
func (l *LLMRouterConfig) Validate() error {
	for _, name := range []string{l.DefaultFastModel, l.DefaultPowerfulModel} {
		if name == "" {
			return &MissingValueError{Key: "llm.default_fast_model/default_powerful_model"}
		}
		m, ok := l.Models[name]
		if !ok {
			return fmt.Errorf("model %q is not defined under llm.models", name)
		}
		if m.Provider != ProviderGemini && m.Provider != ProviderOpenAI {
			return fmt.Errorf("model %q has unsupported provider %q", name, m.Provider)
		}
	}
	return nil
}

// Validate checks the vector store settings.
func (vs *VectorStoreConfig) Validate() error {
	if vs.Backend != "memory" && vs.Backend != "postgres" {
		return fmt.Errorf("backend must be 'memory' or 'postgres', got %q", vs.Backend)
	}
	if vs.MinSimilarity < 0 || vs.MinSimilarity > 1 || vs.FilteredMinSimilarity < 0 || vs.FilteredMinSimilarity > 1 {
		return fmt.Errorf("similarity thresholds must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the RAG settings. Iterations are capped at three.
func (r *RAGConfig) Validate() error {
	if r.MaxIterations < 1 || r.MaxIterations > 3 {
		return fmt.Errorf("rag.max_iterations must be between 1 and 3")
	}
	if r.TopK <= 0 || r.MaxResults <= 0 {
		return fmt.Errorf("rag.top_k and rag.max_results must be positive integers")
	}
	return nil
}

// Validate checks the tool layer settings and each server's transport.
func (t *ToolsConfig) Validate() error {
	if t.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("tools.max_connections_per_user must be a positive integer")
	}
	for name, s := range t.Servers {
		switch s.Transport {
		case TransportStreamableHTTP:
			if s.Endpoint == "" {
				return &MissingValueError{Key: "tools.servers." + name + ".endpoint"}
			}
		case TransportCommand:
			if s.Command == "" {
				return &MissingValueError{Key: "tools.servers." + name + ".command"}
			}
		case TransportInProcess:
		default:
			return fmt.Errorf("tools.servers.%s: unknown transport %q", name, s.Transport)
		}
	}
	return nil
}
