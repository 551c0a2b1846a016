// Package config holds all webintel configuration. Configuration is
// loaded from a YAML file and every recognized option can be overridden
// through a WEBINTEL_* environment variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all webintel configuration.
type Config struct {
	// DataDir is the root for databases, the registry and logs.
	DataDir string `yaml:"data_dir"`

	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Agent     AgentConfig     `yaml:"agent"`
	Chat      ChatConfig      `yaml:"chat"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the generation model endpoint.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint"` // Ollama-style /api/generate host
	Model    string `yaml:"model"`

	SummarizeTimeout time.Duration `yaml:"summarize_timeout"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout"`
	ReflectTimeout   time.Duration `yaml:"reflect_timeout"`
	Retries          int           `yaml:"retries"` // bounded retries for JSON-parse failures
	ChunkSize        int           `yaml:"chunk_size"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // ollama or genai
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	GenAIAPIKey string `yaml:"genai_api_key"`
	Dimensions  int    `yaml:"dimensions"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	Provider   string `yaml:"provider"` // qdrant or embedded
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	TopK       int    `yaml:"top_k"`
}

// CrawlConfig configures the explorer and scorer.
type CrawlConfig struct {
	ScoreThreshold       float64       `yaml:"score_threshold"`
	MaxPagesPerDomain    int           `yaml:"max_pages_per_domain"`
	MaxTotalPages        int           `yaml:"max_total_pages"`
	MaxDepth             int           `yaml:"max_depth"`
	SeedLimit            int           `yaml:"seed_limit"`
	UseLLMLinkRank       bool          `yaml:"use_llm_link_rank"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	DuplicateSimilarity  float64       `yaml:"duplicate_similarity"`
	MinFindingConfidence float64       `yaml:"min_finding_confidence"`
	SentenceVectors      int           `yaml:"sentence_vectors"`
}

// AgentConfig configures the reflective meta-loops.
type AgentConfig struct {
	MaxExplorationDepth  int     `yaml:"max_exploration_depth"`
	EntityMergeThreshold float64 `yaml:"entity_merge_threshold"`
	UnknownWeight        float64 `yaml:"unknown_weight"`
	RelationWeight       float64 `yaml:"relation_weight"`
}

// ChatConfig configures the RAG answerer.
type ChatConfig struct {
	MaxSearchCycles  int     `yaml:"max_search_cycles"`
	MaxCrawlPages    int     `yaml:"max_crawl_pages"`
	QualityThreshold float64 `yaml:"quality_threshold"`
	MinQualityHits   int     `yaml:"min_quality_hits"`
}

// TasksConfig configures the task queue.
type TasksConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		LLM: LLMConfig{
			Endpoint:         "http://localhost:11434",
			Model:            "qwen2.5:14b",
			SummarizeTimeout: 900 * time.Second,
			ExtractTimeout:   900 * time.Second,
			ReflectTimeout:   300 * time.Second,
			Retries:          3,
			ChunkSize:        8000,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Endpoint:   "http://localhost:11434",
			Model:      "all-minilm",
			Dimensions: 384,
		},
		Vector: VectorConfig{
			Provider:   "embedded",
			Host:       "localhost",
			Port:       6334,
			Collection: "webintel",
			TopK:       10,
		},
		Crawl: CrawlConfig{
			ScoreThreshold:       35,
			MaxPagesPerDomain:    10,
			MaxTotalPages:        50,
			MaxDepth:             2,
			SeedLimit:            25,
			UseLLMLinkRank:       false,
			FetchTimeout:         10 * time.Second,
			DuplicateSimilarity:  0.96,
			MinFindingConfidence: 70,
			SentenceVectors:      40,
		},
		Agent: AgentConfig{
			MaxExplorationDepth:  3,
			EntityMergeThreshold: 0.85,
			UnknownWeight:        0.7,
			RelationWeight:       0.3,
		},
		Chat: ChatConfig{
			MaxSearchCycles:  3,
			MaxCrawlPages:    5,
			QualityThreshold: 0.7,
			MinQualityHits:   2,
		},
		Tasks: TasksConfig{
			Workers:      4,
			PollInterval: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".webintel"
	}
	return home + "/.webintel"
}

// Load reads configuration from a YAML file, falling back to defaults
// for anything unset, then applies environment overrides. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overrides recognized options from WEBINTEL_* env
// vars. Unset or malformed variables leave the current value untouched.
func (c *Config) ApplyEnvOverrides() {
	envString("WEBINTEL_DATA_DIR", &c.DataDir)

	envString("WEBINTEL_LLM_ENDPOINT", &c.LLM.Endpoint)
	envString("WEBINTEL_LLM_MODEL", &c.LLM.Model)
	envDuration("WEBINTEL_LLM_SUMMARIZE_TIMEOUT", &c.LLM.SummarizeTimeout)
	envDuration("WEBINTEL_LLM_EXTRACT_TIMEOUT", &c.LLM.ExtractTimeout)
	envDuration("WEBINTEL_LLM_REFLECT_TIMEOUT", &c.LLM.ReflectTimeout)
	envInt("WEBINTEL_LLM_RETRIES", &c.LLM.Retries)
	envInt("WEBINTEL_LLM_CHUNK_SIZE", &c.LLM.ChunkSize)

	envString("WEBINTEL_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	envString("WEBINTEL_EMBEDDING_ENDPOINT", &c.Embedding.Endpoint)
	envString("WEBINTEL_EMBEDDING_MODEL", &c.Embedding.Model)
	envString("WEBINTEL_GENAI_API_KEY", &c.Embedding.GenAIAPIKey)
	envInt("WEBINTEL_EMBEDDING_DIMENSIONS", &c.Embedding.Dimensions)

	envString("WEBINTEL_VECTOR_PROVIDER", &c.Vector.Provider)
	envString("WEBINTEL_VECTOR_HOST", &c.Vector.Host)
	envInt("WEBINTEL_VECTOR_PORT", &c.Vector.Port)
	envString("WEBINTEL_VECTOR_COLLECTION", &c.Vector.Collection)
	envInt("WEBINTEL_SEARCH_TOP_K", &c.Vector.TopK)

	envFloat("WEBINTEL_CRAWL_SCORE_THRESHOLD", &c.Crawl.ScoreThreshold)
	envInt("WEBINTEL_CRAWL_MAX_PAGES_PER_DOMAIN", &c.Crawl.MaxPagesPerDomain)
	envInt("WEBINTEL_CRAWL_MAX_TOTAL_PAGES", &c.Crawl.MaxTotalPages)
	envInt("WEBINTEL_CRAWL_MAX_DEPTH", &c.Crawl.MaxDepth)
	envInt("WEBINTEL_CRAWL_SEED_LIMIT", &c.Crawl.SeedLimit)
	envBool("WEBINTEL_CRAWL_USE_LLM_LINK_RANK", &c.Crawl.UseLLMLinkRank)
	envDuration("WEBINTEL_CRAWL_FETCH_TIMEOUT", &c.Crawl.FetchTimeout)

	envInt("WEBINTEL_AGENT_MAX_DEPTH", &c.Agent.MaxExplorationDepth)
	envFloat("WEBINTEL_AGENT_MERGE_THRESHOLD", &c.Agent.EntityMergeThreshold)

	envInt("WEBINTEL_CHAT_MAX_SEARCH_CYCLES", &c.Chat.MaxSearchCycles)
	envInt("WEBINTEL_CHAT_MAX_CRAWL_PAGES", &c.Chat.MaxCrawlPages)
	envFloat("WEBINTEL_CHAT_QUALITY_THRESHOLD", &c.Chat.QualityThreshold)
	envInt("WEBINTEL_CHAT_MIN_QUALITY_HITS", &c.Chat.MinQualityHits)

	envInt("WEBINTEL_TASK_WORKERS", &c.Tasks.Workers)
	envDuration("WEBINTEL_TASK_POLL_INTERVAL", &c.Tasks.PollInterval)

	envBool("WEBINTEL_DEBUG", &c.Logging.Debug)
	envString("WEBINTEL_LOG_LEVEL", &c.Logging.Level)
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("task workers must be at least 1, got %d", c.Tasks.Workers)
	}
	switch c.Vector.Provider {
	case "qdrant", "embedded":
	default:
		return fmt.Errorf("unsupported vector provider: %s", c.Vector.Provider)
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
