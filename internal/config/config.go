package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

// Config is the structured document described in the external
// interfaces contract: database connection, ambient logging, the two
// remote model backends, and the tuned thresholds/processing knobs
// that drive the Evolver and Highlighter.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	LogConfig  logger.LogConfig `json:"log_config"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Generation GenerationConfig `json:"generation"`
	Thresholds ThresholdsConfig `json:"thresholds"`
	Processing ProcessingConfig `json:"processing"`
	NGram      NGramConfig      `json:"ngram"`
	Server     ServerConfig     `json:"server"`
	Vector     VectorConfig     `json:"vector"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	CORSAllowlist  []string `json:"cors_allowlist"`
	RateLimitEvery int      `json:"rate_limit_every_ms"`
}

// ProviderConfig names one registered ai.IGenerator/ai.IEmbedder
// factory and its opaque provider-specific arguments (API keys, base
// URLs). EmbeddingConfig/GenerationConfig carry their primary backend's
// Provider/Model/ProviderArgs as fields of their own and list any more
// ProviderConfigs under Fallbacks.
type ProviderConfig struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	ProviderArgs json.RawMessage `json:"provider_args"`
}

// EmbeddingConfig configures C2. Provider selects a registered
// ai.IEmbedder factory ("ollama" by default, matching the fixed
// /embeddings contract in the external interfaces section); ProviderArgs
// is opaque provider-specific config (API keys, base URLs). Fallbacks,
// if set, are tried in order whenever the primary provider's Embed
// call fails.
type EmbeddingConfig struct {
	Provider      string           `json:"provider"`
	Model         string           `json:"model"`
	Dim           int              `json:"dim"`
	TimeoutSecs   int              `json:"timeout_seconds"`
	ProviderArgs  json.RawMessage  `json:"provider_args"`
	Fallbacks     []ProviderConfig `json:"fallbacks"`
	CacheLRUSize  int              `json:"cache_lru_size"`
	CacheLRUTTLMs int              `json:"cache_lru_ttl_ms"`
}

// GenerationConfig configures C3's remote collaborator. Fallbacks, if
// set, are tried in order whenever the primary provider's Generate call
// fails, matching EmbeddingConfig.Fallbacks.
type GenerationConfig struct {
	Provider     string           `json:"provider"`
	Model        string           `json:"model"`
	TimeoutSecs  int              `json:"timeout_seconds"`
	ProviderArgs json.RawMessage  `json:"provider_args"`
	Fallbacks    []ProviderConfig `json:"fallbacks"`
}

type ThresholdsConfig struct {
	Match                 float64 `json:"match"`
	Update                float64 `json:"update"`
	Merge                 float64 `json:"merge"`
	SplitVariance         float64 `json:"split_variance"`
	DriftUpdate           float64 `json:"drift_update"`
	MinContribution       float64 `json:"min_contribution"`
	MinResponsesPerTheme  int     `json:"min_responses_per_theme"`
}

type ProcessingConfig struct {
	BatchSize          int `json:"batch_size"`
	MaxKeywords        int `json:"max_keywords"`
	EmbedParallelism   int `json:"embed_parallelism"`
	LLMConcurrency     int `json:"llm_concurrency"`
	BatchTimeoutSecs   int `json:"batch_timeout_seconds"`
	ShutdownTimeoutMs  int `json:"shutdown_timeout_ms"`
	PromptCharLimit    int `json:"prompt_char_limit"`
	RefreshSampleSize  int `json:"refresh_sample_size"`
}

// VectorConfig tunes the ivfflat-backed similarity queries find_similar_themes
// and find_similar_responses run against. IVFFlatLists must match the
// `WITH (lists = ...)` the migrations build the index with; IVFFlatProbes
// is how many of those lists a query scans, trading recall for speed.
type VectorConfig struct {
	IVFFlatProbes int `json:"ivfflat_probes"`
	IVFFlatLists  int `json:"ivfflat_lists"`
}

type NGramConfig struct {
	Unigrams             bool `json:"unigrams"`
	Bigrams              bool `json:"bigrams"`
	Trigrams             bool `json:"trigrams"`
	MinWordLength        int  `json:"min_word_length"`
	MaxStopwordsInPhrase int  `json:"max_stopwords_in_phrase"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Dim == 0 {
		cfg.Embedding.Dim = 768
	}
	if cfg.Embedding.TimeoutSecs == 0 {
		cfg.Embedding.TimeoutSecs = 30
	}
	if cfg.Embedding.CacheLRUSize == 0 {
		cfg.Embedding.CacheLRUSize = 10000
	}
	if cfg.Embedding.CacheLRUTTLMs == 0 {
		cfg.Embedding.CacheLRUTTLMs = 2 * 60 * 60 * 1000
	}
	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "ollama"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "llama3.1"
	}
	if cfg.Generation.TimeoutSecs == 0 {
		cfg.Generation.TimeoutSecs = 120
	}
	t := &cfg.Thresholds
	if t.Match == 0 {
		t.Match = 0.75
	}
	if t.Update == 0 {
		t.Update = 0.50
	}
	if t.Merge == 0 {
		t.Merge = 0.85
	}
	if t.SplitVariance == 0 {
		t.SplitVariance = 0.40
	}
	if t.DriftUpdate == 0 {
		t.DriftUpdate = 0.20
	}
	if t.MinContribution == 0 {
		t.MinContribution = 0.05
	}
	if t.MinResponsesPerTheme == 0 {
		t.MinResponsesPerTheme = 2
	}
	p := &cfg.Processing
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	if p.MaxKeywords == 0 {
		p.MaxKeywords = 10
	}
	if p.EmbedParallelism == 0 {
		p.EmbedParallelism = 8
	}
	if p.LLMConcurrency == 0 {
		p.LLMConcurrency = 1
	}
	if p.BatchTimeoutSecs == 0 {
		p.BatchTimeoutSecs = 300
	}
	if p.ShutdownTimeoutMs == 0 {
		p.ShutdownTimeoutMs = 5000
	}
	if p.PromptCharLimit == 0 {
		p.PromptCharLimit = 12000
	}
	if p.RefreshSampleSize == 0 {
		p.RefreshSampleSize = 20
	}
	n := &cfg.NGram
	if !n.Unigrams && !n.Bigrams && !n.Trigrams {
		n.Unigrams, n.Bigrams, n.Trigrams = true, true, true
	}
	if n.MinWordLength == 0 {
		n.MinWordLength = 3
	}
	if n.MaxStopwordsInPhrase == 0 {
		n.MaxStopwordsInPhrase = 1
	}
	v := &cfg.Vector
	if v.IVFFlatProbes == 0 {
		v.IVFFlatProbes = 10
	}
	if v.IVFFlatLists == 0 {
		v.IVFFlatLists = 100
	}
}

func (cfg *Config) validate() error {
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("configuration_invalid: database.dsn or database.host is required")
	}
	t := cfg.Thresholds
	for name, v := range map[string]float64{
		"match":            t.Match,
		"update":           t.Update,
		"merge":            t.Merge,
		"drift_update":     t.DriftUpdate,
		"min_contribution": t.MinContribution,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("configuration_invalid: thresholds.%s must be in [0,1], got %f", name, v)
		}
	}
	if t.SplitVariance < 0 {
		return fmt.Errorf("configuration_invalid: thresholds.split_variance must be >= 0")
	}
	if t.MinResponsesPerTheme < 2 {
		return fmt.Errorf("configuration_invalid: thresholds.min_responses_per_theme must be >= 2")
	}
	if cfg.Processing.EmbedParallelism < 1 {
		return fmt.Errorf("configuration_invalid: processing.embed_parallelism must be >= 1")
	}
	if cfg.Processing.LLMConcurrency < 1 {
		return fmt.Errorf("configuration_invalid: processing.llm_concurrency must be >= 1")
	}
	if cfg.Vector.IVFFlatProbes < 1 {
		return fmt.Errorf("configuration_invalid: vector.ivfflat_probes must be >= 1")
	}
	if cfg.Vector.IVFFlatLists < 1 {
		return fmt.Errorf("configuration_invalid: vector.ivfflat_lists must be >= 1")
	}
	return nil
}
