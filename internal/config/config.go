// Package config loads configuration from environment variables, .env files
// and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the flashrag service
type Config struct {
	// Server
	HTTPAddr    string   `env:"HTTP_ADDR" envDefault:":8080" yaml:"http_addr" validate:"required"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level" validate:"oneof=debug info warn error"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:"," yaml:"cors_origins"`

	// Vector store
	VectorBackend      string `env:"VECTOR_BACKEND" envDefault:"sqlite" yaml:"vector_backend" validate:"oneof=memory sqlite qdrant"`
	SQLitePath         string `env:"SQLITE_PATH" envDefault:"flashrag.db" yaml:"sqlite_path"`
	QdrantHost         string `env:"QDRANT_HOST" envDefault:"localhost" yaml:"qdrant_host"`
	QdrantPort         int    `env:"QDRANT_PORT" envDefault:"6334" yaml:"qdrant_port"`
	DocumentCollection string `env:"DOCUMENT_COLLECTION" envDefault:"documents" yaml:"document_collection" validate:"required,nefield=CacheCollection"`
	CacheCollection    string `env:"CACHE_COLLECTION" envDefault:"query_cache" yaml:"cache_collection" validate:"required"`

	// Embedding
	Embedder         string `env:"EMBEDDER" envDefault:"ollama" yaml:"embedder" validate:"oneof=ollama hashing"`
	OllamaURL        string `env:"OLLAMA_URL" envDefault:"http://localhost:11434" yaml:"ollama_url" validate:"url"`
	EmbeddingModel   string `env:"EMBEDDING_MODEL" envDefault:"nomic-embed-text" yaml:"embedding_model"`
	HashingDimension int    `env:"HASHING_DIMENSION" envDefault:"512" yaml:"hashing_dimension" validate:"gte=16"`

	// Generation
	LLMProvider    string  `env:"LLM_PROVIDER" envDefault:"ollama" yaml:"llm_provider" validate:"oneof=ollama openai"`
	LLMModel       string  `env:"LLM_MODEL" envDefault:"llama3.2" yaml:"llm_model" validate:"required"`
	OpenAIBaseURL  string  `env:"OPENAI_BASE_URL" envDefault:"https://api.groq.com/openai/v1" yaml:"openai_base_url"`
	OpenAIAPIKey   string  `env:"OPENAI_API_KEY" yaml:"-"`
	LLMTemperature float32 `env:"LLM_TEMPERATURE" envDefault:"0.1" yaml:"llm_temperature" validate:"gte=0,lte=2"`
	LLMMaxTokens   int     `env:"LLM_MAX_TOKENS" envDefault:"1024" yaml:"llm_max_tokens" validate:"gte=0"`
	SystemPrompt   string  `env:"SYSTEM_PROMPT" yaml:"system_prompt"`

	// Reranking
	Reranker        string `env:"RERANKER" envDefault:"lexical" yaml:"reranker" validate:"oneof=lexical llm crossencoder"`
	CrossEncoderURL string `env:"CROSSENCODER_URL" envDefault:"http://localhost:8081" yaml:"crossencoder_url"`

	// Retrieval
	TopK         int  `env:"TOP_K_RETRIEVAL" envDefault:"10" yaml:"top_k" validate:"gte=1,gtefield=TopN"`
	TopN         int  `env:"TOP_K_RERANK" envDefault:"3" yaml:"top_n" validate:"gte=1"`
	HybridSearch bool `env:"HYBRID_SEARCH" envDefault:"false" yaml:"hybrid_search"`

	// Semantic cache
	CacheEnabled         bool    `env:"CACHE_ENABLED" envDefault:"true" yaml:"cache_enabled"`
	CacheThreshold       float32 `env:"CACHE_THRESHOLD" envDefault:"0.95" yaml:"cache_threshold" validate:"gt=0,lte=1"`
	CacheCapacity        int     `env:"CACHE_CAPACITY" envDefault:"1000" yaml:"cache_capacity" validate:"gte=1"`
	CacheTargetOccupancy float64 `env:"CACHE_TARGET_OCCUPANCY" envDefault:"0.9" yaml:"cache_target_occupancy" validate:"gt=0,lte=1"`
	AllowEmptyContext    bool    `env:"ALLOW_EMPTY_CONTEXT" envDefault:"true" yaml:"allow_empty_context"`

	// Batch
	MaxWorkers   int `env:"MAX_WORKERS" envDefault:"4" yaml:"max_workers" validate:"gte=1"`
	MaxBatchSize int `env:"MAX_BATCH_SIZE" envDefault:"100" yaml:"max_batch_size" validate:"gte=1"`

	// Per-call timeouts
	EmbedTimeout    time.Duration `env:"EMBED_TIMEOUT" envDefault:"10s" yaml:"embed_timeout"`
	RetrieveTimeout time.Duration `env:"RETRIEVE_TIMEOUT" envDefault:"10s" yaml:"retrieve_timeout"`
	RerankTimeout   time.Duration `env:"RERANK_TIMEOUT" envDefault:"20s" yaml:"rerank_timeout"`
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"60s" yaml:"generate_timeout"`

	// Admission
	RateLimitBackend   string `env:"RATE_LIMIT_BACKEND" envDefault:"memory" yaml:"rate_limit_backend" validate:"oneof=none memory postgres"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60" yaml:"rate_limit_per_minute" validate:"gte=1"`
	DatabaseURL        string `env:"DATABASE_URL" yaml:"-" validate:"required_if=RateLimitBackend postgres"`

	// Auth
	JWTSecret string        `env:"JWT_SECRET" yaml:"-"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h" yaml:"jwt_expiry"`

	// NATS
	NATSURL     string `env:"NATS_URL" yaml:"nats_url"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"flashrag" yaml:"nats_subject"`
}

var validate = validator.New()

// Load loads configuration from .env file (if present), environment variables
// and, when path is non-empty or CONFIG_FILE is set, a YAML file whose values
// take precedence over the environment.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints, reporting every failing field at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
