// Package gatewayconfig loads a single immutable configuration snapshot,
// the way internal/config does in the source repo: a nested struct with
// YAML tags and defaults applied when a field is left zero-valued.
// Loading itself is ambient plumbing, not a feature this specification
// covers — callers (cmd/gatewayd) own flag parsing and file discovery.
package gatewayconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable snapshot passed by constructor injection to every
// component. Never mutated after Load returns; there is no reload, so a
// changed file takes effect only when the process loads it again.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	Cache         CacheConfig         `yaml:"cache"`
	BlobStore     BlobStoreConfig     `yaml:"blob_store"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	ContextBudget ContextBudgetConfig `yaml:"context_budget"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	MemoryPipe    MemoryPipeConfig    `yaml:"memory_pipeline"`
	Relationships RelationshipsConfig `yaml:"relationships"`
	Summarize     SummarizeConfig     `yaml:"summarize"`
	Logging       LoggingConfig       `yaml:"logging"`
	Obs           ObsConfig           `yaml:"observability"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type PostgresConfig struct {
	DSN         string        `yaml:"dsn"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdle     time.Duration `yaml:"max_idle"`
}

type VectorStoreConfig struct {
	Backend   string `yaml:"backend"` // "qdrant" | "postgres"
	QdrantURL string `yaml:"qdrant_url"`
	Dimension int    `yaml:"dimension"`
}

type CacheConfig struct {
	Backend  string `yaml:"backend"` // "redis" | "inprocess"
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BlobStoreConfig struct {
	Backend string `yaml:"backend"` // "s3" | "none"
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"` // "openai" | "anthropic" | "gemini"
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type ContextBudgetConfig struct {
	TokenBudget     int     `yaml:"token_budget"`
	RetrievalK      int     `yaml:"retrieval_k"`
	Alpha           float64 `yaml:"alpha"`
	Beta            float64 `yaml:"beta"`
	Delta           float64 `yaml:"delta"`
	RecencyLambda   float64 `yaml:"recency_lambda"`
	MMRDiversity    float64 `yaml:"mmr_diversity"`
	MicroQuoteCap   int     `yaml:"micro_quote_cap"`
	ShortVariantCap int     `yaml:"short_variant_cap"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
	JobsPerMinute     int `yaml:"jobs_per_minute"`
}

type MemoryPipeConfig struct {
	Transport       string `yaml:"transport"` // memorypipe reads neither this nor the Kafka fields; it always uses an in-process channel
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaTopic      string   `yaml:"kafka_topic"`
	QueueHighWater  int    `yaml:"queue_high_water"`
	Workers         int    `yaml:"workers"`
}

type RelationshipsConfig struct {
	ContradictionClassifier string  `yaml:"contradiction_classifier"` // "heuristic" | "llm"
	SupportsThreshold       float64 `yaml:"supports_threshold"`
	ContradictsThreshold    float64 `yaml:"contradicts_threshold"`
	NeighborK               int     `yaml:"neighbor_k"`
}

type SummarizeConfig struct {
	TurnInterval     int `yaml:"turn_interval"`
	TokenThreshold   int `yaml:"token_threshold"`
	SummaryTokenCap  int `yaml:"summary_token_cap"`
	BulletTokenCap   int `yaml:"bullet_token_cap"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// ObsConfig configures the OTLP tracing/metrics exporters. Left zero-valued
// (OTLP == "") to run with the global no-op providers, e.g. in tests.
type ObsConfig struct {
	OTLP           string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// Load reads filename and applies defaults to zero-valued fields.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
		applyDefaults(cfg)
	}
	return cfg, nil
}

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Postgres: PostgresConfig{
			MaxConns: 10, MinConns: 2,
			MaxLifetime: time.Hour, MaxIdle: 30 * time.Minute,
		},
		VectorStore:   VectorStoreConfig{Backend: "postgres", Dimension: 1536},
		Cache:         CacheConfig{Backend: "inprocess"},
		BlobStore:     BlobStoreConfig{Backend: "none"},
		LLM:           LLMConfig{Provider: "openai"},
		Embedding:     EmbeddingConfig{Provider: "openai", Dimension: 1536},
		ContextBudget: ContextBudgetConfig{
			TokenBudget: 2000, RetrievalK: 40,
			Alpha: 1.0, Beta: 0.2, Delta: 0.4,
			RecencyLambda: 0.03, MMRDiversity: 0.3,
			MicroQuoteCap: 120, ShortVariantCap: 120,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 120, JobsPerMinute: 120},
		MemoryPipe: MemoryPipeConfig{Transport: "inprocess", QueueHighWater: 1000, Workers: 4},
		Relationships: RelationshipsConfig{
			ContradictionClassifier: "heuristic",
			SupportsThreshold:       0.82, ContradictsThreshold: 0.70,
			NeighborK: 20,
		},
		Summarize: SummarizeConfig{TurnInterval: 10, TokenThreshold: 3000, SummaryTokenCap: 250, BulletTokenCap: 120},
		Logging:   LoggingConfig{Level: "info"},
		Obs:       ObsConfig{ServiceName: "gatewaycore", ServiceVersion: "dev", Environment: "development"},
	}
}

// applyDefaults fills zero-valued fields after a partial YAML load, mirroring
// internal/config.LoadConfig's fallback-on-missing-value behavior.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = d.Postgres.MaxConns
	}
	if cfg.Postgres.MinConns == 0 {
		cfg.Postgres.MinConns = d.Postgres.MinConns
	}
	if cfg.Postgres.MaxLifetime == 0 {
		cfg.Postgres.MaxLifetime = d.Postgres.MaxLifetime
	}
	if cfg.Postgres.MaxIdle == 0 {
		cfg.Postgres.MaxIdle = d.Postgres.MaxIdle
	}
	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = d.VectorStore.Backend
	}
	if cfg.VectorStore.Dimension == 0 {
		cfg.VectorStore.Dimension = d.VectorStore.Dimension
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = d.Cache.Backend
	}
	if cfg.BlobStore.Backend == "" {
		cfg.BlobStore.Backend = d.BlobStore.Backend
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = d.LLM.Provider
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = d.Embedding.Provider
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = d.Embedding.Dimension
	}
	cb := &cfg.ContextBudget
	if cb.TokenBudget == 0 {
		cb.TokenBudget = d.ContextBudget.TokenBudget
	}
	if cb.RetrievalK == 0 {
		cb.RetrievalK = d.ContextBudget.RetrievalK
	}
	if cb.Alpha == 0 {
		cb.Alpha = d.ContextBudget.Alpha
	}
	if cb.Beta == 0 {
		cb.Beta = d.ContextBudget.Beta
	}
	if cb.Delta == 0 {
		cb.Delta = d.ContextBudget.Delta
	}
	if cb.RecencyLambda == 0 {
		cb.RecencyLambda = d.ContextBudget.RecencyLambda
	}
	if cb.MMRDiversity == 0 {
		cb.MMRDiversity = d.ContextBudget.MMRDiversity
	}
	if cb.MicroQuoteCap == 0 {
		cb.MicroQuoteCap = d.ContextBudget.MicroQuoteCap
	}
	if cb.ShortVariantCap == 0 {
		cb.ShortVariantCap = d.ContextBudget.ShortVariantCap
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = d.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	if cfg.RateLimit.JobsPerMinute == 0 {
		cfg.RateLimit.JobsPerMinute = d.RateLimit.JobsPerMinute
	}
	if cfg.MemoryPipe.Transport == "" {
		cfg.MemoryPipe.Transport = d.MemoryPipe.Transport
	}
	if cfg.MemoryPipe.QueueHighWater == 0 {
		cfg.MemoryPipe.QueueHighWater = d.MemoryPipe.QueueHighWater
	}
	if cfg.MemoryPipe.Workers == 0 {
		cfg.MemoryPipe.Workers = d.MemoryPipe.Workers
	}
	if cfg.Relationships.ContradictionClassifier == "" {
		cfg.Relationships.ContradictionClassifier = d.Relationships.ContradictionClassifier
	}
	if cfg.Relationships.SupportsThreshold == 0 {
		cfg.Relationships.SupportsThreshold = d.Relationships.SupportsThreshold
	}
	if cfg.Relationships.ContradictsThreshold == 0 {
		cfg.Relationships.ContradictsThreshold = d.Relationships.ContradictsThreshold
	}
	if cfg.Relationships.NeighborK == 0 {
		cfg.Relationships.NeighborK = d.Relationships.NeighborK
	}
	if cfg.Summarize.TurnInterval == 0 {
		cfg.Summarize.TurnInterval = d.Summarize.TurnInterval
	}
	if cfg.Summarize.TokenThreshold == 0 {
		cfg.Summarize.TokenThreshold = d.Summarize.TokenThreshold
	}
	if cfg.Summarize.SummaryTokenCap == 0 {
		cfg.Summarize.SummaryTokenCap = d.Summarize.SummaryTokenCap
	}
	if cfg.Summarize.BulletTokenCap == 0 {
		cfg.Summarize.BulletTokenCap = d.Summarize.BulletTokenCap
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = d.Obs.ServiceName
	}
	if cfg.Obs.ServiceVersion == "" {
		cfg.Obs.ServiceVersion = d.Obs.ServiceVersion
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = d.Obs.Environment
	}
}
