package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type StorageConfig struct {
	SQLitePath string
	IndexPath  string
	UploadsDir string
}

type LLMConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	// TopKRetrieval is the coarse candidate count N fed to the reranker;
	// TopKRerank is the final K passed to answer synthesis.
	TopKRetrieval int
	TopKRerank    int
	// MinRelevance is the rerank score floor below which candidates are
	// dropped. When every candidate falls below it, the query receives the
	// zero-confidence fallback answer.
	MinRelevance float64
}

type CacheConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/docqa")

	viper.SetEnvPrefix("DOCQA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking overlap (%d) must be smaller than chunk size (%d)",
			c.Chunking.Overlap, c.Chunking.Size)
	}
	if c.Retrieval.TopKRerank > c.Retrieval.TopKRetrieval {
		return fmt.Errorf("topKRerank (%d) must not exceed topKRetrieval (%d)",
			c.Retrieval.TopKRerank, c.Retrieval.TopKRetrieval)
	}
	if c.LLM.EmbeddingDim <= 0 {
		return fmt.Errorf("embeddingDim must be positive, got %d", c.LLM.EmbeddingDim)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 52428800)

	viper.SetDefault("storage.sqlitePath", "./data/metadata/docqa.db")
	viper.SetDefault("storage.indexPath", "./data/index/vectors.idx")
	viper.SetDefault("storage.uploadsDir", "./data/uploads")

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 1024)

	viper.SetDefault("chunking.size", 512)
	viper.SetDefault("chunking.overlap", 50)

	viper.SetDefault("retrieval.topKRetrieval", 20)
	viper.SetDefault("retrieval.topKRerank", 5)
	viper.SetDefault("retrieval.minRelevance", 0.05)

	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.host", "localhost")
	viper.SetDefault("cache.port", 6379)
	viper.SetDefault("cache.db", 0)
	viper.SetDefault("cache.ttlSec", 600)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
