// Package config loads engine configuration from defaults, an optional .env
// file, and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Qdrant     QdrantConfig     `json:"qdrant"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Resolution ResolutionConfig `json:"resolution"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// StoreConfig represents the record store configuration
type StoreConfig struct {
	// Driver selects the record store backend: "sqlite", "postgres" or
	// "memory".
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`

	// SchemaFile points to the YAML record-type schema registry.
	SchemaFile string `json:"schema_file"`
}

// QdrantConfig represents the semantic index configuration
type QdrantConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	APIKey         string `json:"-"` // Never serialize API key
	UseTLS         bool   `json:"use_tls"`
	Collection     string `json:"collection"`
	RetryAttempts  int    `json:"retry_attempts"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// OpenAIConfig represents the embedding provider configuration
type OpenAIConfig struct {
	APIKey         string `json:"-"` // Never serialize API key
	EmbeddingModel string `json:"embedding_model"`
	RequestTimeout int    `json:"request_timeout_seconds"`
	CacheSize      int    `json:"cache_size"`
	CacheTTLHours  int    `json:"cache_ttl_hours"`
}

// ResolutionConfig represents the decision thresholds, with optional
// per-record-type overrides.
type ResolutionConfig struct {
	ReuseThreshold    float64 `json:"reuse_threshold"`
	ConsiderThreshold float64 `json:"consider_threshold"`
	PartialMatchScore float64 `json:"partial_match_score"`
	MaxChoices        int     `json:"max_choices"`

	// TypeOverrides replaces the default thresholds for specific record
	// types. Zero-valued fields inside an override fall back to the default.
	TypeOverrides map[string]ThresholdOverride `json:"type_overrides,omitempty"`
}

// ThresholdOverride carries per-record-type threshold replacements.
type ThresholdOverride struct {
	ReuseThreshold    float64 `json:"reuse_threshold,omitempty"`
	ConsiderThreshold float64 `json:"consider_threshold,omitempty"`
	PartialMatchScore float64 `json:"partial_match_score,omitempty"`
}

// ForType returns the effective thresholds for a record type.
func (rc *ResolutionConfig) ForType(recordType string) (reuse, consider, partial float64) {
	reuse, consider, partial = rc.ReuseThreshold, rc.ConsiderThreshold, rc.PartialMatchScore
	override, ok := rc.TypeOverrides[recordType]
	if !ok {
		return reuse, consider, partial
	}
	if override.ReuseThreshold > 0 {
		reuse = override.ReuseThreshold
	}
	if override.ConsiderThreshold > 0 {
		consider = override.ConsiderThreshold
	}
	if override.PartialMatchScore > 0 {
		partial = override.PartialMatchScore
	}
	return reuse, consider, partial
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "localhost",
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			DSN:        "./data/entitylink.db",
			SchemaFile: "./config/schema.yaml",
		},
		Qdrant: QdrantConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           6334,
			UseTLS:         false,
			Collection:     "entitylink_records",
			RetryAttempts:  3,
			TimeoutSeconds: 10,
		},
		OpenAI: OpenAIConfig{
			EmbeddingModel: "text-embedding-3-small",
			RequestTimeout: 30,
			CacheSize:      1000,
			CacheTTLHours:  24,
		},
		Resolution: ResolutionConfig{
			ReuseThreshold:    0.9,
			ConsiderThreshold: 0.7,
			PartialMatchScore: 0.6,
			MaxChoices:        3,
			TypeOverrides:     make(map[string]ThresholdOverride),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from environment variables and defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadStoreConfig(config)
	loadQdrantConfig(config)
	loadOpenAIConfig(config)
	loadResolutionConfig(config)
	loadLoggingConfig(config)
}

func loadServerConfig(config *Config) {
	if port := os.Getenv("ENTITYLINK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ENTITYLINK_HOST"); host != "" {
		config.Server.Host = host
	}
	if readTimeout := os.Getenv("ENTITYLINK_READ_TIMEOUT_SECONDS"); readTimeout != "" {
		if rt, err := strconv.Atoi(readTimeout); err == nil {
			config.Server.ReadTimeout = rt
		}
	}
	if writeTimeout := os.Getenv("ENTITYLINK_WRITE_TIMEOUT_SECONDS"); writeTimeout != "" {
		if wt, err := strconv.Atoi(writeTimeout); err == nil {
			config.Server.WriteTimeout = wt
		}
	}
}

func loadStoreConfig(config *Config) {
	if driver := os.Getenv("ENTITYLINK_STORE_DRIVER"); driver != "" {
		config.Store.Driver = driver
	}
	if dsn := os.Getenv("ENTITYLINK_STORE_DSN"); dsn != "" {
		config.Store.DSN = dsn
	}
	if schemaFile := os.Getenv("ENTITYLINK_SCHEMA_FILE"); schemaFile != "" {
		config.Store.SchemaFile = schemaFile
	}
}

func loadQdrantConfig(config *Config) {
	if enabled := os.Getenv("ENTITYLINK_QDRANT_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Qdrant.Enabled = e
		}
	}
	if host := os.Getenv("ENTITYLINK_QDRANT_HOST"); host != "" {
		config.Qdrant.Host = host
	} else if host := os.Getenv("QDRANT_HOST"); host != "" {
		config.Qdrant.Host = host
	}
	if port := os.Getenv("ENTITYLINK_QDRANT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Qdrant.Port = p
		}
	} else if port := os.Getenv("QDRANT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Qdrant.Port = p
		}
	}
	if apiKey := os.Getenv("ENTITYLINK_QDRANT_API_KEY"); apiKey != "" {
		config.Qdrant.APIKey = apiKey
	} else if apiKey := os.Getenv("QDRANT_API_KEY"); apiKey != "" {
		config.Qdrant.APIKey = apiKey
	}
	if useTLS := os.Getenv("ENTITYLINK_QDRANT_USE_TLS"); useTLS != "" {
		if tls, err := strconv.ParseBool(useTLS); err == nil {
			config.Qdrant.UseTLS = tls
		}
	}
	if collection := os.Getenv("ENTITYLINK_QDRANT_COLLECTION"); collection != "" {
		config.Qdrant.Collection = collection
	}
	if retryAttempts := os.Getenv("ENTITYLINK_QDRANT_RETRY_ATTEMPTS"); retryAttempts != "" {
		if ra, err := strconv.Atoi(retryAttempts); err == nil {
			config.Qdrant.RetryAttempts = ra
		}
	}
	if timeoutSeconds := os.Getenv("ENTITYLINK_QDRANT_TIMEOUT_SECONDS"); timeoutSeconds != "" {
		if ts, err := strconv.Atoi(timeoutSeconds); err == nil {
			config.Qdrant.TimeoutSeconds = ts
		}
	}
}

func loadOpenAIConfig(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if model := os.Getenv("OPENAI_EMBEDDING_MODEL"); model != "" {
		config.OpenAI.EmbeddingModel = model
	}
	if requestTimeout := os.Getenv("ENTITYLINK_OPENAI_REQUEST_TIMEOUT_SECONDS"); requestTimeout != "" {
		if rt, err := strconv.Atoi(requestTimeout); err == nil {
			config.OpenAI.RequestTimeout = rt
		}
	}
	if cacheSize := os.Getenv("ENTITYLINK_EMBEDDING_CACHE_SIZE"); cacheSize != "" {
		if cs, err := strconv.Atoi(cacheSize); err == nil {
			config.OpenAI.CacheSize = cs
		}
	}
}

func loadResolutionConfig(config *Config) {
	if reuse := os.Getenv("ENTITYLINK_REUSE_THRESHOLD"); reuse != "" {
		if r, err := strconv.ParseFloat(reuse, 64); err == nil {
			config.Resolution.ReuseThreshold = r
		}
	}
	if consider := os.Getenv("ENTITYLINK_CONSIDER_THRESHOLD"); consider != "" {
		if c, err := strconv.ParseFloat(consider, 64); err == nil {
			config.Resolution.ConsiderThreshold = c
		}
	}
	if partial := os.Getenv("ENTITYLINK_PARTIAL_MATCH_SCORE"); partial != "" {
		if p, err := strconv.ParseFloat(partial, 64); err == nil {
			config.Resolution.PartialMatchScore = p
		}
	}
	if maxChoices := os.Getenv("ENTITYLINK_MAX_CHOICES"); maxChoices != "" {
		if mc, err := strconv.Atoi(maxChoices); err == nil {
			config.Resolution.MaxChoices = mc
		}
	}
}

func loadLoggingConfig(config *Config) {
	if level := os.Getenv("ENTITYLINK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ENTITYLINK_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store DSN cannot be empty")
		}
	case "memory":
		// No DSN; everything lives in process. Useful for demos and tests.
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if c.Qdrant.Enabled {
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host cannot be empty")
		}
		if c.Qdrant.Port <= 0 {
			return fmt.Errorf("qdrant port must be greater than 0")
		}
		if c.Qdrant.Collection == "" {
			return fmt.Errorf("qdrant collection cannot be empty")
		}
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when the semantic index is enabled")
		}
	}

	return c.Resolution.Validate()
}

// Validate checks that the threshold partition has no gaps or inversions.
func (rc *ResolutionConfig) Validate() error {
	if err := validateThresholds(rc.ReuseThreshold, rc.ConsiderThreshold, rc.PartialMatchScore); err != nil {
		return err
	}
	for recordType := range rc.TypeOverrides {
		reuse, consider, partial := rc.ForType(recordType)
		if err := validateThresholds(reuse, consider, partial); err != nil {
			return fmt.Errorf("record type %s: %w", recordType, err)
		}
	}
	if rc.MaxChoices <= 0 {
		return fmt.Errorf("max choices must be positive")
	}
	return nil
}

func validateThresholds(reuse, consider, partial float64) error {
	if reuse <= 0 || reuse > 1 {
		return fmt.Errorf("reuse threshold must be in (0,1], got %f", reuse)
	}
	if consider <= 0 || consider > 1 {
		return fmt.Errorf("consider threshold must be in (0,1], got %f", consider)
	}
	if consider >= reuse {
		return fmt.Errorf("consider threshold %f must be below reuse threshold %f", consider, reuse)
	}
	if partial <= 0 || partial > 1 {
		return fmt.Errorf("partial match score must be in (0,1], got %f", partial)
	}
	return nil
}
