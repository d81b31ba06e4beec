package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains chain RPC connection configuration
type ChainConfig struct {
	NodeURL            string        `mapstructure:"node_url"`
	BackupNodes        []string      `mapstructure:"backup_nodes"`
	NetworkID          int           `mapstructure:"network_id"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MarketplaceAddress string        `mapstructure:"marketplace_address"`
	NFTAddress         string        `mapstructure:"nft_address"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// IngestConfig contains chain cursor configuration
type IngestConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	ConfirmationDepth int           `mapstructure:"confirmation_depth"`
	StartBlock        uint64        `mapstructure:"start_block"`
	MaxReorgDepth     int           `mapstructure:"max_reorg_depth"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

// ResolverConfig contains metadata resolver configuration
type ResolverConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	IPFSGateway   string        `mapstructure:"ipfs_gateway"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	DefaultLimit  int           `mapstructure:"default_limit"`
	MaxLimit      int           `mapstructure:"max_limit"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./internal/config")
	}

	viper.SetEnvPrefix("NFT_INDEXER")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with environment variables if present
	if nodeURL := os.Getenv("CHAIN_NODE_URL"); nodeURL != "" {
		config.Chain.NodeURL = nodeURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "nft-indexer")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// Chain defaults
	viper.SetDefault("chain.node_url", "http://localhost:8545")
	viper.SetDefault("chain.network_id", 11155111)
	viper.SetDefault("chain.request_timeout", "30s")
	viper.SetDefault("chain.retry_attempts", 3)
	viper.SetDefault("chain.retry_delay", "5s")
	viper.SetDefault("chain.marketplace_address", "0x77dEa51E89E97CFef03aEcb1425caedF340C2987")
	viper.SetDefault("chain.nft_address", "0xF26f1b2a4443f498f1ad34F42C72A584424c84E0")

	// Storage defaults
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/indexer.db")
	viper.SetDefault("storage.max_connections", 25)
	viper.SetDefault("storage.max_idle_time", "15m")

	// Ingest defaults
	viper.SetDefault("ingest.poll_interval", "10s")
	viper.SetDefault("ingest.batch_size", 200)
	viper.SetDefault("ingest.confirmation_depth", 6)
	viper.SetDefault("ingest.start_block", 0)
	viper.SetDefault("ingest.max_reorg_depth", 64)
	viper.SetDefault("ingest.max_backoff", "30s")

	// Resolver defaults
	viper.SetDefault("resolver.workers", 10)
	viper.SetDefault("resolver.queue_size", 1000)
	viper.SetDefault("resolver.fetch_timeout", "20s")
	viper.SetDefault("resolver.max_retries", 5)
	viper.SetDefault("resolver.ipfs_gateway", "https://gateway.pinata.cloud/ipfs/")
	viper.SetDefault("resolver.cache_ttl", "24h")
	viper.SetDefault("resolver.sweep_interval", "2m")
	viper.SetDefault("resolver.sweep_batch", 100)

	// Server defaults
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.default_limit", 50)
	viper.SetDefault("server.max_limit", 200)
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.NodeURL == "" {
		return fmt.Errorf("chain node URL is required")
	}
	if c.Chain.MarketplaceAddress == "" {
		return fmt.Errorf("marketplace contract address is required")
	}
	if c.Chain.NFTAddress == "" {
		return fmt.Errorf("NFT contract address is required")
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Ingest.PollInterval <= 0 {
		return fmt.Errorf("ingest poll interval must be positive")
	}
	if c.Ingest.ConfirmationDepth < 0 {
		return fmt.Errorf("confirmation depth must not be negative")
	}
	if c.Ingest.MaxReorgDepth <= 0 {
		return fmt.Errorf("max reorg depth must be positive")
	}
	if c.Resolver.Workers <= 0 {
		return fmt.Errorf("resolver workers must be positive")
	}
	return nil
}
