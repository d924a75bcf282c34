package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration shared by the client
// and the server commands.
type AppConfig struct {
	ChunkSize         string        `mapstructure:"chunk_size"`
	BufferPath        string        `mapstructure:"buffer_path"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay"`
	Port              int           `mapstructure:"port"`
	OutputDir         string        `mapstructure:"output_dir"`
	APIKey            string        `mapstructure:"api_key"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.SetEnvPrefix("indexcp")
	viper.AutomaticEnv()

	viper.SetDefault("chunk_size", "1MB")
	viper.SetDefault("buffer_path", defaultBufferPath())
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("initial_retry_delay", "1s")
	viper.SetDefault("port", 3000)
	viper.SetDefault("output_dir", ".")
	viper.SetDefault("api_key", "")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("unable to decode config into struct: %v", err)
	}

	Config = &appConfig
}

// ChunkSizeBytes parses the configured chunk size, accepting human-readable
// values such as "1MB" or "512KB" (binary units).
func (c *AppConfig) ChunkSizeBytes() (int64, error) {
	size, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk_size %q: %w", c.ChunkSize, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("chunk_size must be positive, got %q", c.ChunkSize)
	}
	return size, nil
}

func defaultBufferPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".indexcp", "buffer")
	}
	return filepath.Join(home, ".indexcp", "buffer")
}
