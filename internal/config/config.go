// Package config provides configuration management for the comicvault daemon.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/comicvault/comicvault/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "comicvault.config.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Source   SourceConfig          `mapstructure:"source" yaml:"source" json:"source"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host" json:"host"`
	Port         int    `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`    // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// DownloadConfig contains download engine configuration
type DownloadConfig struct {
	Directory      string `mapstructure:"directory" yaml:"directory" json:"directory"`                  // library root
	CacheDirectory string `mapstructure:"cache_directory" yaml:"cache_directory" json:"cacheDirectory"` // archive downloads
	// MaxConcurrentTasks bounds the images fetched in parallel for one task.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks" json:"maxConcurrentTasks"`
	RetryDelayMs       int `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms" json:"retryDelayMs"`
	MinFreeSpaceMB     int `mapstructure:"min_free_space_mb" yaml:"min_free_space_mb" json:"minFreeSpaceMB"`
	// ScratchExtractPrefixes lists destination prefixes that archives cannot be
	// extracted into directly.
	ScratchExtractPrefixes []string `mapstructure:"scratch_extract_prefixes" yaml:"scratch_extract_prefixes" json:"scratchExtractPrefixes"`
	AutoResume             bool     `mapstructure:"auto_resume" yaml:"auto_resume" json:"autoResume"`
}

// SourceConfig contains the content source endpoint configuration
type SourceConfig struct {
	Key       string `mapstructure:"key" yaml:"key" json:"key"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Timeout   int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"` // seconds
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level" json:"level"`             // debug, info, warn, error
	Format    string `mapstructure:"format" yaml:"format" json:"format"`          // json, text
	Output    string `mapstructure:"output" yaml:"output" json:"output"`          // stdout, file, both
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"` // log directory
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9290,
			ReadTimeout:  60,
			WriteTimeout: 60,
		},
		Download: DownloadConfig{
			Directory:          filepath.Join(cwd, "library"),
			CacheDirectory:     filepath.Join(os.TempDir(), "comicvault"),
			MaxConcurrentTasks: 5,
			RetryDelayMs:       1000,
			MinFreeSpaceMB:     64,
			AutoResume:         true,
		},
		Source: SourceConfig{
			Key:       "default",
			Endpoint:  "http://127.0.0.1:9300",
			Timeout:   30,
			UserAgent: "comicvault",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Directory: filepath.Join(cwd, "logs"),
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "comicvault.db"),
				EnableWAL: true,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max concurrent tasks must be at least 1")
	}
	if c.Download.RetryDelayMs < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	for _, prefix := range c.Download.ScratchExtractPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("scratch extract prefix cannot be empty")
		}
	}

	if c.Source.Key == "" {
		return fmt.Errorf("source key cannot be empty")
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("COMICVAULT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager using the default path
func NewManager() *Manager {
	return NewManagerWithPath(filepath.Join(GetConfigDir(), DefaultConfigFile))
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
