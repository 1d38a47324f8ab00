package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads the main configuration from file
// If the file doesn't exist, creates a default config file
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config := DefaultConfig()
			if saveErr := m.saveUnsafe(config); saveErr != nil {
				return nil, fmt.Errorf("failed to create default config: %w", saveErr)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Unmarshal on top of the defaults so missing keys keep sane values
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m.config = config
	return config, nil
}

// saveUnsafe saves config without locking (internal use)
func (m *Manager) saveUnsafe(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write config to temp file first (atomic write)
	tempPath := m.configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, m.configPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	m.config = config
	return nil
}

// Save saves the configuration to file
func (m *Manager) Save(config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saveUnsafe(config)
}

// Get returns the currently loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}

	// Return a copy to prevent concurrent modification
	config := *m.config
	config.Download.ScratchExtractPrefixes = append([]string(nil), m.config.Download.ScratchExtractPrefixes...)
	return &config
}

// MaxConcurrentTasks returns the live per-task fetch window size.
// The download scheduler calls it on every pass, so a reloaded config
// takes effect without restarting running tasks.
func (m *Manager) MaxConcurrentTasks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil || m.config.Download.MaxConcurrentTasks < 1 {
		return DefaultConfig().Download.MaxConcurrentTasks
	}
	return m.config.Download.MaxConcurrentTasks
}

// GetConfigModTime returns the modification time of the config file
func (m *Manager) GetConfigModTime() (time.Time, error) {
	info, err := os.Stat(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WatchConfig polls the config file and reloads it when it changes.
// It returns when ctx is cancelled.
func (m *Manager) WatchConfig(ctx context.Context, interval time.Duration, onChange func(*Config, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastModTime, _ := m.GetConfigModTime()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		currentModTime, err := m.GetConfigModTime()
		if err != nil {
			onChange(nil, err)
			continue
		}

		if currentModTime.After(lastModTime) {
			config, err := m.Load()
			onChange(config, err)
			lastModTime = currentModTime
		}
	}
}
