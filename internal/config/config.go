package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

const appName = "podcore"

// Config is the persisted application configuration
type Config struct {
	Database DatabaseConfig `json:"database"`
	Download DownloadConfig `json:"download"`
	Feed     FeedConfig     `json:"feed"`
	LogLevel string         `json:"logLevel"`
	LogDir   string         `json:"logDir,omitempty"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Type string `json:"type"` // "sqlite" or "postgres"
	File string `json:"file,omitempty"`
	DSN  string `json:"dsn,omitempty"`
}

// DownloadConfig represents download configuration
type DownloadConfig struct {
	MaxSizeGB              int    `json:"maxSizeGB"`
	MaxEpisodesPerPodcast  int    `json:"maxEpisodesPerPodcast"`
	AutoCleanup            bool   `json:"autoCleanup"`
	CleanupDays            int    `json:"cleanupDays"`
	MaxConcurrentDownloads int    `json:"maxConcurrentDownloads"`
	DownloadPath           string `json:"downloadPath"`
}

// FeedConfig controls feed fetching.
type FeedConfig struct {
	UserAgent         string        `json:"userAgent"`
	Timeout           time.Duration `json:"timeout"`
	RequestsPerSecond float64       `json:"requestsPerSecond"`
	MaxPages          int           `json:"maxPages"`
	MaxFeedMB         int           `json:"maxFeedMB"`
	RefreshWorkers    int           `json:"refreshWorkers"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: "sqlite",
		},
		Download: DownloadConfig{
			MaxSizeGB:              5,
			MaxEpisodesPerPodcast:  10,
			AutoCleanup:            true,
			CleanupDays:            30,
			MaxConcurrentDownloads: 3,
			DownloadPath:           "", // Will be set to ~/Music/Podcasts
		},
		Feed: FeedConfig{
			UserAgent:         "podcore/1.0",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 4,
			MaxPages:          50,
			MaxFeedMB:         32,
			RefreshWorkers:    4,
		},
		LogLevel: "info",
	}
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName), nil
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
		config:     DefaultConfig(),
	}
}

// Load loads the configuration from disk, then applies .env and environment
// overrides. A missing file is created with defaults.
func (m *Manager) Load() error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		if err := m.Save(); err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}

		if err := json.Unmarshal(data, m.config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load(filepath.Join(m.configDir, ".env"))
	m.applyEnv()
	return nil
}

// Save saves the configuration to disk
func (m *Manager) Save() error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Config returns the current configuration
func (m *Manager) Config() *Config {
	return m.config
}

// SetConfig updates the configuration
func (m *Manager) SetConfig(config *Config) {
	m.config = config
}

// Dir returns the configuration directory.
func (m *Manager) Dir() string {
	return m.configDir
}

// DatabaseFile returns the sqlite file, defaulting to the config directory.
func (m *Manager) DatabaseFile() string {
	if m.config.Database.File != "" {
		return m.config.Database.File
	}
	return filepath.Join(m.configDir, "podcore.db")
}

// DownloadDir returns the download directory path
func (m *Manager) DownloadDir() string {
	if m.config.Download.DownloadPath != "" {
		return m.config.Download.DownloadPath
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(m.configDir, "downloads")
	}
	return filepath.Join(homeDir, "Music", "Podcasts")
}

// EnsureDownloadDir creates the download directory and its temp directory.
func (m *Manager) EnsureDownloadDir() error {
	downloadDir := m.DownloadDir()
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	tempDir := filepath.Join(downloadDir, "temp")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	return nil
}

func (m *Manager) applyEnv() {
	c := m.config

	if v, ok := os.LookupEnv("PODCORE_DB_TYPE"); ok {
		c.Database.Type = v
	}
	if v, ok := os.LookupEnv("PODCORE_DB_FILE"); ok {
		c.Database.File = v
	}
	if v, ok := os.LookupEnv("PODCORE_DB_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := os.LookupEnv("PODCORE_DOWNLOAD_PATH"); ok {
		c.Download.DownloadPath = v
	}
	if v, ok := os.LookupEnv("PODCORE_MAX_DOWNLOADS"); ok {
		if n, err := cast.ToIntE(v); err == nil && n > 0 {
			c.Download.MaxConcurrentDownloads = n
		}
	}
	if v, ok := os.LookupEnv("PODCORE_AUTO_CLEANUP"); ok {
		if b, err := cast.ToBoolE(v); err == nil {
			c.Download.AutoCleanup = b
		}
	}
	if v, ok := os.LookupEnv("PODCORE_FEED_TIMEOUT"); ok {
		if d, err := cast.ToDurationE(v); err == nil && d > 0 {
			c.Feed.Timeout = d
		}
	}
	if v, ok := os.LookupEnv("PODCORE_FEED_RPS"); ok {
		if f, err := cast.ToFloat64E(v); err == nil && f > 0 {
			c.Feed.RequestsPerSecond = f
		}
	}
	if v, ok := os.LookupEnv("PODCORE_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("PODCORE_LOG_DIR"); ok {
		c.LogDir = v
	}
}
