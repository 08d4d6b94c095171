// Package config resolves kbchat settings from defaults, an optional YAML
// file, .env and KBCHAT_* environment variables. Command-line flags are
// applied on top by cmd/kbchat.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIURL  = "http://localhost:5000/api"
	defaultTimeout = 30 * time.Second
	appDir         = "kbchat"
)

// Config is the resolved configuration.
type Config struct {
	API       APIConfig    `yaml:"api"`
	Poll      PollConfig   `yaml:"poll"`
	Search    SearchConfig `yaml:"search"`
	StateDir  string       `yaml:"state_dir"`
	CacheDir  string       `yaml:"cache_dir"`
	LogFile   string       `yaml:"log_file"`
	Verbose   bool         `yaml:"verbose"`
	AltScreen bool         `yaml:"alt_screen"`
}

// APIConfig locates the service.
type APIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollConfig holds the poll delays.
type PollConfig struct {
	Health   time.Duration `yaml:"health"`
	Projects time.Duration `yaml:"projects"`
	Progress time.Duration `yaml:"progress"`
}

// SearchConfig holds the default retrieval toggles sent with each message.
type SearchConfig struct {
	Hybrid    bool `yaml:"hybrid"`
	Graph     bool `yaml:"graph"`
	Reranking bool `yaml:"reranking"`
}

// Default returns the built-in settings.
func Default() Config {
	stateDir := defaultStateDir()
	return Config{
		API: APIConfig{URL: defaultAPIURL, Timeout: defaultTimeout},
		Poll: PollConfig{
			Health:   2 * time.Second,
			Projects: 3 * time.Second,
			Progress: 2 * time.Second,
		},
		Search:    SearchConfig{Hybrid: true, Reranking: true},
		StateDir:  stateDir,
		LogFile:   filepath.Join(stateDir, "kbchat.log"),
		AltScreen: true,
	}
}

// DefaultPath is where Load looks when no file is given.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, appDir, "config.yaml")
}

func defaultStateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kbchat-state")
	}
	return filepath.Join(base, appDir)
}

// Load resolves the configuration. An explicit path must exist; the default
// path is optional.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.API.URL, "KBCHAT_API_URL")
	setString(&c.StateDir, "KBCHAT_STATE_DIR")
	setString(&c.CacheDir, "KBCHAT_CACHE_DIR")
	setString(&c.LogFile, "KBCHAT_LOG_FILE")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"KBCHAT_TIMEOUT", &c.API.Timeout},
		{"KBCHAT_POLL_HEALTH", &c.Poll.Health},
		{"KBCHAT_POLL_PROJECTS", &c.Poll.Projects},
		{"KBCHAT_POLL_PROGRESS", &c.Poll.Progress},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"KBCHAT_VERBOSE", &c.Verbose},
		{"KBCHAT_ALT_SCREEN", &c.AltScreen},
		{"KBCHAT_HYBRID_SEARCH", &c.Search.Hybrid},
		{"KBCHAT_GRAPH_SEARCH", &c.Search.Graph},
		{"KBCHAT_RERANKING", &c.Search.Reranking},
	}
	for _, b := range bools {
		if err := setBool(b.dst, b.key); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the client cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api url %q", c.API.URL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be positive, got %s", c.API.Timeout)
	}
	for name, d := range map[string]time.Duration{
		"health":   c.Poll.Health,
		"projects": c.Poll.Projects,
		"progress": c.Poll.Progress,
	} {
		if d <= 0 {
			return fmt.Errorf("%s poll interval must be positive, got %s", name, d)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, key string) error {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
