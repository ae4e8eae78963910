// Package config loads structura settings from defaults, the config file in
// the data directory, STRUCTURA_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/structura-bim/structura/internal/gateway"
	"github.com/structura-bim/structura/internal/platform"
	"github.com/structura-bim/structura/internal/store/engine"
	"github.com/structura-bim/structura/internal/store/syncq"
)

const (
	// AppName names the data directory and the env prefix.
	AppName = "structura"

	// EnvPrefix is prepended to environment overrides, e.g. STRUCTURA_SERVER_PORT.
	EnvPrefix = "STRUCTURA"

	// FileName is the config file written by `config init`.
	FileName = "config.toml"

	// LogDir is the log directory inside the data directory.
	LogDir = "logs"

	// LogFileName is the rotated log file inside LogDir.
	LogFileName = "structura.log"
)

// Config holds the resolved settings.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Watch struct {
		// Folder is the acts folder watched by `serve`; empty disables watching.
		Folder   string        `mapstructure:"folder"`
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"watch"`

	Sync struct {
		BatchSize int `mapstructure:"batch_size"`
	} `mapstructure:"sync"`

	Network struct {
		ProbeHost    string        `mapstructure:"probe_host"`
		ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"network"`

	Log struct {
		// File enables the rotated log file in addition to stderr.
		File       bool `mapstructure:"file"`
		MaxSizeMB  int  `mapstructure:"max_size_mb"`
		MaxBackups int  `mapstructure:"max_backups"`
		MaxAgeDays int  `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
}

// DBPath returns the store file path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, engine.FileName)
}

// LogPath returns the rotated log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, LogDir, LogFileName)
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the resolved settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive (got %d)", c.Sync.BatchSize)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative (got %s)", c.Watch.Debounce)
	}
	return nil
}

// DefaultDataDir returns the per-user application data directory.
func DefaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// defaults are keyed by viper path.
func defaults(dataDir string) map[string]any {
	return map[string]any{
		"data_dir":              dataDir,
		"server.host":           gateway.DefaultHost,
		"server.port":           gateway.DefaultPort,
		"watch.folder":          "",
		"watch.debounce":        "500ms",
		"sync.batch_size":       syncq.DefaultBatchSize,
		"network.probe_host":    platform.DefaultProbeHost,
		"network.probe_timeout": platform.DefaultProbeTimeout.String(),
		"log.file":              true,
		"log.max_size_mb":       10,
		"log.max_backups":       3,
		"log.max_age_days":      28,
	}
}

// New returns a viper instance with defaults and env overrides registered.
// An empty dataDir selects DefaultDataDir.
func New(dataDir string) (*viper.Viper, error) {
	if dataDir == "" {
		var err error
		if dataDir, err = DefaultDataDir(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	for key, value := range defaults(dataDir) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load reads the config file from the resolved data directory, if present,
// and returns the merged settings.
func Load(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")

	v.SetConfigName("config")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes the default settings as TOML to path. An existing file
// is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	flat := defaults(filepath.Dir(path))
	// data_dir is implied by the file location.
	delete(flat, "data_dir")

	var buf bytes.Buffer
	buf.WriteString("# structura settings. Environment variables STRUCTURA_<SECTION>_<KEY> override them.\n\n")
	if err := toml.NewEncoder(&buf).Encode(nest(flat)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// nest turns dotted keys into nested tables.
func nest(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, key := range keys {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			out[key] = flat[key]
			continue
		}
		table, _ := out[section].(map[string]any)
		if table == nil {
			table = make(map[string]any)
			out[section] = table
		}
		table[name] = flat[key]
	}
	return out
}
