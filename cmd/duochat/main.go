package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.duochat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Store   ConfigStore   `toml:"store"`
	Mirror  ConfigMirror  `toml:"mirror"`
	Relay   ConfigRelay   `toml:"relay"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the session settings.
type ConfigDefault struct {
	Participant string `toml:"participant"`
	StatusRule  string `toml:"status_rule"`
	AutoRead    *bool  `toml:"auto_read,omitempty"`
}

// ConfigStore selects the local store.
type ConfigStore struct {
	Kind string `toml:"kind"` // pebble | memory
	Path string `toml:"path"`
}

// ConfigMirror selects the remote mirror.
type ConfigMirror struct {
	Kind          string `toml:"kind"` // none | redis | relay
	URL           string `toml:"url"`
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// ConfigRelay configures `duochat relay`.
type ConfigRelay struct {
	Listen  string `toml:"listen"`
	Backend string `toml:"backend"` // memory | redis
}

// ConfigLog configures logging.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console | json
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns $DUOCHAT_HOME or ~/.duochat, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("DUOCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".duochat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file without defaults or
// environment overrides. A missing file yields a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig returns the effective configuration: file, then DUOCHAT_*
// environment variables, then defaults.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) error {
	if cfg.Default.StatusRule == "" {
		cfg.Default.StatusRule = "forward-only"
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = "pebble"
	}
	if cfg.Store.Path == "" {
		dir, err := configDir()
		if err != nil {
			return err
		}
		cfg.Store.Path = filepath.Join(dir, "db")
	}
	if cfg.Mirror.Kind == "" {
		cfg.Mirror.Kind = "none"
	}
	if cfg.Mirror.Path == "" {
		cfg.Mirror.Path = "chat/messages"
	}
	if cfg.Mirror.URL == "" {
		cfg.Mirror.URL = "ws://localhost:8787/ws"
	}
	if cfg.Mirror.RedisAddr == "" {
		cfg.Mirror.RedisAddr = "localhost:6379"
	}
	if cfg.Relay.Listen == "" {
		cfg.Relay.Listen = ":8787"
	}
	if cfg.Relay.Backend == "" {
		cfg.Relay.Backend = "memory"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	return nil
}

// envKeys maps environment variables onto config keys.
var envKeys = map[string]string{
	"DUOCHAT_PARTICIPANT":    "default.participant",
	"DUOCHAT_STATUS_RULE":    "default.status_rule",
	"DUOCHAT_AUTO_READ":      "default.auto_read",
	"DUOCHAT_STORE_KIND":     "store.kind",
	"DUOCHAT_STORE_PATH":     "store.path",
	"DUOCHAT_MIRROR_KIND":    "mirror.kind",
	"DUOCHAT_MIRROR_URL":     "mirror.url",
	"DUOCHAT_MIRROR_PATH":    "mirror.path",
	"DUOCHAT_REDIS_ADDR":     "mirror.redis_addr",
	"DUOCHAT_REDIS_PASSWORD": "mirror.redis_password",
	"DUOCHAT_REDIS_DB":       "mirror.redis_db",
	"DUOCHAT_RELAY_LISTEN":   "relay.listen",
	"DUOCHAT_RELAY_BACKEND":  "relay.backend",
	"DUOCHAT_LOG_LEVEL":      "log.level",
	"DUOCHAT_LOG_FORMAT":     "log.format",
}

func applyEnv(cfg *Config) error {
	for env, key := range envKeys {
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			continue
		}
		if err := setConfigValue(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "mirror.kind").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. mirror.kind)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "participant":
			cfg.Default.Participant = value
		case "status_rule":
			if _, err := parseStatusRule(value); err != nil {
				return err
			}
			cfg.Default.StatusRule = value
		case "auto_read":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("auto_read must be true or false")
			}
			cfg.Default.AutoRead = &b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "store":
		switch field {
		case "kind":
			if value != "pebble" && value != "memory" {
				return fmt.Errorf("store.kind must be pebble or memory")
			}
			cfg.Store.Kind = value
		case "path":
			cfg.Store.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "mirror":
		switch field {
		case "kind":
			if value != "none" && value != "redis" && value != "relay" {
				return fmt.Errorf("mirror.kind must be none, redis or relay")
			}
			cfg.Mirror.Kind = value
		case "url":
			cfg.Mirror.URL = value
		case "path":
			cfg.Mirror.Path = value
		case "redis_addr":
			cfg.Mirror.RedisAddr = value
		case "redis_password":
			cfg.Mirror.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be a number")
			}
			cfg.Mirror.RedisDB = n
		default:
			return fmt.Errorf("unknown field %q in section [mirror]", field)
		}
	case "relay":
		switch field {
		case "listen":
			cfg.Relay.Listen = value
		case "backend":
			if value != "memory" && value != "redis" {
				return fmt.Errorf("relay.backend must be memory or redis")
			}
			cfg.Relay.Backend = value
		default:
			return fmt.Errorf("unknown field %q in section [relay]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, mirror, relay, log)", section)
	}
	return nil
}

// loadDotEnv loads .env from the working directory and the config
// directory. Variables already set win.
func loadDotEnv() error {
	files := []string{".env"}
	if dir, err := configDir(); err == nil {
		files = append(files, filepath.Join(dir, ".env"))
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load %s: %w", f, err)
		}
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "duochat",
	Short: "Two-person chat with local-first sync",
	Long: "duochat keeps a two-person chat in a local store and reconciles it with\n" +
		"a shared remote mirror (Redis or a duochat relay).",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
