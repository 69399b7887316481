package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/protoq/protoq/pkg/schema"
)

// Config holds all protoq server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`
	PacingMS   int    `toml:"pacing_ms"`

	Store     StoreConfig      `toml:"store"`
	Driver    DriverConfig     `toml:"driver"`
	Variables VariablesConfig  `toml:"variables"`
	Schedules []ScheduleConfig `toml:"schedule"`
}

// StoreConfig selects the queue persistence backend at startup.
type StoreConfig struct {
	Backend string      `toml:"backend"` // memory, libsql, redis
	DBPath  string      `toml:"db_path"`
	Redis   RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// DriverConfig points at the instrument driver service. When BaseURL is
// empty, the server runs with an empty embedded registry and only control
// commands execute.
type DriverConfig struct {
	BaseURL string `toml:"base_url"`
}

// VariablesConfig points at the variable service. When BaseURL is empty, an
// in-process store is used.
type VariablesConfig struct {
	BaseURL string `toml:"base_url"`
}

// ScheduleConfig defines one recurring run: a cron expression plus the path
// to a JSON file holding the run request to enqueue.
type ScheduleConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	Protocol string `toml:"protocol"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		LogLevel:   "info",
		PacingMS:   300,
		Store: StoreConfig{
			Backend: "libsql",
			DBPath:  filepath.Join(protoqDir(), "protoq.db"),
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "protoq"},
		},
	}
}

func protoqDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".protoq"
	}
	return filepath.Join(home, ".protoq")
}

func defaultConfigPath() string {
	return filepath.Join(protoqDir(), "protoq.toml")
}

// loadConfig layers the file at path (or the default location when path is
// empty) and PROTOQ_* env vars over the defaults. A missing file is fine; a
// malformed one is not.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = defaultConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !os.IsNotExist(err) {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation,
				"config file %s: %s", path, err.Error())
		}
	}

	if v := os.Getenv("PROTOQ_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PROTOQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROTOQ_PACING_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PacingMS = n
		}
	}
	if v := os.Getenv("PROTOQ_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("PROTOQ_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("PROTOQ_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("PROTOQ_DRIVER_URL"); v != "" {
		cfg.Driver.BaseURL = v
	}
	if v := os.Getenv("PROTOQ_VARIABLES_URL"); v != "" {
		cfg.Variables.BaseURL = v
	}

	switch cfg.Store.Backend {
	case "memory", "libsql", "redis":
	default:
		return cfg, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown store backend %q (want memory, libsql, or redis)", cfg.Store.Backend)
	}
	return cfg, nil
}

// pacingDelay converts the configured milliseconds to the engine's pacing
// convention: zero config means the engine default, negative disables.
func (c Config) pacingDelay() time.Duration {
	if c.PacingMS < 0 {
		return -1
	}
	return time.Duration(c.PacingMS) * time.Millisecond
}

// loadProtocol reads a run request definition from a JSON file.
func loadProtocol(path string) (*schema.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"protocol file %s: %s", path, err.Error())
	}
	var req schema.RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"protocol file %s: invalid JSON: %s", path, err.Error())
	}
	return &req, nil
}
