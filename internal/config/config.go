package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string        `yaml:"port"`
	DatabasePath  string        `yaml:"databasePath"`
	RemoteBaseURL string        `yaml:"remoteBaseURL"`
	ChatStreamURL string        `yaml:"chatStreamURL"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	SessionSecret string        `yaml:"sessionSecret"`
	LogLevel      string        `yaml:"logLevel"`
	DeviceID      string        `yaml:"deviceID"`
	HistoryLimit  int           `yaml:"historyLimit"`
	StreamTimeout time.Duration `yaml:"streamTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	SyncInterval  time.Duration `yaml:"syncInterval"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("NOTESYNC_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("NOTESYNC_REMOTE_BASE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv("NOTESYNC_CHAT_STREAM_URL"); v != "" {
		cfg.ChatStreamURL = v
	}
	if v := os.Getenv("NOTESYNC_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("NOTESYNC_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("NOTESYNC_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("NOTESYNC_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("NOTESYNC_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryLimit = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabasePath == "" {
		return errors.New("config: databasePath is required (set in config.yaml or NOTESYNC_DATABASE_PATH)")
	}
	if cfg.RemoteBaseURL == "" {
		return errors.New("config: remoteBaseURL is required (set in config.yaml or NOTESYNC_REMOTE_BASE_URL)")
	}
	if cfg.ChatStreamURL == "" {
		return errors.New("config: chatStreamURL is required (set in config.yaml or NOTESYNC_CHAT_STREAM_URL)")
	}
	if cfg.HistoryLimit < 0 {
		return errors.New("config: historyLimit must not be negative")
	}
	return nil
}
