package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	DB     DBConfig     `yaml:"db"`
	Log    LogConfig    `yaml:"log"`
	Redis  RedisConfig  `yaml:"redis"`
	Collab CollabConfig `yaml:"collab"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig enables the cross-node broadcast relay.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// NodeID tags frames this node publishes so it can skip its own
	// relay echoes. Defaults to a random id at startup.
	NodeID string `yaml:"node_id"`
}

// CollabConfig tunes the collaboration engine and presence tracker.
type CollabConfig struct {
	JoinBacklog   int           `yaml:"join_backlog"`
	LogRetention  int           `yaml:"log_retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleAfter     time.Duration `yaml:"idle_after"`
	OfflineAfter  time.Duration `yaml:"offline_after"`
	PresenceSweep time.Duration `yaml:"presence_sweep"`
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DB: DBConfig{
			Path: "cowrite.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Collab: CollabConfig{
			JoinBacklog:   100,
			LogRetention:  1000,
			SweepInterval: 5 * time.Minute,
			IdleAfter:     5 * time.Minute,
			OfflineAfter:  30 * time.Minute,
			PresenceSweep: 30 * time.Second,
		},
	}

	if path := os.Getenv("COWRITE_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("COWRITE_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("COWRITE_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COWRITE_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if dbPath := os.Getenv("COWRITE_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("COWRITE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if addr := os.Getenv("COWRITE_REDIS_ADDR"); addr != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("COWRITE_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if nodeID := os.Getenv("COWRITE_NODE_ID"); nodeID != "" {
		cfg.Redis.NodeID = nodeID
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
