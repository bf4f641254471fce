package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Remote         Remote   `toml:"remote"`
	Identity       Identity `toml:"identity"`
}

// Remote holds the connection settings for the remote document store.
type Remote struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// Identity holds the current user, as handed out by the identity provider
// at login. The engine never mutates it.
type Identity struct {
	UserID    string `toml:"user_id"`
	Name      string `toml:"name"`
	AvatarURL string `toml:"avatar_url"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Remote.URI == "" {
		cfg.Remote.URI = "mongodb://localhost:27017"
	}
	if cfg.Remote.Database == "" {
		cfg.Remote.Database = "minisocial"
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
