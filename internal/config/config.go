package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the daemon configuration, loaded from a TOML file.
type Config struct {
	Listen  string `toml:"listen" validate:"required,hostname_port"`
	DataDir string `toml:"data_dir" validate:"required"`

	Directory Directory `toml:"directory"`
	Hub       Hub       `toml:"hub"`
}

// Directory holds base URLs for the external collaborator services.
type Directory struct {
	ProfileURL string `toml:"profile_url" validate:"required,url"`
	GroupURL   string `toml:"group_url" validate:"required,url"`
	MediaURL   string `toml:"media_url" validate:"required,url"`
}

// Hub tunes the realtime hub buffers.
type Hub struct {
	SendBuffer int `toml:"send_buffer" validate:"min=1"`
	BusBuffer  int `toml:"bus_buffer" validate:"min=1"`
}

// Default returns the configuration defaults applied before decoding.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Listen:  "127.0.0.1:8480",
		DataDir: filepath.Join(home, ".relay"),
		Hub: Hub{
			SendBuffer: 64,
			BusBuffer:  256,
		},
	}
}

// Load reads and validates config from the given path. A missing file is
// fine; defaults still need the directory URLs, so validation will fail
// loudly rather than starting half-wired.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// DBPath returns the sqlite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}

// LogPath returns the daemon log file path under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "relayd.log")
}

// EnsureDirs creates the data directory tree with owner-only permissions.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, filepath.Dir(c.LogPath())} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
