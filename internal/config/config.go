// Package config handles repository configuration: a global file under
// the user's config directory and a local file inside the repository
// metadata directory, merged with local values winning per key.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the merged view of global and local configuration.
type Config struct {
	Commit CommitConfig `toml:"commit"`
	Auth   AuthConfig   `toml:"auth"`
	Server ServerConfig `toml:"server"`
}

// CommitConfig holds defaults applied when building snapshots.
type CommitConfig struct {
	// Author is the default author for new records.
	Author string `toml:"author,omitempty"`
	// AutoRecord makes checkout snapshot a dirty workspace before
	// restoring. Unset means off.
	AutoRecord *bool `toml:"auto_record,omitempty"`
}

// AuthConfig holds the credentials presented to a sync server.
type AuthConfig struct {
	Account  string `toml:"account,omitempty"`
	Password string `toml:"password,omitempty"`
}

// ServerConfig holds serve-mode settings.
type ServerConfig struct {
	Addr string `toml:"addr,omitempty"`
	// AccountsDB switches the server from the single configured
	// account to a sqlite accounts database at this path.
	AccountsDB string `toml:"accounts_db,omitempty"`
}

// GlobalPath returns the per-user config file path.
func GlobalPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config directory: %w", err)
	}
	return filepath.Join(dir, "relic", "config.toml"), nil
}

// LocalPath returns the config file path inside a repository's
// metadata directory.
func LocalPath(storeRoot string) string {
	return filepath.Join(storeRoot, "config.toml")
}

// Read decodes a Config from the provided reader.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFile reads a Config from path. A missing file yields a zero
// Config, not an error.
func ReadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// WriteFile writes a Config to path, creating parent directories.
func WriteFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Load reads the global config and, when storeRoot is non-empty, the
// local config, returning the merged view.
func Load(storeRoot string) (*Config, error) {
	global := &Config{}
	if path, err := GlobalPath(); err == nil {
		global, err = ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	if storeRoot == "" {
		return global, nil
	}
	local, err := ReadFile(LocalPath(storeRoot))
	if err != nil {
		return nil, err
	}
	return merge(global, local), nil
}

// merge overlays local on top of global, key by key.
func merge(global, local *Config) *Config {
	out := *global
	if local.Commit.Author != "" {
		out.Commit.Author = local.Commit.Author
	}
	if local.Commit.AutoRecord != nil {
		out.Commit.AutoRecord = local.Commit.AutoRecord
	}
	if local.Auth.Account != "" {
		out.Auth.Account = local.Auth.Account
	}
	if local.Auth.Password != "" {
		out.Auth.Password = local.Auth.Password
	}
	if local.Server.Addr != "" {
		out.Server.Addr = local.Server.Addr
	}
	if local.Server.AccountsDB != "" {
		out.Server.AccountsDB = local.Server.AccountsDB
	}
	return &out
}

// Get returns the value of a dotted key, e.g. "commit.author".
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "commit.author":
		return c.Commit.Author, nil
	case "commit.auto_record":
		if c.Commit.AutoRecord == nil {
			return "", nil
		}
		return strconv.FormatBool(*c.Commit.AutoRecord), nil
	case "auth.account":
		return c.Auth.Account, nil
	case "auth.password":
		return c.Auth.Password, nil
	case "server.addr":
		return c.Server.Addr, nil
	case "server.accounts_db":
		return c.Server.AccountsDB, nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}

// Set assigns a dotted key.
func (c *Config) Set(key, value string) error {
	switch key {
	case "commit.author":
		c.Commit.Author = value
	case "commit.auto_record":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config key %q wants a boolean: %w", key, err)
		}
		c.Commit.AutoRecord = &b
	case "auth.account":
		c.Auth.Account = value
	case "auth.password":
		c.Auth.Password = value
	case "server.addr":
		c.Server.Addr = value
	case "server.accounts_db":
		c.Server.AccountsDB = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Unset clears a dotted key.
func (c *Config) Unset(key string) error {
	switch key {
	case "commit.auto_record":
		c.Commit.AutoRecord = nil
		return nil
	default:
		return c.Set(key, "")
	}
}
