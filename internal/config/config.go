// Package config loads the ambient configuration the rest of the
// module is parameterized by, adapted from the teacher's global +
// repo-local JSON merge (internal/config.Config / LoadConfig) but
// generalized from VCS user/core/color settings to tree, store, peer,
// and resolver settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the full ambient configuration.
type Config struct {
	Tree     TreeConfig     `json:"tree"`
	Store    StoreConfig    `json:"store"`
	Peer     PeerConfig     `json:"peer"`
	Resolver ResolverConfig `json:"resolver"`
	Color    ColorConfig    `json:"color"`
}

// TreeConfig controls chunking and fan-out.
type TreeConfig struct {
	ChunkSize int `json:"chunk_size"`
	MaxLinks  int `json:"max_links"`
}

// StoreConfig controls the layered blob store's backends.
type StoreConfig struct {
	DataDir       string   `json:"data_dir"`
	Compress      bool     `json:"compress"`
	HTTPEndpoints []string `json:"http_endpoints"`
}

// PeerConfig controls the P2P exchange.
type PeerConfig struct {
	ListenAddrs    []string `json:"listen_addrs"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	MaxFollows     int      `json:"max_follows"`
	MaxOther       int      `json:"max_other"`
}

// ResolverConfig controls the reference resolver.
type ResolverConfig struct {
	DBPath string `json:"db_path"`
}

// ColorConfig controls CLI output styling.
type ColorConfig struct {
	UI bool `json:"ui"`
}

// DefaultConfig returns a config with sensible defaults (spec §4.4.1's
// chunk_size=256KiB, max_links=174).
func DefaultConfig() *Config {
	return &Config{
		Tree: TreeConfig{
			ChunkSize: 256 * 1024,
			MaxLinks:  174,
		},
		Store: StoreConfig{
			DataDir:  filepath.Join(".hashtree", "blobs"),
			Compress: true,
		},
		Peer: PeerConfig{
			MaxFollows: 32,
			MaxOther:   64,
		},
		Resolver: ResolverConfig{
			DBPath: filepath.Join(".hashtree", "resolver.db"),
		},
		Color: ColorConfig{UI: true},
	}
}

func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, ".hashtreeconfig"), nil
}

func repoConfigPath() string {
	return filepath.Join(".hashtree", "config")
}

// Load loads configuration, merging global then repo-local settings
// over the defaults; repo-local values win.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if globalPath, err := globalConfigPath(); err == nil {
		if data, err := os.ReadFile(globalPath); err == nil {
			var globalCfg Config
			if err := json.Unmarshal(data, &globalCfg); err == nil {
				mergeConfig(cfg, &globalCfg)
			}
		}
	}

	if data, err := os.ReadFile(repoConfigPath()); err == nil {
		var repoCfg Config
		if err := json.Unmarshal(data, &repoCfg); err == nil {
			mergeConfig(cfg, &repoCfg)
		}
	}

	return cfg, nil
}

// SaveGlobal persists cfg to the user's global config file.
func SaveGlobal(cfg *Config) error {
	path, err := globalConfigPath()
	if err != nil {
		return err
	}
	return writeJSON(path, cfg)
}

// SaveRepo persists cfg to the repository-local config file.
func SaveRepo(cfg *Config) error {
	path := repoConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	return writeJSON(path, cfg)
}

func writeJSON(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// GetValue retrieves a configuration value by dotted key, e.g.
// "tree.chunk_size".
func GetValue(key string) (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	section, field, err := splitKey(key)
	if err != nil {
		return "", err
	}
	switch section {
	case "tree":
		switch field {
		case "chunk_size":
			return fmt.Sprintf("%d", cfg.Tree.ChunkSize), nil
		case "max_links":
			return fmt.Sprintf("%d", cfg.Tree.MaxLinks), nil
		}
	case "store":
		switch field {
		case "data_dir":
			return cfg.Store.DataDir, nil
		case "compress":
			return fmt.Sprintf("%t", cfg.Store.Compress), nil
		}
	case "resolver":
		if field == "db_path" {
			return cfg.Resolver.DBPath, nil
		}
	case "color":
		if field == "ui" {
			return fmt.Sprintf("%t", cfg.Color.UI), nil
		}
	}
	return "", fmt.Errorf("config: unknown key %s", key)
}

// SetValue sets a configuration value by dotted key and persists it
// either globally or to the repo-local file.
func SetValue(key, value string, global bool) error {
	var cfg *Config
	path := repoConfigPath()
	if global {
		p, err := globalConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if data, err := os.ReadFile(path); err == nil {
		cfg = &Config{}
		if err := json.Unmarshal(data, cfg); err != nil {
			cfg = DefaultConfig()
		}
	} else {
		cfg = DefaultConfig()
	}

	section, field, err := splitKey(key)
	if err != nil {
		return err
	}
	switch section {
	case "tree":
		switch field {
		case "chunk_size":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
				return fmt.Errorf("config: invalid integer %q: %w", value, err)
			}
			cfg.Tree.ChunkSize = n
		case "max_links":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
				return fmt.Errorf("config: invalid integer %q: %w", value, err)
			}
			cfg.Tree.MaxLinks = n
		default:
			return fmt.Errorf("config: unknown tree field: %s", field)
		}
	case "store":
		switch field {
		case "data_dir":
			cfg.Store.DataDir = value
		case "compress":
			cfg.Store.Compress = value == "true"
		default:
			return fmt.Errorf("config: unknown store field: %s", field)
		}
	case "resolver":
		if field == "db_path" {
			cfg.Resolver.DBPath = value
		} else {
			return fmt.Errorf("config: unknown resolver field: %s", field)
		}
	case "color":
		if field == "ui" {
			cfg.Color.UI = value == "true"
		} else {
			return fmt.Errorf("config: unknown color field: %s", field)
		}
	default:
		return fmt.Errorf("config: unknown section: %s", section)
	}

	if global {
		return SaveGlobal(cfg)
	}
	return SaveRepo(cfg)
}

func splitKey(key string) (section, field string, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("config: invalid key %q (expected section.field)", key)
	}
	return parts[0], parts[1], nil
}

// mergeConfig overlays non-zero fields of src onto dst. Store.Compress
// can only be switched on by src; Color.UI is always copied from src.
func mergeConfig(dst, src *Config) {
	if src.Tree.ChunkSize != 0 {
		dst.Tree.ChunkSize = src.Tree.ChunkSize
	}
	if src.Tree.MaxLinks != 0 {
		dst.Tree.MaxLinks = src.Tree.MaxLinks
	}
	if src.Store.DataDir != "" {
		dst.Store.DataDir = src.Store.DataDir
	}
	if len(src.Store.HTTPEndpoints) > 0 {
		dst.Store.HTTPEndpoints = src.Store.HTTPEndpoints
	}
	dst.Store.Compress = src.Store.Compress || dst.Store.Compress
	if len(src.Peer.ListenAddrs) > 0 {
		dst.Peer.ListenAddrs = src.Peer.ListenAddrs
	}
	if len(src.Peer.BootstrapPeers) > 0 {
		dst.Peer.BootstrapPeers = src.Peer.BootstrapPeers
	}
	if src.Peer.MaxFollows != 0 {
		dst.Peer.MaxFollows = src.Peer.MaxFollows
	}
	if src.Peer.MaxOther != 0 {
		dst.Peer.MaxOther = src.Peer.MaxOther
	}
	if src.Resolver.DBPath != "" {
		dst.Resolver.DBPath = src.Resolver.DBPath
	}
	dst.Color.UI = src.Color.UI
}
