// Package api holds the user-facing configuration surface of projgate.
package api

import (
	"path/filepath"
	"strings"
)

// DefaultSocket is where providers connect unless configured otherwise.
const DefaultSocket = "/tmp/projgate.sock"

type Config struct {
	// Mountpoint is where the interposed view of BackingDir appears.
	Mountpoint string `json:"mountpoint"`
	// BackingDir holds the real nodes, their flags, and the registered
	// virtualization roots.
	BackingDir string `json:"backing_dir"`
	Socket     string `json:"socket,omitempty"`
	AllowOther bool   `json:"allow_other,omitempty"`
	// StateDB is the path of the sqlite database persisting registered
	// roots across restarts; empty disables persistence.
	StateDB string `json:"state_db,omitempty"`
	// Roots are virtualization root prefixes, absolute paths under
	// BackingDir.
	Roots []string `json:"roots,omitempty"`
	// Crawlers overrides the built-in crawler process-name list.
	Crawlers []string   `json:"crawlers,omitempty"`
	Log      *LogConfig `json:"log,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Socket: DefaultSocket,
		Log:    &LogConfig{Level: "info"},
	}
}

// Merge overlays non-zero fields of other onto c and returns c.
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}
	if other.Mountpoint != "" {
		c.Mountpoint = other.Mountpoint
	}
	if other.BackingDir != "" {
		c.BackingDir = other.BackingDir
	}
	if other.Socket != "" {
		c.Socket = other.Socket
	}
	if other.AllowOther {
		c.AllowOther = true
	}
	if other.StateDB != "" {
		c.StateDB = other.StateDB
	}
	if len(other.Roots) > 0 {
		c.Roots = other.Roots
	}
	if len(other.Crawlers) > 0 {
		c.Crawlers = other.Crawlers
	}
	if other.Log != nil {
		c.Log = other.Log
	}
	return c
}

func (c *Config) Validate() error {
	if c.Mountpoint == "" {
		return ErrMountpointRequired
	}
	if c.BackingDir == "" {
		return ErrBackingDirRequired
	}
	if !filepath.IsAbs(c.Mountpoint) || !filepath.IsAbs(c.BackingDir) {
		return ErrPathNotAbsolute
	}
	if filepath.Clean(c.Mountpoint) == filepath.Clean(c.BackingDir) {
		return ErrMountEqualsBacking
	}
	backing := filepath.Clean(c.BackingDir)
	for _, r := range c.Roots {
		if !filepath.IsAbs(r) {
			return ErrRootNotAbsolute
		}
		r = filepath.Clean(r)
		if r != backing && !strings.HasPrefix(r, backing+"/") {
			return ErrRootOutsideBacking
		}
	}
	return nil
}
