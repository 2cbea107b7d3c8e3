// Package config loads the thoughtspace HCL configuration file.
//
//	space    = "notes"
//	data_dir = "~/.thoughtspace"
//
//	remote {
//	  url             = "ws://localhost:7420/sync"
//	  token           = "..."
//	  offline_timeout = "8s"
//	}
//
//	sync {
//	  flush_interval = "250ms"
//	}
//
//	relay {
//	  listen = ":7420"
//	  secret = "..."
//	}
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

const FileName = "thoughtspace.hcl"

const envPrefix = "THOUGHTSPACE_"

type Config struct {
	Space   string `hcl:"space,optional"`
	DataDir string `hcl:"data_dir,optional"`
	// Device identifies this installation in UpdatedBy. init generates one.
	Device string `hcl:"device,optional"`

	Remote *Remote `hcl:"remote,block"`
	Sync   *Sync   `hcl:"sync,block"`
	Relay  *Relay  `hcl:"relay,block"`
}

type Remote struct {
	URL              string `hcl:"url,optional"`
	Token            string `hcl:"token,optional"`
	ReconnectTimeout string `hcl:"reconnect_timeout,optional"`
	OfflineTimeout   string `hcl:"offline_timeout,optional"`
}

type Sync struct {
	FlushInterval string `hcl:"flush_interval,optional"`
}

type Relay struct {
	Listen string `hcl:"listen,optional"`
	Secret string `hcl:"secret,optional"`
}

// DefaultDataDir is ~/.thoughtspace, or .thoughtspace when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".thoughtspace"
	}
	return filepath.Join(home, ".thoughtspace")
}

// DefaultPath is the config file inside the default data dir.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), FileName)
}

func Default() *Config {
	c := &Config{}
	c.fill()
	return c
}

// fill sets every unset field to its default. Decoding replaces absent blocks
// with nil, so it runs after every decode.
func (c *Config) fill() {
	if c.Space == "" {
		c.Space = "default"
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Remote == nil {
		c.Remote = &Remote{}
	}
	if c.Remote.ReconnectTimeout == "" {
		c.Remote.ReconnectTimeout = "5s"
	}
	if c.Remote.OfflineTimeout == "" {
		c.Remote.OfflineTimeout = "8s"
	}
	if c.Sync == nil {
		c.Sync = &Sync{}
	}
	if c.Sync.FlushInterval == "" {
		c.Sync.FlushInterval = "250ms"
	}
	if c.Relay == nil {
		c.Relay = &Relay{}
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = ":7420"
	}
}

// Load reads path, applies defaults and THOUGHTSPACE_* environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	err := hclsimple.DecodeFile(path, nil, c)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist), isMissingFile(path):
		c = &Config{}
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	c.fill()
	c.applyEnv(os.Getenv)
	c.DataDir = expandHome(c.DataDir)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// hclsimple reports a missing file as diagnostics, not as fs.ErrNotExist.
func isMissingFile(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	set("SPACE", &c.Space)
	set("DATA_DIR", &c.DataDir)
	set("DEVICE", &c.Device)
	set("REMOTE_URL", &c.Remote.URL)
	set("TOKEN", &c.Remote.Token)
	set("RELAY_LISTEN", &c.Relay.Listen)
	set("RELAY_SECRET", &c.Relay.Secret)
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// Validate checks that every duration parses.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"remote.reconnect_timeout": c.Remote.ReconnectTimeout,
		"remote.offline_timeout":   c.Remote.OfflineTimeout,
		"sync.flush_interval":      c.Sync.FlushInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive", name)
		}
	}
	return nil
}

func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

func (c *Config) ReconnectTimeout() time.Duration { return mustDuration(c.Remote.ReconnectTimeout) }
func (c *Config) OfflineTimeout() time.Duration { return mustDuration(c.Remote.OfflineTimeout) }
func (c *Config) FlushInterval() time.Duration { return mustDuration(c.Sync.FlushInterval) }

// StoreDir is the directory holding the local store of the configured space.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "spaces", c.Space)
}

// Write encodes c as formatted HCL at path.
func Write(path string, c *Config) error {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(c, f.Body())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, hclwrite.Format(f.Bytes()), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
