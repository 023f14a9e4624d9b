// Package config loads speakerbox settings from a YAML file and SPEAKERBOX_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/arseneyr/speakerbox/pkg/backend/s3blob"
)

const envPrefix = "SPEAKERBOX_"

// Remote kinds.
const (
	RemoteNone   = "none"
	RemoteMemory = "memory"
	RemoteHTTP   = "http"
	RemoteRedis  = "redis"
)

type Config struct {
	User     string `yaml:"user"`
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	// Strict refuses to fold a local-only board into a remote one that
	// already holds the same sample ids.
	Strict bool `yaml:"strict"`

	Local  LocalConfig    `yaml:"local"`
	Remote RemoteConfig   `yaml:"remote"`
	Blob   *s3blob.Config `yaml:"blob"`
	Relay  RelayConfig    `yaml:"relay"`
}

type LocalConfig struct {
	Path     string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"inMemory"`
}

type RemoteConfig struct {
	Kind   string `yaml:"kind" validate:"oneof=none memory http redis"`
	URL    string `yaml:"url" validate:"required_if=Kind http,required_if=Kind redis"`
	Prefix string `yaml:"prefix"`
}

type RelayConfig struct {
	Addr   string `yaml:"addr" validate:"required,hostname_port"`
	DBPath string `yaml:"dbPath" validate:"required"`
}

var validate = validator.New()

// DefaultDir is where the local store and config file live unless
// configured otherwise.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".speakerbox"
	}
	return filepath.Join(dir, "speakerbox")
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Local:    LocalConfig{Path: filepath.Join(DefaultDir(), "data")},
		Remote:   RemoteConfig{Kind: RemoteNone},
		Relay:    RelayConfig{Addr: "localhost:8080", DBPath: "relay.sqlite"},
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. A missing file at the default path is not an error.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("USER", &c.User)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOCAL_PATH", &c.Local.Path)
	str("REMOTE_KIND", &c.Remote.Kind)
	str("REMOTE_URL", &c.Remote.URL)
	str("REMOTE_PREFIX", &c.Remote.Prefix)
	str("RELAY_ADDR", &c.Relay.Addr)
	str("RELAY_DB", &c.Relay.DBPath)
	if err := boolean("STRICT", &c.Strict); err != nil {
		return err
	}
	if err := boolean("LOCAL_IN_MEMORY", &c.Local.InMemory); err != nil {
		return err
	}

	if bucket, ok := lookup(envPrefix + "S3_BUCKET"); ok {
		if c.Blob == nil {
			c.Blob = &s3blob.Config{}
		}
		c.Blob.Bucket = bucket
	}
	if c.Blob != nil {
		str("S3_REGION", &c.Blob.Region)
		str("S3_ENDPOINT", &c.Blob.Endpoint)
		str("S3_PREFIX", &c.Blob.Prefix)
		if err := boolean("S3_PATH_STYLE", &c.Blob.PathStyle); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger returns a text logger on stderr at the configured level.
func (c Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.Level()}))
}
