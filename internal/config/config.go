// Package config loads storestack settings from defaults, an optional config
// file (JSON with comments, YAML or TOML) and STORESTACK_* environment
// variables, in that order.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"storestack/internal/blob"
	"storestack/internal/core"
	"storestack/pkg/domain"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverSnapshot = "snapshot"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// QuarantineDisabled turns corrupt-store archiving off.
const QuarantineDisabled blob.Driver = "none"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STORESTACK_"

// Duration is a time.Duration that reads and writes as "1h30m".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// CleanupConfig describes the pruning policies run by cleanup saves. Every
// configured policy runs, age first.
type CleanupConfig struct {
	MaxAge   Duration `json:"max_age,omitempty" yaml:"max_age,omitempty" toml:"max_age,omitempty"`
	AgeField string   `json:"age_field,omitempty" yaml:"age_field,omitempty" toml:"age_field,omitempty"`
	Entities []string `json:"entities,omitempty" yaml:"entities,omitempty" toml:"entities,omitempty"`
	Expr     string   `json:"expr,omitempty" yaml:"expr,omitempty" toml:"expr,omitempty"`
	LuaFile  string   `json:"lua_file,omitempty" yaml:"lua_file,omitempty" toml:"lua_file,omitempty"`
}

// Enabled reports whether any policy is configured.
func (c CleanupConfig) Enabled() bool {
	return c.MaxAge > 0 || c.Expr != "" || c.LuaFile != ""
}

// Config is the full storestack configuration.
type Config struct {
	Driver      string        `json:"driver" yaml:"driver" toml:"driver"`
	Location    string        `json:"location" yaml:"location" toml:"location"`
	MergePolicy string        `json:"merge_policy" yaml:"merge_policy" toml:"merge_policy"`
	LockTimeout Duration      `json:"lock_timeout" yaml:"lock_timeout" toml:"lock_timeout"`
	Quarantine  blob.Config   `json:"quarantine" yaml:"quarantine" toml:"quarantine"`
	Log         LogConfig     `json:"log" yaml:"log" toml:"log"`
	Cleanup     CleanupConfig `json:"cleanup" yaml:"cleanup" toml:"cleanup"`
	Schema      domain.Schema `json:"schema" yaml:"schema" toml:"schema"`
}

// Default returns the built-in configuration: a sqlite store in the working
// directory with filesystem quarantine next to it.
func Default() Config {
	return Config{
		Driver:      DriverSQLite,
		Location:    "storestack.db",
		MergePolicy: string(core.MergeChildWins),
		LockTimeout: Duration(5 * time.Second),
		Quarantine:  blob.Config{Driver: blob.DriverFilesystem, Root: "storestack-quarantine"},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the file at path and the environment.
// An empty path or a missing file leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decode(path, raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		std, err := hujson.Standardize(raw)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(std))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ApplyEnv overrides fields from STORESTACK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("DRIVER", &c.Driver)
	str("LOCATION", &c.Location)
	str("MERGE_POLICY", &c.MergePolicy)
	str("QUARANTINE_ROOT", &c.Quarantine.Root)
	str("QUARANTINE_S3_BUCKET", &c.Quarantine.S3.Bucket)
	str("QUARANTINE_S3_REGION", &c.Quarantine.S3.Region)
	str("QUARANTINE_S3_ENDPOINT", &c.Quarantine.S3.Endpoint)
	str("QUARANTINE_S3_PREFIX", &c.Quarantine.S3.Prefix)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("CLEANUP_EXPR", &c.Cleanup.Expr)
	str("CLEANUP_LUA_FILE", &c.Cleanup.LuaFile)
	if v, ok := lookup(EnvPrefix + "QUARANTINE_DRIVER"); ok {
		c.Quarantine.Driver = blob.Driver(v)
	}
	if v, ok := lookup(EnvPrefix + "QUARANTINE_S3_PATH_STYLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sQUARANTINE_S3_PATH_STYLE: %w", EnvPrefix, err)
		}
		c.Quarantine.S3.PathStyle = b
	}
	for name, dst := range map[string]*Duration{"LOCK_TIMEOUT": &c.LockTimeout, "CLEANUP_MAX_AGE": &c.Cleanup.MaxAge} {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
		}
	}
	return nil
}

// Validate rejects unknown drivers, policies and log settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverSQLite, DriverSnapshot, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}
	if c.Driver == DriverSnapshot && c.Location == "" {
		errs = append(errs, errors.New("snapshot driver requires a location"))
	}
	if _, err := core.ParseMergePolicy(c.MergePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.LockTimeout < 0 {
		errs = append(errs, errors.New("lock_timeout must not be negative"))
	}
	switch c.Quarantine.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory, QuarantineDisabled:
	case blob.DriverS3:
		if c.Quarantine.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 quarantine requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown quarantine driver %q", c.Quarantine.Driver))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Cleanup.AgeField {
	case "", "created_at", "updated_at":
	default:
		errs = append(errs, fmt.Errorf("unknown cleanup age_field %q", c.Cleanup.AgeField))
	}
	if c.Cleanup.MaxAge < 0 {
		errs = append(errs, errors.New("cleanup max_age must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
