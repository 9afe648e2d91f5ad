// Package config loads the zfsabi daemon configuration from a YAML file and ZFSABI_ environment
// variables, applies defaults and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	zfs "github.com/vansante/go-zfsabi"
	"github.com/vansante/go-zfsabi/http"
	"github.com/vansante/go-zfsabi/job"
)

// EnvPrefix prefixes the environment variables that override configuration keys,
// for example ZFSABI_HTTP_PORT
const EnvPrefix = "ZFSABI"

const (
	BackendCLI    = "cli"
	BackendMemory = "memory"

	PresetOpenZFS = "openzfs"
	PresetLegacy  = "legacy"
	PresetNone    = "none"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultMetricsPath     = "/metrics"
)

// Config is the complete daemon configuration
type Config struct {
	Logging LoggingConfig `json:"Logging" yaml:"Logging" mapstructure:"Logging"`
	Backend BackendConfig `json:"Backend" yaml:"Backend" mapstructure:"Backend"`
	ABI     ABIConfig     `json:"ABI" yaml:"ABI" mapstructure:"ABI"`
	Metrics MetricsConfig `json:"Metrics" yaml:"Metrics" mapstructure:"Metrics"`

	EnableHTTP bool        `json:"EnableHTTP" yaml:"EnableHTTP" mapstructure:"EnableHTTP"`
	HTTP       http.Config `json:"HTTP" yaml:"HTTP" mapstructure:"HTTP" validate:"-"`

	EnableJobs bool       `json:"EnableJobs" yaml:"EnableJobs" mapstructure:"EnableJobs"`
	Jobs       job.Config `json:"Jobs" yaml:"Jobs" mapstructure:"Jobs" validate:"-"`

	ShutdownTimeout time.Duration `json:"ShutdownTimeout" yaml:"ShutdownTimeout" mapstructure:"ShutdownTimeout" validate:"gt=0"`
}

// LoggingConfig configures the slog handler
type LoggingConfig struct {
	Level  string `json:"Level" yaml:"Level" mapstructure:"Level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `json:"Format" yaml:"Format" mapstructure:"Format" validate:"oneof=text json"`
}

// BackendConfig selects the native storage backend
type BackendConfig struct {
	Type string `json:"Type" yaml:"Type" mapstructure:"Type" validate:"oneof=cli memory"`
	// Binary is the zfs command used by the cli backend
	Binary string `json:"Binary" yaml:"Binary" mapstructure:"Binary" validate:"required_if=Type cli"`
	// Pools are created empty by the memory backend
	Pools []string `json:"Pools" yaml:"Pools" mapstructure:"Pools" validate:"required_if=Type memory,dive,required,excludesall=/@"`
}

// ABIConfig selects the call convention per ABI sensitive operation. Modes override the preset.
type ABIConfig struct {
	Preset string                     `json:"Preset" yaml:"Preset" mapstructure:"Preset" validate:"oneof=openzfs legacy none"`
	Modes  map[zfs.Operation]zfs.Mode `json:"Modes" yaml:"Modes,omitempty" mapstructure:"Modes"`
}

// MetricsConfig configures the Prometheus endpoint on the HTTP server
type MetricsConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled" mapstructure:"Enabled"`
	Path    string `json:"Path" yaml:"Path" mapstructure:"Path" validate:"omitempty,startswith=/"`
}

// Default returns the configuration used for keys missing from the file
func Default() Config {
	c := Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Backend: BackendConfig{Type: BackendCLI, Binary: "zfs"},
		ABI:     ABIConfig{Preset: PresetOpenZFS},
		Metrics: MetricsConfig{Enabled: true, Path: defaultMetricsPath},

		ShutdownTimeout: defaultShutdownTimeout,
	}
	c.HTTP.ApplyDefaults()
	c.Jobs.ApplyDefaults()
	return c
}

// Load reads the configuration file at path on top of the defaults. An empty path or a missing
// file leaves the defaults in place. Environment variables override keys in both.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The defaults are read as a config file as well, so viper knows every key for the env lookup
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("error encoding defaults: %w", err)
	}
	v.SetConfigType("yaml")
	err = v.ReadConfig(bytes.NewReader(defaults))
	if err != nil {
		return Config{}, fmt.Errorf("error reading defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		err = v.MergeInConfig()
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	c := Default()
	err = v.Unmarshal(&c, viper.DecodeHook(decodeHooks()))
	if err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}

	err = c.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Save writes the configuration as YAML, readable by the owner only since it holds authentication tokens
func Save(c Config, path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the struct tags of the enabled sections and the ABI modes
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	errs := []error{validate.Struct(c)}
	if c.EnableHTTP {
		errs = append(errs, prefixed("HTTP", validate.Struct(c.HTTP)))
	}
	if c.EnableJobs {
		errs = append(errs, prefixed("Jobs", validate.Struct(c.Jobs)))
	}

	modes, err := c.ABI.Resolve()
	if err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, prefixed("ABI", zfs.ValidateModes(modes)))
	}
	return errors.Join(errs...)
}

func prefixed(section string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", section, err)
}

// Resolve returns the mode per operation: the preset with the configured modes on top.
// Mode names are matched case-insensitively.
func (c ABIConfig) Resolve() (map[zfs.Operation]zfs.Mode, error) {
	var modes map[zfs.Operation]zfs.Mode
	switch c.Preset {
	case PresetOpenZFS, "":
		modes = zfs.OpenZFSModes()
	case PresetLegacy:
		modes = zfs.LegacyModes()
	case PresetNone:
		modes = map[zfs.Operation]zfs.Mode{}
	default:
		return nil, fmt.Errorf("ABI: unknown preset %q", c.Preset)
	}

	for op, mode := range c.Modes {
		modes[zfs.Operation(strings.ToLower(string(op)))] = zfs.ParseMode(string(mode))
	}
	return modes, nil
}

// NewLogger creates the slog logger described by the config
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Level))
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook accepts durations like "30s" as well as plain nanoseconds
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
