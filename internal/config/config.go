package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/logging"
	"github.com/systmms/volatileguard/internal/metrics"
	"github.com/systmms/volatileguard/pkg/vault"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the configuration is looked up unless --config is set.
const DefaultPath = "volatileguard.yaml"

//go:embed schema.json
var schemaJSON []byte

// Config holds the runtime configuration
type Config struct {
	Path    string
	Logger  *logging.Logger
	Verbose bool
	// Required makes a missing file an error instead of using defaults.
	Required   bool
	Definition *Definition
}

// Definition represents the volatileguard.yaml structure
type Definition struct {
	Version          int           `yaml:"version"`
	MaxSealsPerKey   uint64        `yaml:"max_seals_per_key,omitempty"`
	OpenMode         string        `yaml:"open_mode,omitempty"`
	KeyMode          string        `yaml:"key_mode,omitempty"`
	RequireMlock     *bool         `yaml:"require_mlock,omitempty"`
	DisableCoreDumps *bool         `yaml:"disable_core_dumps,omitempty"`
	Metrics          MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// Load reads, validates and parses the configuration file. A missing file
// yields the defaults unless Required is set.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) && !c.Required {
			c.debug("No configuration at %s, using defaults", c.Path)
			c.Definition = &Definition{}
			return nil
		}
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Check the --config path, or omit it to use the defaults",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	c.debug("Loaded configuration from %s", c.Path)
	return nil
}

// Parse validates raw YAML against the schema and decodes it.
func Parse(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Definition{}, nil
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "configuration does not match the expected structure",
			Suggestion: "Compare your file with the documented keys",
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func validateSchema(doc interface{}) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal data for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return dserrors.ConfigError{
			Message:    "schema validation failed:\n  - " + strings.Join(errorMessages, "\n  - "),
			Suggestion: "Allowed keys: version, max_seals_per_key, open_mode, key_mode, require_mlock, disable_core_dumps, metrics",
		}
	}
	return nil
}

// Validate checks the values the schema cannot express.
func (d *Definition) Validate() error {
	if d.Version != 0 {
		return dserrors.ConfigError{
			Field:      "version",
			Value:      d.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' or remove the key",
		}
	}
	if _, err := vault.ParseOpenMode(d.OpenMode); err != nil {
		return dserrors.ConfigError{
			Field:      "open_mode",
			Value:      d.OpenMode,
			Message:    err.Error(),
			Suggestion: "Use 'block' or 'fail-fast'",
		}
	}
	if _, err := vault.ParseKeyMode(d.KeyMode); err != nil {
		return dserrors.ConfigError{
			Field:      "key_mode",
			Value:      d.KeyMode,
			Message:    err.Error(),
			Suggestion: "Use 'session' or 'per-buffer'",
		}
	}
	if d.Metrics.Port < 0 || d.Metrics.Port > 65535 {
		return dserrors.ConfigError{
			Field:   "metrics.port",
			Value:   d.Metrics.Port,
			Message: "port out of range",
		}
	}
	return nil
}

// RequireMlockEnabled reports whether unlockable memory is refused.
// Default true.
func (d *Definition) RequireMlockEnabled() bool {
	return d.RequireMlock == nil || *d.RequireMlock
}

// DisableCoreDumpsEnabled reports whether core dumps are turned off at
// startup. Default true.
func (d *Definition) DisableCoreDumpsEnabled() bool {
	return d.DisableCoreDumps == nil || *d.DisableCoreDumps
}

// MetricsServerConfig returns the metrics endpoint configuration.
func (d *Definition) MetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Enabled = d.Metrics.Enabled
	if d.Metrics.Port != 0 {
		cfg.Port = d.Metrics.Port
	}
	return cfg
}

// VaultOptions translates the configuration into vault options. Load must
// have succeeded.
func (c *Config) VaultOptions() []vault.Option {
	d := c.Definition
	if d == nil {
		d = &Definition{}
	}
	openMode, _ := vault.ParseOpenMode(d.OpenMode)
	keyMode, _ := vault.ParseKeyMode(d.KeyMode)

	opts := []vault.Option{
		vault.WithOpenMode(openMode),
		vault.WithKeyMode(keyMode),
		vault.WithLockRequired(d.RequireMlockEnabled()),
		vault.WithMaxSeals(d.MaxSealsPerKey),
	}
	if c.Logger != nil {
		opts = append(opts, vault.WithLogger(c.Logger))
	}
	return opts
}

func (c *Config) debug(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Debug(format, args...)
	}
}
