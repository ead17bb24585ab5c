package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the standard OTLP/HTTP port agents export to.
const DefaultPort uint16 = 4318

// EnvPrefix prefixes the environment overrides (PULSE_PORT, ...).
const EnvPrefix = "PULSE"

// ErrInvalidPort is returned for port 0.
var ErrInvalidPort = errors.New("port must be between 1 and 65535")

// Preferences is the persisted server configuration.
type Preferences struct {
	Port    uint16 `yaml:"port"`
	Enabled bool   `yaml:"enabled"`

	// SessionReset is an optional RFC 5545 RRULE (e.g. "FREQ=DAILY") at
	// whose occurrences the session token count is reset.
	SessionReset string `yaml:"session_reset,omitempty" split_words:"true"`

	// LogLevel is a zap level name.
	LogLevel string `yaml:"log_level,omitempty" split_words:"true"`
}

// Default returns the preferences used when nothing is stored.
func Default() Preferences {
	return Preferences{
		Port:    DefaultPort,
		Enabled: true,
	}
}

// Validate checks field ranges.
func (p Preferences) Validate() error {
	if p.Port == 0 {
		return ErrInvalidPort
	}
	return nil
}

// ApplyEnv overlays PULSE_PORT, PULSE_ENABLED, PULSE_SESSION_RESET and
// PULSE_LOG_LEVEL onto p. Variables that are not set leave the
// corresponding field untouched. Fields carry no envconfig tags so an
// unprefixed PORT in the environment is never consulted.
func ApplyEnv(p Preferences) (Preferences, error) {
	if err := envconfig.Process(EnvPrefix, &p); err != nil {
		return p, fmt.Errorf("read %s_* environment: %w", EnvPrefix, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%s_PORT: %w", EnvPrefix, err)
	}
	return p, nil
}

// Dir returns the pulse configuration directory: $PULSE_DIR if set,
// otherwise ~/.pulse/.
func Dir() string {
	if dir := os.Getenv("PULSE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pulse")
	}
	return filepath.Join(home, ".pulse")
}

// DefaultPath returns the preferences file path inside Dir().
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// decode parses YAML on top of the defaults so absent keys keep their
// default values.
func decode(data []byte) (Preferences, error) {
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Preferences{}, err
	}
	if err := p.Validate(); err != nil {
		return Preferences{}, err
	}
	return p, nil
}
