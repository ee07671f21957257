package types

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the cache client settings and the type registrations to apply
// at startup. Server configures the development backend.
type Config struct {
	BaseURL   string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	LogLevel  string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogFormat string        `json:"log_format" yaml:"log_format" mapstructure:"log_format"`
	Types     []TypeConfig  `json:"types" yaml:"types" mapstructure:"types"`
	Server    ServerConfig  `json:"server" yaml:"server" mapstructure:"server"`
}

// TypeConfig is one RegisterType call expressed as configuration.
type TypeConfig struct {
	Singular  string `json:"singular" yaml:"singular" mapstructure:"singular"`
	Plural    string `json:"plural" yaml:"plural" mapstructure:"plural"`
	APIPrefix string `json:"api_prefix" yaml:"api_prefix" mapstructure:"api_prefix"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Addr    string `json:"addr" yaml:"addr" mapstructure:"addr"`
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// Defaults applied by the CLI when a key is absent.
const (
	DefaultBaseURL    = "http://localhost:8080"
	DefaultTimeout    = 30 * time.Second
	DefaultServerAddr = "localhost:8080"
)

// Config validation errors.
var (
	ErrBaseURLInvalid    = errors.New("base_url must be an absolute http(s) URL")
	ErrTimeoutInvalid    = errors.New("timeout must not be negative")
	ErrTypeSingularEmpty = errors.New("type singular name must not be empty")
	ErrTypePluralEmpty   = errors.New("type plural name must not be empty")
	ErrTypeDuplicate     = errors.New("type registered more than once")
	ErrTypeNameClash     = errors.New("singular and plural names must differ")
)

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package, wrapped with the offending value where there is one.
func (c Config) Validate() error {
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrBaseURLInvalid, c.BaseURL)
		}
	}
	if c.Timeout < 0 {
		return ErrTimeoutInvalid
	}
	seen := make(map[string]bool, len(c.Types))
	for _, t := range c.Types {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Singular] {
			return fmt.Errorf("%w: %s", ErrTypeDuplicate, t.Singular)
		}
		seen[t.Singular] = true
	}
	return nil
}

// Validate checks a single type registration.
func (t TypeConfig) Validate() error {
	if t.Singular == "" {
		return ErrTypeSingularEmpty
	}
	if t.Plural == "" {
		return fmt.Errorf("%w: %s", ErrTypePluralEmpty, t.Singular)
	}
	for _, name := range []string{t.Singular, t.Plural} {
		if strings.ContainsAny(name, "/?# \t\n") {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	if t.Singular == t.Plural {
		return fmt.Errorf("%w: %s", ErrTypeNameClash, t.Singular)
	}
	return nil
}
