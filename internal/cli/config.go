package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/pantry/internal/paths"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envPrefix      = "PANTRY"

	cfgKeyBaseURL       = "base_url"
	cfgKeyTimeout       = "timeout"
	cfgKeyLogLevel      = "log_level"
	cfgKeyLogFormat     = "log_format"
	cfgKeyServerAddr    = "server.addr"
	cfgKeyServerDataDir = "server.data_dir"
)

// configHeader is written above the generated config.yaml.
const configHeader = `# pantry configuration
#
# Register the backend's resource types here, for example:
#
# types:
#   - singular: widget
#     plural: widgets
#     api_prefix: /api
#
# Every scalar key can be overridden by a PANTRY_ environment variable
# (PANTRY_BASE_URL, PANTRY_SERVER_ADDR, ...).

`

// configFile is the on-disk shape of config.yaml. Timeout is kept as a
// duration string so the file stays readable.
type configFile struct {
	BaseURL   string             `yaml:"base_url"`
	Timeout   string             `yaml:"timeout"`
	LogLevel  string             `yaml:"log_level"`
	LogFormat string             `yaml:"log_format"`
	Types     []types.TypeConfig `yaml:"types"`
	Server    types.ServerConfig `yaml:"server"`
}

// defaultConfigFile returns the values written by "pantry init".
func defaultConfigFile() configFile {
	return configFile{
		BaseURL:   types.DefaultBaseURL,
		Timeout:   types.DefaultTimeout.String(),
		LogLevel:  "warn",
		LogFormat: "text",
		Types:     []types.TypeConfig{},
		Server:    types.ServerConfig{Addr: types.DefaultServerAddr},
	}
}

// loadConfig reads config.yaml from configDir with Viper, applies PANTRY_
// environment overrides and then flag overrides, and validates the result.
// A missing config.yaml is not an error.
func loadConfig(configDir string, flags rootFlags) (types.Config, error) {
	v := viper.New()
	def := defaultConfigFile()
	v.SetDefault(cfgKeyBaseURL, def.BaseURL)
	v.SetDefault(cfgKeyTimeout, types.DefaultTimeout)
	v.SetDefault(cfgKeyLogLevel, def.LogLevel)
	v.SetDefault(cfgKeyLogFormat, def.LogFormat)
	v.SetDefault(cfgKeyServerAddr, def.Server.Addr)
	v.SetDefault(cfgKeyServerDataDir, "")

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags.baseURL != "" {
		v.Set(cfgKeyBaseURL, flags.baseURL)
	}
	if flags.logLevel != "" {
		v.Set(cfgKeyLogLevel, flags.logLevel)
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// writeConfigIfMissing creates config.yaml with default values when the file
// does not exist. It reports whether a file was written.
func writeConfigIfMissing(configDir string) (bool, error) {
	path := paths.ConfigFile(configDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(defaultConfigFile())
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// configDir resolves the configuration directory from flag, env or default.
func (a *app) configDir() (string, error) {
	return paths.ResolveConfigDir(a.flags.configDir)
}
