// Package config loads ssrport settings from defaults, an optional config
// file, SSRPORT_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// EnvPrefix namespaces environment overrides, e.g. SSRPORT_START_PORT.
const EnvPrefix = "SSRPORT"

// DefaultKey is both the store key the port is persisted under and the
// environment variable handed to child processes.
const DefaultKey = "SSR_PORT"

// Viper keys. Flags are bound to these names in the cli package.
const (
	KeyStartPort   = "start_port"
	KeyMaxAttempts = "max_attempts"
	KeyPolicy      = "policy"
	KeyHost        = "host"
	KeyTimeout     = "timeout"
	KeyReserved    = "reserved"
	KeyAvoidDocker = "avoid_docker"
	KeyAvoidDevcon = "avoid_devcontainer"
	KeyPersist     = "persist"
	KeyStoreKey    = "key"
	KeyClearCache  = "clear_cache"
	KeyEnv         = "env"
	KeyPassListen  = "pass_listener"
	KeyLogFile     = "log_file"
	KeyVerbose     = "verbose"
)

// Config is the decoded configuration.
type Config struct {
	StartPort   int           `mapstructure:"start_port"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Policy      string        `mapstructure:"policy"`
	Host        string        `mapstructure:"host"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Reserved ports are never returned by a search.
	Reserved []int `mapstructure:"reserved"`

	// AvoidDocker reserves every host port published by Docker containers.
	AvoidDocker bool `mapstructure:"avoid_docker"`

	// AvoidDevcontainer reserves the ports forwarded or published by the
	// devcontainer.json of the working directory.
	AvoidDevcontainer bool `mapstructure:"avoid_devcontainer"`

	// Persist is the configuration file the port is written to (.env,
	// .json, .yaml or .toml). Empty disables persistence.
	Persist string `mapstructure:"persist"`

	// Key is the name the port is stored under.
	Key string `mapstructure:"key"`

	// ClearCache is a shell command run after a successful persist,
	// e.g. "php artisan config:clear".
	ClearCache string `mapstructure:"clear_cache"`

	// Env is the variable name "exec" sets for the child process.
	Env string `mapstructure:"env"`

	// PassListener makes "exec" bind the port itself and hand the socket
	// to the child instead of only naming the port.
	PassListener bool `mapstructure:"pass_listener"`

	LogFile string `mapstructure:"log_file"`
	Verbose bool   `mapstructure:"verbose"`
}

// SetDefaults registers every key with its default so AutomaticEnv and
// Unmarshal can see it.
func SetDefaults(v *viper.Viper) {
	probe := model.DefaultProbeConfig()
	v.SetDefault(KeyStartPort, probe.StartPort)
	v.SetDefault(KeyMaxAttempts, probe.MaxAttempts)
	v.SetDefault(KeyPolicy, string(probe.Policy))
	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyTimeout, time.Duration(0))
	v.SetDefault(KeyReserved, []int{})
	v.SetDefault(KeyAvoidDocker, false)
	v.SetDefault(KeyAvoidDevcon, false)
	v.SetDefault(KeyPersist, "")
	v.SetDefault(KeyStoreKey, DefaultKey)
	v.SetDefault(KeyClearCache, "")
	v.SetDefault(KeyEnv, DefaultKey)
	v.SetDefault(KeyPassListen, false)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyVerbose, false)
}

// Load reads configuration into a Config.
//
// When path is empty, ssrport.{yaml,yml,json,toml} in the working directory
// is used if present and silently skipped otherwise. An explicit path that
// cannot be read is an error.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ssrport")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("%w: read config: %v", model.ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %v", model.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the probe settings and the persistence settings.
func (c Config) Validate() error {
	probeCfg, err := c.ProbeConfig()
	if err != nil {
		return err
	}
	if err := probeCfg.Validate(); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative, got %s", model.ErrInvalidConfig, c.Timeout)
	}
	if c.Persist != "" && strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: a key is required when persisting to %s", model.ErrInvalidConfig, c.Persist)
	}
	for _, p := range c.Reserved {
		if !model.IsValidPort(p) {
			return fmt.Errorf("%w: reserved port %d out of range", model.ErrInvalidConfig, p)
		}
	}
	return nil
}

// ProbeConfig converts the search-related settings.
func (c Config) ProbeConfig() (model.ProbeConfig, error) {
	policy, err := model.ParseExhaustionPolicy(c.Policy)
	if err != nil {
		return model.ProbeConfig{}, err
	}
	return model.ProbeConfig{
		StartPort:   c.StartPort,
		MaxAttempts: c.MaxAttempts,
		Policy:      policy,
	}, nil
}
