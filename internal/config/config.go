package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Supported session backends.
const (
	BackendMatrix   = "matrix"
	BackendWirechat = "wirechat"
)

// Config holds client configuration values.
type Config struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	ServerURL         string        `mapstructure:"server_url" yaml:"server_url"`
	Username          string        `mapstructure:"username" yaml:"username"`
	Password          string        `mapstructure:"password" yaml:"password,omitempty"`
	Room              string        `mapstructure:"room" yaml:"room"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFile           string        `mapstructure:"log_file" yaml:"log_file"`
	HistoryLimit      int           `mapstructure:"history_limit" yaml:"history_limit"`
	ServerTimeout     time.Duration `mapstructure:"server_timeout" yaml:"server_timeout"`
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval" yaml:"queue_poll_interval"`
	StorePath         string        `mapstructure:"store_path" yaml:"store_path"`
	LogoutOnExit      bool          `mapstructure:"logout_on_exit" yaml:"logout_on_exit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Backend:           BackendMatrix,
		LogLevel:          "info",
		LogFile:           "wirechat-tui.log",
		HistoryLimit:      100,
		ServerTimeout:     5 * time.Second,
		QueuePollInterval: 500 * time.Millisecond,
		StorePath:         DefaultStorePath(),
	}
}

// DefaultStorePath places the credential cache in the user config
// directory, falling back to the working directory.
func DefaultStorePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "wirechat-tui", "credentials.db")
	}
	return "wirechat-tui.db"
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Boolean switches can only be turned on.
func (c *Config) UpdateFrom(other Config) {
	if other.Backend != "" {
		c.Backend = other.Backend
	}
	if other.ServerURL != "" {
		c.ServerURL = other.ServerURL
	}
	if other.Username != "" {
		c.Username = other.Username
	}
	if other.Password != "" {
		c.Password = other.Password
	}
	if other.Room != "" {
		c.Room = other.Room
	}
	if other.Debug {
		c.Debug = true
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFile != "" {
		c.LogFile = other.LogFile
	}
	if other.HistoryLimit != 0 {
		c.HistoryLimit = other.HistoryLimit
	}
	if other.ServerTimeout != 0 {
		c.ServerTimeout = other.ServerTimeout
	}
	if other.QueuePollInterval != 0 {
		c.QueuePollInterval = other.QueuePollInterval
	}
	if other.StorePath != "" {
		c.StorePath = other.StorePath
	}
	if other.LogoutOnExit {
		c.LogoutOnExit = true
	}
}

// EffectiveLogLevel returns the log level, forced to debug in debug mode.
func (c Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// Validate checks that the values needed to connect are present and sane.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendMatrix, BackendWirechat:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url %q is not an absolute URL", c.ServerURL))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Room == "" {
		errs = append(errs, errors.New("room is required"))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, errors.New("history_limit must not be negative"))
	}
	if c.ServerTimeout <= 0 {
		errs = append(errs, errors.New("server_timeout must be positive"))
	}

	return errors.Join(errs...)
}
