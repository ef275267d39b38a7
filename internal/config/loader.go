package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "WIRECHAT"
	envConfigDefaultPath = envPrefix + "_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "wirechat-tui.yaml"
)

// Load resolves the client configuration and returns it together with the
// config file path. Sources in increasing priority: Default(), the YAML file,
// WIRECHAT_* environment variables. Flags are applied by the caller with
// UpdateFrom. A missing file is created from the defaults.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	cfg := Default()
	path := configFilePath(explicitPath)

	v := newViper(cfg)
	v.SetConfigFile(path)

	err := v.ReadInConfig()
	if err != nil && isMissingFile(err) {
		if writeErr := writeDefaultConfig(path, cfg); writeErr != nil {
			logger.Warn().Err(writeErr).Str("path", path).Msg("could not create default config")
		} else {
			logger.Info().Str("path", path).Msg("wrote default config")
		}
		err = v.ReadInConfig()
		if err != nil && isMissingFile(err) {
			err = nil
		}
	}
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("decode config: %w", err)
	}
	return cfg, path, nil
}

// newViper registers every key with its default so that AutomaticEnv can
// resolve WIRECHAT_<KEY> for it.
func newViper(defaults Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("password", defaults.Password)
	layout := fileConfig(defaults)
	for key, value := range map[string]any{
		"backend":             layout.Backend,
		"server_url":          layout.ServerURL,
		"username":            layout.Username,
		"room":                layout.Room,
		"debug":               layout.Debug,
		"log_level":           layout.LogLevel,
		"log_file":            layout.LogFile,
		"history_limit":       layout.HistoryLimit,
		"server_timeout":      defaults.ServerTimeout,
		"queue_poll_interval": defaults.QueuePollInterval,
		"store_path":          layout.StorePath,
		"logout_on_exit":      layout.LogoutOnExit,
	} {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// configFilePath picks, in order: the explicit path, the directory named by
// WIRECHAT_CONFIG_DEFAULT_PATH, the user config directory, the working
// directory.
func configFilePath(explicitPath string) string {
	switch {
	case explicitPath != "":
		return explicitPath
	case os.Getenv(envConfigDefaultPath) != "":
		base := os.Getenv(envConfigDefaultPath)
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "wirechat-tui", defaultConfigName)
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, defaultConfigName)
	}
	return defaultConfigName
}

// writeDefaultConfig persists cfg without the password, which is only
// accepted from the environment, flags or the prompt.
func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(fileConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// fileLayout is the on-disk shape. Durations are written as "5s" rather
// than nanoseconds.
type fileLayout struct {
	Backend           string `yaml:"backend"`
	ServerURL         string `yaml:"server_url"`
	Username          string `yaml:"username"`
	Room              string `yaml:"room"`
	Debug             bool   `yaml:"debug"`
	LogLevel          string `yaml:"log_level"`
	LogFile           string `yaml:"log_file"`
	HistoryLimit      int    `yaml:"history_limit"`
	ServerTimeout     string `yaml:"server_timeout"`
	QueuePollInterval string `yaml:"queue_poll_interval"`
	StorePath         string `yaml:"store_path"`
	LogoutOnExit      bool   `yaml:"logout_on_exit"`
}

func fileConfig(cfg Config) fileLayout {
	return fileLayout{
		Backend:           cfg.Backend,
		ServerURL:         cfg.ServerURL,
		Username:          cfg.Username,
		Room:              cfg.Room,
		Debug:             cfg.Debug,
		LogLevel:          cfg.LogLevel,
		LogFile:           cfg.LogFile,
		HistoryLimit:      cfg.HistoryLimit,
		ServerTimeout:     cfg.ServerTimeout.String(),
		QueuePollInterval: cfg.QueuePollInterval.String(),
		StorePath:         cfg.StorePath,
		LogoutOnExit:      cfg.LogoutOnExit,
	}
}
