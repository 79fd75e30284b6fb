// Package config loads daemon configuration. Sources are merged in
// priority order: a YAML file loaded first, then JB_* environment
// variables, then long-form --section.key=value command-line flags.
//
// The file is located through --config when given, otherwise the first
// of $<PROGRAM>_ROOT, $JAYBEAMS_ROOT and the compiled-in sysconfdir
// that holds <program>.yaml.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SysConfDir is the compiled-in fallback for configuration files.
var SysConfDir = "/etc/jaybeams"

// ErrUsage reports a command-line parsing failure; main exits with
// status 2.
var ErrUsage = errors.New("usage error")

// LogConfig selects the logging handler: JSON or text on stdout,
// level by name.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultLogConfig logs text at info.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

// NewLogger builds the process logger from the configuration.
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.Level)}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load parses args into fs, locates and reads the YAML file, applies
// environment overrides, binds the flags, and unmarshals everything
// into out. program names the daemon (and its config file and
// environment root variable).
func Load(program string, fs *pflag.FlagSet, args []string, out any) error {
	cfgPath := fs.String("config", "", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	v := viper.New()
	v.SetEnvPrefix("JB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if *cfgPath != "" {
		v.SetConfigFile(*cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	} else if path := findConfigFile(program); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// findConfigFile walks the configuration search path: the per-program
// root variable, the generic JAYBEAMS_ROOT, then the sysconfdir.
func findConfigFile(program string) string {
	name := program + ".yaml"
	perProgram := strings.ToUpper(strings.ReplaceAll(program, "-", "_")) + "_ROOT"
	for _, dir := range []string{os.Getenv(perProgram), os.Getenv("JAYBEAMS_ROOT"), SysConfDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
