package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// FlowDir is the directory scanned for flow files by the cron and
	// server commands, and the base for exec's --flow-file.
	FlowDir string `cfg:"flow_dir" default:"flows"`

	// PluginDir is accepted for interface compatibility with dynamically
	// loaded operation catalogues; the compiled-in catalogue ignores it.
	PluginDir string `cfg:"plugin_dir"`

	Server Server `cfg:"server"`
}

type Server struct {
	// HostAddr is the trigger server's listen address.
	HostAddr string `cfg:"host_addr" default:"127.0.0.1:8080"`
}

// Load reads the global configuration: the config file named by path (chu
// resolves the format), overlaid with FLOWRUNNER_-prefixed environment
// variables.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("FLOWRUNNER_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
