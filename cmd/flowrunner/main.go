package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"github.com/spf13/cobra"

	"github.com/rakunlabs/flowrunner/internal/config"
	"github.com/rakunlabs/flowrunner/internal/flow"
	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/scheduler"
	"github.com/rakunlabs/flowrunner/internal/trigger"

	// Register the compiled-in operation catalogue.
	_ "github.com/rakunlabs/flowrunner/internal/operations"
)

var (
	name    = "flowrunner"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

type rootFlags struct {
	configFile string
	flowDir    string
	pluginDir  string
	verbosity  int
}

func run(ctx context.Context) error {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           name,
		Short:         "declarative flow runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configFile, "config", ".flowrunner.yaml", "global configuration file")
	root.PersistentFlags().StringVar(&flags.flowDir, "flow-dir", "", "directory holding flow files")
	root.PersistentFlags().StringVar(&flags.pluginDir, "plugin-dir", "", "directory holding dynamically loaded operations (ignored by the compiled-in catalogue)")
	root.PersistentFlags().CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	root.AddCommand(execCmd(flags), cronCmd(flags), serverCmd(flags))

	return root.ExecuteContext(ctx)
}

// loadConfig reads the global config file and applies flag overrides.
func loadConfig(ctx context.Context, flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(ctx, flags.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if flags.flowDir != "" {
		cfg.FlowDir = flags.flowDir
	}
	if flags.pluginDir != "" {
		cfg.PluginDir = flags.pluginDir
	}

	if flags.verbosity > 0 {
		if err := logi.SetLogLevel("debug"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func execCmd(flags *rootFlags) *cobra.Command {
	var flowFile string

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "execute a single flow synchronously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}

			if flowFile == "" {
				return fmt.Errorf("you must specify the flow file with --flow-file")
			}

			path := flowFile
			if _, err := os.Stat(path); err != nil {
				path = filepath.Join(cfg.FlowDir, flowFile)
			}

			fcfg, err := flowcfg.Load(path)
			if err != nil {
				return err
			}

			f := flow.New(*fcfg)
			if err := f.Run(ctx); err != nil {
				return err
			}

			if fcfg.Kind != flowcfg.KindStream {
				out, err := json.MarshalIndent(f.Results(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(out))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&flowFile, "flow-file", "", "flow file to execute (absolute, or relative to --flow-dir)")

	return cmd
}

func cronCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cron",
		Short: "run the cron scheduler over the flow directory until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}

			s := scheduler.New(nil)
			if err := s.LoadDir(ctx, cfg.FlowDir); err != nil {
				return err
			}

			return s.Run(ctx)
		},
	}
}

func serverCmd(flags *rootFlags) *cobra.Command {
	var hostAddr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "serve action flows over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx, flags)
			if err != nil {
				return err
			}

			addr := cfg.Server.HostAddr
			if hostAddr != "" {
				addr = hostAddr
			}

			s := trigger.New(addr, nil)
			if err := s.LoadDir(ctx, cfg.FlowDir); err != nil {
				return err
			}

			return s.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&hostAddr, "host-addr", "", "listen address for the trigger server")

	return cmd
}
