package main

import (
	"github.com/spf13/cobra"

	"github.com/edcompanion/engine/internal/config"
	xlog "github.com/edcompanion/engine/internal/log"
)

const defaultConfigPath = "config.yaml"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "edcompanion",
		Short:         "Elite Dangerous journal companion",
		Long:          "Tails the game journal and status files, runs waypoint races and tracks route and exploration progress.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			xlog.Configure(xlog.Config{Level: opts.logLevel})
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error); overrides config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRaceCommand(opts))

	return cmd
}

// loadConfig reads the config file. The default path may be absent; an
// explicitly named file must exist.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath == defaultConfigPath {
		cfg, err = config.LoadOrDefault(o.configPath)
	} else {
		cfg, err = config.Load(o.configPath)
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel == "" {
		xlog.SetLevel(cfg.Log.Level)
	}
	return cfg, nil
}
