package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/basekick-labs/asdm2ms/internal/config"
	"github.com/basekick-labs/asdm2ms/internal/logger"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "asdm2ms",
		Short:         "Convert ALMA Science Data Model datasets to Measurement Set tables",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: console or json")

	root.AddCommand(convertCommand(), verifyCommand(), versionCommand())
	return root
}

// loadConfig merges defaults, the config file, the environment and the
// flags of cmd, then sets up the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	flags.AddFlagSet(cmd.Flags())
	flags.AddFlagSet(cmd.InheritedFlags())

	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "asdm2ms", Version)
		},
	}
}
