package main

import (
	"os"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parlor/cmd/parlor/cmds"
	"github.com/go-go-golems/parlor/pkg/config"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "parlor",
		Short:        "parlor is a real-time one-to-one messaging gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger now that --log-level and co are parsed
			return logging.InitLoggerFromViper()
		},
	}
	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewTokenCommand(),
		cmds.NewMigrateCommand(),
		cmds.NewEventsCommand(),
	)
	return rootCmd
}

func main() {
	rootCmd := newRootCmd()
	// adds --config and the logging flags, reads the config file and sets the
	// PARLOR_ env prefix
	cobra.CheckErr(clay.InitViper("parlor", rootCmd))
	cobra.CheckErr(config.BindEnv(viper.GetViper()))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
