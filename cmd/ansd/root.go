package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AbstractSDK/ans-scraper/reconciler/config"
)

const (
	flagHome      = "home"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	envPrefix     = "ANSD"
)

func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "ansd",
		Short:         "Abstract name service registry reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}

	rootCmd.PersistentFlags().String(flagHome, defaultHome(), "Node home directory")
	rootCmd.PersistentFlags().String(flagLogLevel, "", "Override the configured log level (0=debug .. 5=panic)")
	rootCmd.PersistentFlags().String(flagLogFormat, "", "Override the configured log format (json|console)")
	_ = v.BindPFlags(rootCmd.PersistentFlags())

	InitRootCmd(rootCmd, v) // add subcommands like `start` and `version`

	return rootCmd
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return config.DefaultNodeDirName
	}
	return filepath.Join(home, config.DefaultNodeDirName)
}
