package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/config"
	"github.com/sockethub/sockethub/internal/logging"
)

var (
	logger  *zap.Logger
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "sockethub",
	Short: "Protocol gateway between web clients and platform workers",
	Long: `sockethub accepts ActivityStreams messages from connected clients,
routes each one to a platform instance through a shared job queue, and
relays results and unsolicited platform messages back to every client
attached to that instance.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("SOCKETHUB_CONFIG"), "path to a config file (yaml, toml or json)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindFlag ties a viper key to a command flag so the flag wins over file
// and environment values when set.
func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
