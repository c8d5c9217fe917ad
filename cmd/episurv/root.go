package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/cli"
	"github.com/episurv/surveillance/internal/config"
	"github.com/episurv/surveillance/pkg/log"
)

var undoLogger func()

var rootCmd = &cobra.Command{
	Use:   "episurv",
	Short: "Case import and address geocoding backend for epidemiological surveillance",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		var outputs []string
		if cmd != runCmd {
			outputs = []string{"stderr"}
		}
		undoLogger = zap.ReplaceGlobals(log.InitLog(log.ParseLevel(cfg.Service.LogLevel), outputs...))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
		if undoLogger != nil {
			undoLogger()
		}
	},
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cli.NewCmdJob())
	rootCmd.AddCommand(cli.NewCmdGeocode())
	rootCmd.AddCommand(cli.NewCmdSweep())
}
