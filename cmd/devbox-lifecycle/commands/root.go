package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "devbox-lifecycle",
	Short: "Devbox image lifecycle - snapshot/image saga for ephemeral dev machines",
	Long: `Preserves a project's working environment across ephemeral instances:
on instance termination every attached volume is snapshotted, a new bootable
image is built once all snapshots complete, and the image is promoted as the
project's boot image for the next launch.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db-path", ".artifacts/lifecycle.db", "State store SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/recover.db", "Recovery FSM database path")
	rootCmd.PersistentFlags().String("aws-region", "us-east-1", "AWS region")
	rootCmd.PersistentFlags().String("queue-url", "", "SQS queue URL for lifecycle events")
	rootCmd.PersistentFlags().String("ssm-prefix", "/devbox", "Parameter Store prefix for launch configuration")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Prometheus listen address (empty disables)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().String("log-file", "", "Rotating log file (empty for stdout only)")

	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("aws-region", rootCmd.PersistentFlags().Lookup("aws-region"))
	viper.BindPFlag("queue-url", rootCmd.PersistentFlags().Lookup("queue-url"))
	viper.BindPFlag("ssm-prefix", rootCmd.PersistentFlags().Lookup("ssm-prefix"))
	viper.BindPFlag("metrics-addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
}
