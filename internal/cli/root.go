// Package cli wires the ledger-extract commands with cobra.
package cli

import (
	"errors"

	"github.com/Sternrassler/ledger-extract/pkg/extract"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command and attaches the sub-commands.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ledger-extract",
		Short: "Extract NetSuite general ledger and dimension records via SuiteQL",
		Long: `ledger-extract pages SuiteQL queries past the offset ceiling, validates
every row against its stream schema and writes records with resumable
checkpoints to JSON lines or Postgres.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the JSON config file")

	rootCmd.AddCommand(newSyncCmd(&configPath))
	rootCmd.AddCommand(newStreamsCmd())

	return rootCmd
}

// Execute runs the root command. Job failures are already logged by the
// runner, so only other errors are reported here.
func Execute() error {
	err := NewRootCmd().Execute()
	var jobErr *extract.JobError
	if err != nil && !errors.As(err, &jobErr) {
		log.Error().Err(err).Msg("ledger-extract failed")
	}
	return err
}
