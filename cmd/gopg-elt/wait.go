package main

import (
	"github.com/fgeck/gopg-elt/internal/services/pipeline"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until both databases accept connections",
	Long: `Run only the readiness checks against the source and then the destination
database. Exits non-zero if either does not become ready within the configured
number of attempts.`,
	Args: cobra.NoArgs,
	RunE: waitForDatabases,
}

func waitForDatabases(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := pipeline.New(log.Logger).WaitForTargets(ctx, *cfg); err != nil {
		log.Error().Err(err).Msg("databases not ready")
		return err
	}

	log.Info().Msg("both databases are ready")
	return nil
}
