package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/gopg-elt/internal/config"
	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/fgeck/gopg-elt/internal/services/pipeline"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the extract-load pipeline",
	Long: `Execute the complete pipeline:
1. Wake-on-LAN (if configured)
2. Wait for the source database
3. Wait for the destination database
4. Extract the source with pg_dump
5. Load the dump into the destination with psql
6. Send Telegram notification (if configured)`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

// loadConfig reads configuration from the environment and the optional --config file.
func loadConfig() (*models.ELTConfig, error) {
	parser := config.NewParser()

	var cfg *models.ELTConfig
	var err error
	if configFile != "" {
		cfg, err = parser.LoadFile(configFile)
	} else {
		cfg, err = parser.Load()
	}
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	log.Info().
		Str("source_db", cfg.Source.Database).
		Str("destination_db", cfg.Destination.Database).
		Msg("configuration loaded")

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := pipeline.New(log.Logger)
	result, err := svc.Run(ctx, *cfg)
	if err != nil {
		return err
	}

	log.Info().
		Str("run_id", result.RunID).
		Str("state", string(result.State)).
		Msg("ELT run finished")

	return nil
}
