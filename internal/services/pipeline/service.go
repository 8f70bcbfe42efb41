// Package pipeline orchestrates a single extract-load run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/fgeck/gopg-elt/internal/services/postgres"
	"github.com/fgeck/gopg-elt/internal/services/readiness"
	"github.com/fgeck/gopg-elt/internal/services/telegram"
	"github.com/fgeck/gopg-elt/internal/services/wol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service defines the interface for the extract-load pipeline.
type Service interface {
	Run(ctx context.Context, cfg models.ELTConfig) (*models.PipelineResult, error)
	WaitForTargets(ctx context.Context, cfg models.ELTConfig) error
}

// Impl implements the pipeline Service interface.
type Impl struct {
	readinessSvc readiness.Service
	postgresSvc  postgres.Service
	wolSvc       wol.Service
	telegramSvc  telegram.Service
	logger       zerolog.Logger
	newRunID     func() string
}

// New creates a new pipeline service.
func New(logger zerolog.Logger) *Impl {
	pg := postgres.New(logger)
	return &Impl{
		readinessSvc: readiness.New(logger, pg),
		postgresSvc:  pg,
		wolSvc:       wol.New(logger),
		telegramSvc:  telegram.New(logger),
		logger:       logger,
		newRunID:     uuid.NewString,
	}
}

// NewWithServices creates a new pipeline service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	readinessSvc readiness.Service,
	postgresSvc postgres.Service,
	wolSvc wol.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		readinessSvc: readinessSvc,
		postgresSvc:  postgresSvc,
		wolSvc:       wolSvc,
		telegramSvc:  telegramSvc,
		logger:       logger,
		newRunID:     uuid.NewString,
	}
}

// run is the state of one Run call. A fresh value is built per call.
type run struct {
	result *models.PipelineResult
	logger zerolog.Logger
}

// enter moves the run to state. Done and Failed are never left.
func (r *run) enter(state models.State) {
	if r.result.State.Terminal() {
		r.logger.Warn().
			Str("stage", string(r.result.State)).
			Str("requested", string(state)).
			Msg("ignoring transition out of terminal stage")
		return
	}
	r.result.State = state
	r.logger.Debug().Str("stage", string(state)).Msg("entering stage")
}

func (r *run) fail(err error) (*models.PipelineResult, error) {
	if r.result.State.Terminal() {
		return r.result, err
	}
	r.result.FailedStage = r.result.State
	r.result.State = models.StateFailed
	r.result.Error = err
	r.result.Duration = time.Since(r.result.StartTime)

	r.logger.Error().
		Err(err).
		Str("stage", string(r.result.FailedStage)).
		Dur("duration", r.result.Duration).
		Msg("ELT pipeline failed")

	return r.result, err
}

// Run waits for both databases, dumps the source and replays the dump into the destination.
// Any failure stops the run and is returned; nothing after the failing stage is invoked.
func (s *Impl) Run(ctx context.Context, cfg models.ELTConfig) (*models.PipelineResult, error) {
	runID := s.newRunID()
	r := &run{
		result: &models.PipelineResult{
			RunID:     runID,
			State:     models.StateIdle,
			StartTime: time.Now(),
		},
		logger: s.logger.With().Str("run_id", runID).Logger(),
	}

	r.logger.Info().
		Str("source", cfg.Source.Address()).
		Str("destination", cfg.Destination.Address()).
		Str("artifact", cfg.Artifact.Path).
		Msg("starting ELT pipeline")

	if cfg.Telegram != nil {
		defer s.sendNotification(context.WithoutCancel(ctx), cfg, r)
	}

	if cfg.WOL != nil {
		s.runWOL(ctx, cfg, r.logger)
	}

	r.enter(models.StateWaitingSource)
	if err := s.waitFor(ctx, cfg.Source, cfg.Readiness); err != nil {
		return r.fail(err)
	}

	r.enter(models.StateWaitingDestination)
	if err := s.waitFor(ctx, cfg.Destination, cfg.Readiness); err != nil {
		return r.fail(err)
	}

	r.enter(models.StateExtracting)
	dumpResult, err := s.postgresSvc.Dump(ctx, cfg.Source, cfg.Artifact.Path)
	if err != nil {
		return r.fail(fmt.Errorf("data extraction failed: %w", err))
	}
	if dumpResult.Error != nil {
		logToolFailure(r.logger, dumpResult.ToolResult, "data extraction failed")
		return r.fail(fmt.Errorf("data extraction failed: %w", dumpResult.Error))
	}
	artifact := dumpResult.Artifact
	r.result.Artifact = &artifact

	r.enter(models.StateLoading)
	loadResult, err := s.postgresSvc.Load(ctx, cfg.Destination, artifact.Path, cfg.Load)
	if err != nil {
		return r.fail(fmt.Errorf("data load failed: %w", err))
	}
	if loadResult.Error != nil {
		logToolFailure(r.logger, loadResult.ToolResult, "data load failed")
		return r.fail(fmt.Errorf("data load failed: %w", loadResult.Error))
	}

	r.enter(models.StateDone)
	r.result.Duration = time.Since(r.result.StartTime)

	r.logger.Info().
		Str("source", cfg.Source.Address()).
		Str("destination", cfg.Destination.Address()).
		Int64("artifact_size", artifact.SizeBytes).
		Dur("duration", r.result.Duration).
		Msg("ELT pipeline completed successfully")

	return r.result, nil
}

// WaitForTargets runs only the readiness gates, source first.
func (s *Impl) WaitForTargets(ctx context.Context, cfg models.ELTConfig) error {
	if cfg.WOL != nil {
		s.runWOL(ctx, cfg, s.logger)
	}
	for _, target := range []models.ConnectionTarget{cfg.Source, cfg.Destination} {
		if err := s.waitFor(ctx, target, cfg.Readiness); err != nil {
			return err
		}
	}
	return nil
}

func (s *Impl) waitFor(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) error {
	result, err := s.readinessSvc.Wait(ctx, target, policy)
	if err != nil {
		return fmt.Errorf("%s readiness check failed: %w", target.Name, err)
	}
	if !result.Ready {
		if result.Error != nil {
			return fmt.Errorf("%w: %s at %s after %d attempt(s): %w",
				readiness.ErrNotReady, target.Name, target.Address(), result.Attempts, result.Error)
		}
		return fmt.Errorf("%w: %s at %s after %d attempt(s)",
			readiness.ErrNotReady, target.Name, target.Address(), result.Attempts)
	}
	return nil
}

// runWOL wakes the destination host. Failures are logged only: the readiness gate decides whether the host is usable.
func (s *Impl) runWOL(ctx context.Context, cfg models.ELTConfig, logger zerolog.Logger) {
	result, err := s.wolSvc.Wake(ctx, *cfg.WOL, cfg.Destination)
	if err == nil && result.Error != nil {
		err = result.Error
	}
	if err != nil {
		logger.Warn().Err(err).Str("mac", cfg.WOL.MACAddress).Msg("Wake-on-LAN failed, continuing with readiness checks")
		return
	}

	logger.Info().
		Str("target", result.Target).
		Str("broadcast", result.Address).
		Msg("Wake-on-LAN packet sent")
}

func logToolFailure(logger zerolog.Logger, res models.ToolResult, msg string) {
	logger.Error().
		Err(res.Error).
		Str("tool", res.Tool).
		Int("returncode", res.ExitCode).
		Str("stderr", res.Stderr).
		Msg(msg)
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.ELTConfig, r *run) {
	result, err := s.telegramSvc.NotifyRun(ctx, cfg, r.result)
	if err == nil && result.Error != nil {
		err = result.Error
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}

	r.logger.Info().Msg("Telegram notification sent")
}
