// Package readiness polls database endpoints until they accept connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/gopg-elt/internal/config"
	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/rs/zerolog"
)

// ErrNotReady is reported when a target did not become ready within its attempt budget.
var ErrNotReady = errors.New("database not ready")

// Service defines the interface for the readiness gate.
type Service interface {
	Wait(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error)
}

// Prober performs single readiness probes. It is satisfied by postgres.Service.
type Prober interface {
	IsReady(ctx context.Context, target models.ConnectionTarget) error
	Connect(ctx context.Context, target models.ConnectionTarget) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Impl implements the readiness Service interface.
type Impl struct {
	prober Prober
	sleep  SleepFunc
	logger zerolog.Logger
}

// New creates a new readiness gate using prober for individual probes.
func New(logger zerolog.Logger, prober Prober) *Impl {
	return &Impl{
		prober: prober,
		sleep:  sleep,
		logger: logger,
	}
}

// NewWithSleep creates a readiness gate with a custom sleep function (for testing).
func NewWithSleep(logger zerolog.Logger, prober Prober, sleepFn SleepFunc) *Impl {
	return &Impl{
		prober: prober,
		sleep:  sleepFn,
		logger: logger,
	}
}

// Wait probes target up to policy.MaxAttempts times with a fixed policy.Delay between attempts.
// An exhausted budget is reported through result.Ready, not the returned error.
func (s *Impl) Wait(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error) {
	if policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", policy.MaxAttempts)
	}
	probe, err := s.probeFor(policy.Mode)
	if err != nil {
		return nil, err
	}

	result := &models.ReadinessResult{}
	start := time.Now()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		probeErr := probe(ctx, target)
		if probeErr == nil {
			result.Ready = true
			result.Error = nil
			result.WaitDuration = time.Since(start)

			s.logger.Info().
				Str("target", target.Name).
				Str("host", target.Host).
				Int("attempt", attempt).
				Int("max_attempts", policy.MaxAttempts).
				Msg("database connection successful")

			return result, nil
		}

		result.Error = probeErr
		s.logger.Warn().
			Err(probeErr).
			Str("target", target.Name).
			Str("host", target.Host).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("database not ready, retrying")

		if attempt == policy.MaxAttempts {
			break
		}

		if err := s.sleep(ctx, policy.Delay); err != nil {
			result.Error = err
			result.WaitDuration = time.Since(start)
			return result, nil
		}
	}

	result.WaitDuration = time.Since(start)

	s.logger.Error().
		Str("target", target.Name).
		Str("host", target.Host).
		Int("total_attempts", result.Attempts).
		Msg("failed to connect to database")

	return result, nil
}

func (s *Impl) probeFor(mode string) (func(context.Context, models.ConnectionTarget) error, error) {
	switch mode {
	case "", config.ModePgIsReady:
		return s.prober.IsReady, nil
	case config.ModeConnect:
		return s.prober.Connect, nil
	case config.ModeStrict:
		return func(ctx context.Context, target models.ConnectionTarget) error {
			if err := s.prober.IsReady(ctx, target); err != nil {
				return err
			}
			return s.prober.Connect(ctx, target)
		}, nil
	default:
		return nil, fmt.Errorf("unknown readiness mode %q", mode)
	}
}
