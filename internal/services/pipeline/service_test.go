package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/fgeck/gopg-elt/internal/services/postgres"
	"github.com/fgeck/gopg-elt/internal/services/readiness"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockReadinessService struct {
	waitFunc func(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error)
	calls    *[]string
}

func (m *mockReadinessService) Wait(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error) {
	if m.calls != nil {
		*m.calls = append(*m.calls, "wait:"+target.Name)
	}
	if m.waitFunc != nil {
		return m.waitFunc(ctx, target, policy)
	}
	return &models.ReadinessResult{Ready: true, Attempts: 1}, nil
}

type mockPostgresService struct {
	dumpFunc func(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error)
	loadFunc func(ctx context.Context, destination models.ConnectionTarget, artifactPath string, settings models.LoadSettings) (*models.LoadResult, error)
	calls    *[]string
}

func (m *mockPostgresService) IsReady(ctx context.Context, target models.ConnectionTarget) error {
	return nil
}

func (m *mockPostgresService) Connect(ctx context.Context, target models.ConnectionTarget) error {
	return nil
}

func (m *mockPostgresService) Dump(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error) {
	if m.calls != nil {
		*m.calls = append(*m.calls, "dump")
	}
	if m.dumpFunc != nil {
		return m.dumpFunc(ctx, source, artifactPath)
	}
	return &models.DumpResult{
		ToolResult: models.ToolResult{Tool: postgres.ToolPgDump},
		Artifact:   models.DumpArtifact{Path: artifactPath, SizeBytes: 1024},
	}, nil
}

func (m *mockPostgresService) Load(ctx context.Context, destination models.ConnectionTarget, artifactPath string, settings models.LoadSettings) (*models.LoadResult, error) {
	if m.calls != nil {
		*m.calls = append(*m.calls, "load")
	}
	if m.loadFunc != nil {
		return m.loadFunc(ctx, destination, artifactPath, settings)
	}
	return &models.LoadResult{ToolResult: models.ToolResult{Tool: postgres.ToolPsql}}, nil
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig, target models.ConnectionTarget) (*models.WOLResult, error)
	calls    *[]string
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig, target models.ConnectionTarget) (*models.WOLResult, error) {
	if m.calls != nil {
		*m.calls = append(*m.calls, "wake:"+target.Name)
	}
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg, target)
	}
	return &models.WOLResult{Target: target.Name, Address: "255.255.255.255:9", PacketSent: true}, nil
}

type mockTelegramService struct {
	notifyFunc func(ctx context.Context, cfg models.ELTConfig, result *models.PipelineResult) (*models.TelegramResult, error)
}

func (m *mockTelegramService) NotifyRun(ctx context.Context, cfg models.ELTConfig, result *models.PipelineResult) (*models.TelegramResult, error) {
	if m.notifyFunc != nil {
		return m.notifyFunc(ctx, cfg, result)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func minimalConfig() models.ELTConfig {
	return models.ELTConfig{
		Source: models.ConnectionTarget{
			Name: "source", Host: "source_postgres", Port: 5432, Database: "source_db", User: "postgres", Password: "src",
		},
		Destination: models.ConnectionTarget{
			Name: "destination", Host: "destination_postgres", Port: 5432, Database: "destination_db", User: "postgres", Password: "dst",
		},
		Readiness: models.ReadinessPolicy{MaxAttempts: 5, Delay: 5 * time.Second, Mode: "pg_isready"},
		Artifact:  models.ArtifactSettings{Path: "data_dump.sql"},
		Load:      models.LoadSettings{StopOnError: true},
	}
}

type fixture struct {
	calls     []string
	readiness *mockReadinessService
	postgres  *mockPostgresService
	wol       *mockWOLService
	telegram  *mockTelegramService
}

func newFixture() *fixture {
	f := &fixture{}
	f.readiness = &mockReadinessService{calls: &f.calls}
	f.postgres = &mockPostgresService{calls: &f.calls}
	f.wol = &mockWOLService{calls: &f.calls}
	f.telegram = &mockTelegramService{}
	return f
}

func (f *fixture) pipeline() *Impl {
	p := NewWithServices(testLogger(), f.readiness, f.postgres, f.wol, f.telegram)
	p.newRunID = func() string { return "run-1" }
	return p
}

func notReadyFor(name string) func(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error) {
	return func(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error) {
		if target.Name == name {
			return &models.ReadinessResult{Ready: false, Attempts: policy.MaxAttempts, Error: errors.New("no response")}, nil
		}
		return &models.ReadinessResult{Ready: true, Attempts: 1}, nil
	}
}

func TestRun_Success(t *testing.T) {
	f := newFixture()

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.StateDone, result.State)
	assert.Equal(t, "run-1", result.RunID)
	assert.Empty(t, result.FailedStage)
	assert.Nil(t, result.Error)
	require.NotNil(t, result.Artifact)
	assert.Equal(t, "data_dump.sql", result.Artifact.Path)
	assert.Equal(t, int64(1024), result.Artifact.SizeBytes)

	// Dump exactly once, then load exactly once, after both gates.
	assert.Equal(t, []string{"wait:source", "wait:destination", "dump", "load"}, f.calls)
}

func TestRun_LoadUsesDumpedArtifact(t *testing.T) {
	f := newFixture()
	var loadedPath string
	var loadedSettings models.LoadSettings
	var loadedTarget models.ConnectionTarget

	f.postgres.dumpFunc = func(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error) {
		return &models.DumpResult{Artifact: models.DumpArtifact{Path: "/out/dump.sql", SizeBytes: 10}}, nil
	}
	f.postgres.loadFunc = func(ctx context.Context, destination models.ConnectionTarget, artifactPath string, settings models.LoadSettings) (*models.LoadResult, error) {
		loadedTarget = destination
		loadedPath = artifactPath
		loadedSettings = settings
		return &models.LoadResult{}, nil
	}

	_, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.NoError(t, err)
	assert.Equal(t, "/out/dump.sql", loadedPath)
	assert.True(t, loadedSettings.StopOnError)
	assert.Equal(t, "destination", loadedTarget.Name)
}

func TestRun_SourceNeverReady_NoToolInvoked(t *testing.T) {
	f := newFixture()
	f.readiness.waitFunc = notReadyFor("source")

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, readiness.ErrNotReady)
	assert.Contains(t, err.Error(), "source")
	assert.Contains(t, err.Error(), "5 attempt(s)")
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.StateWaitingSource, result.FailedStage)
	assert.Nil(t, result.Artifact)
	assert.Equal(t, []string{"wait:source"}, f.calls)
}

func TestRun_DestinationNeverReady(t *testing.T) {
	f := newFixture()
	f.readiness.waitFunc = notReadyFor("destination")

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, readiness.ErrNotReady)
	assert.Equal(t, models.StateWaitingDestination, result.FailedStage)
	assert.Equal(t, []string{"wait:source", "wait:destination"}, f.calls)
}

func TestRun_ReadinessError(t *testing.T) {
	f := newFixture()
	f.readiness.waitFunc = func(ctx context.Context, target models.ConnectionTarget, policy models.ReadinessPolicy) (*models.ReadinessResult, error) {
		return nil, errors.New("unknown readiness mode")
	}

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "source readiness check failed")
	assert.Equal(t, models.StateWaitingSource, result.FailedStage)
	assert.NotContains(t, f.calls, "dump")
}

func TestRun_ExtractFailure_LoadNeverInvoked(t *testing.T) {
	f := newFixture()
	f.postgres.dumpFunc = func(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error) {
		return &models.DumpResult{
			ToolResult: models.ToolResult{Tool: postgres.ToolPgDump, ExitCode: 1, Error: errors.New("pg_dump failed: exit status 1")},
		}, nil
	}

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "data extraction failed")
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.StateExtracting, result.FailedStage)
	assert.Equal(t, []string{"wait:source", "wait:destination", "dump"}, f.calls)
}

func TestRun_ExtractReturnsError(t *testing.T) {
	f := newFixture()
	f.postgres.dumpFunc = func(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error) {
		return nil, errors.New("artifact path is required")
	}

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.Equal(t, models.StateExtracting, result.FailedStage)
	assert.NotContains(t, f.calls, "load")
}

func TestRun_LoadFailure(t *testing.T) {
	f := newFixture()
	f.postgres.loadFunc = func(ctx context.Context, destination models.ConnectionTarget, artifactPath string, settings models.LoadSettings) (*models.LoadResult, error) {
		return &models.LoadResult{
			ToolResult: models.ToolResult{Tool: postgres.ToolPsql, ExitCode: 3, Stderr: "ERROR", Error: errors.New("psql failed")},
		}, nil
	}

	result, err := f.pipeline().Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "data load failed")
	assert.Equal(t, models.StateLoading, result.FailedStage)
	// The artifact survives a failed load.
	require.NotNil(t, result.Artifact)
	assert.Equal(t, []string{"wait:source", "wait:destination", "dump", "load"}, f.calls)
}

func TestRun_WOLRunsFirst(t *testing.T) {
	f := newFixture()
	cfg := minimalConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF", BroadcastIP: "255.255.255.255"}

	_, err := f.pipeline().Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, []string{"wake:destination", "wait:source", "wait:destination", "dump", "load"}, f.calls)
}

func TestRun_WOLFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.wol.wakeFunc = func(ctx context.Context, cfg models.WOLConfig, target models.ConnectionTarget) (*models.WOLResult, error) {
		return &models.WOLResult{Error: errors.New("network unreachable")}, nil
	}
	cfg := minimalConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}

	result, err := f.pipeline().Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, models.StateDone, result.State)
}

func TestRun_TelegramNotification(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(f *fixture)
		wantState    models.State
		wantStage    models.State
		wantArtifact bool
	}{
		{
			name:         "success",
			setup:        func(f *fixture) {},
			wantState:    models.StateDone,
			wantArtifact: true,
		},
		{
			name:      "source not ready",
			setup:     func(f *fixture) { f.readiness.waitFunc = notReadyFor("source") },
			wantState: models.StateFailed,
			wantStage: models.StateWaitingSource,
		},
		{
			name: "load failure",
			setup: func(f *fixture) {
				f.postgres.loadFunc = func(ctx context.Context, destination models.ConnectionTarget, artifactPath string, settings models.LoadSettings) (*models.LoadResult, error) {
					return &models.LoadResult{ToolResult: models.ToolResult{Error: errors.New("psql failed")}}, nil
				}
			},
			wantState:    models.StateFailed,
			wantStage:    models.StateLoading,
			wantArtifact: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			var sent *models.PipelineResult
			var sentCfg models.ELTConfig
			f.telegram.notifyFunc = func(ctx context.Context, cfg models.ELTConfig, result *models.PipelineResult) (*models.TelegramResult, error) {
				snapshot := *result
				sent = &snapshot
				sentCfg = cfg
				return &models.TelegramResult{MessageSent: true}, nil
			}

			cfg := minimalConfig()
			cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "42"}

			_, _ = f.pipeline().Run(context.Background(), cfg)

			require.NotNil(t, sent)
			assert.Equal(t, "run-1", sent.RunID)
			assert.Equal(t, tt.wantState, sent.State)
			assert.Equal(t, tt.wantStage, sent.FailedStage)
			assert.False(t, sent.StartTime.IsZero())
			assert.Equal(t, "source_db", sentCfg.Source.Database)
			if tt.wantArtifact {
				require.NotNil(t, sent.Artifact)
				assert.Equal(t, "data_dump.sql", sent.Artifact.Path)
			} else {
				assert.Nil(t, sent.Artifact)
			}
			if tt.wantState == models.StateDone {
				assert.NoError(t, sent.Error)
			} else {
				assert.Error(t, sent.Error)
			}
		})
	}
}

func TestRun_TelegramFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture()
	f.telegram.notifyFunc = func(ctx context.Context, cfg models.ELTConfig, result *models.PipelineResult) (*models.TelegramResult, error) {
		return &models.TelegramResult{Error: errors.New("status 400")}, nil
	}
	cfg := minimalConfig()
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "42"}

	result, err := f.pipeline().Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, models.StateDone, result.State)
}

func TestRunState_TerminalStagesAreNeverLeft(t *testing.T) {
	for _, terminal := range []models.State{models.StateDone, models.StateFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			r := &run{
				result: &models.PipelineResult{State: terminal, FailedStage: models.StateExtracting},
				logger: testLogger(),
			}

			r.enter(models.StateLoading)
			assert.Equal(t, terminal, r.result.State)

			failErr := errors.New("late failure")
			result, err := r.fail(failErr)
			assert.Same(t, r.result, result)
			assert.Equal(t, failErr, err)
			assert.Equal(t, terminal, result.State)
			assert.Equal(t, models.StateExtracting, result.FailedStage)
			assert.NoError(t, result.Error)
		})
	}
}

func TestRunState_FailRecordsActiveStage(t *testing.T) {
	r := &run{
		result: &models.PipelineResult{State: models.StateIdle, StartTime: time.Now()},
		logger: testLogger(),
	}

	r.enter(models.StateWaitingDestination)
	_, err := r.fail(errors.New("not ready"))

	require.Error(t, err)
	assert.Equal(t, models.StateFailed, r.result.State)
	assert.Equal(t, models.StateWaitingDestination, r.result.FailedStage)
	assert.True(t, r.result.State.Terminal())
}

func TestRun_FreshStatePerRun(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	ids := []string{"run-a", "run-b"}
	p.newRunID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	f.readiness.waitFunc = notReadyFor("source")
	first, err := p.Run(context.Background(), minimalConfig())
	require.Error(t, err)

	f.readiness.waitFunc = nil
	second, err := p.Run(context.Background(), minimalConfig())
	require.NoError(t, err)

	assert.Equal(t, "run-a", first.RunID)
	assert.Equal(t, models.StateFailed, first.State)
	assert.Equal(t, "run-b", second.RunID)
	assert.Equal(t, models.StateDone, second.State)
}

func TestWaitForTargets(t *testing.T) {
	f := newFixture()

	err := f.pipeline().WaitForTargets(context.Background(), minimalConfig())

	require.NoError(t, err)
	assert.Equal(t, []string{"wait:source", "wait:destination"}, f.calls)
}

func TestWaitForTargets_SourceNotReady(t *testing.T) {
	f := newFixture()
	f.readiness.waitFunc = notReadyFor("source")

	err := f.pipeline().WaitForTargets(context.Background(), minimalConfig())

	assert.ErrorIs(t, err, readiness.ErrNotReady)
	assert.Equal(t, []string{"wait:source"}, f.calls)
}

// scriptedExecutor fakes the PostgreSQL client tools for an end-to-end run through the real services.
type scriptedExecutor struct {
	isReady func(host string) bool
	dumpErr error
	calls   []execCall
}

type execCall struct {
	name string
	env  []string
	args []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, env []string, name string, args ...string) (*postgres.ExecOutput, error) {
	e.calls = append(e.calls, execCall{name: name, env: env, args: args})

	switch name {
	case postgres.ToolPgIsReady:
		if e.isReady != nil && !e.isReady(args[1]) {
			return &postgres.ExecOutput{ExitCode: 2}, errors.New("pg_isready failed: exit status 2")
		}
	case postgres.ToolPgDump:
		if e.dumpErr != nil {
			return &postgres.ExecOutput{ExitCode: 1}, e.dumpErr
		}
		for i, a := range args {
			if a == "-f" {
				return &postgres.ExecOutput{}, os.WriteFile(args[i+1], []byte("CREATE TABLE t();\n"), 0o600)
			}
		}
	}
	return &postgres.ExecOutput{}, nil
}

func (e *scriptedExecutor) tools() []string {
	var names []string
	for _, c := range e.calls {
		if c.name != postgres.ToolPgIsReady {
			names = append(names, c.name)
		}
	}
	return names
}

type noDialer struct{}

func (noDialer) Dial(ctx context.Context, cfg *pgx.ConnConfig) (postgres.Conn, error) {
	return nil, errors.New("dial not expected")
}

func endToEnd(exec *scriptedExecutor) *Impl {
	pg := postgres.NewWithExecutor(testLogger(), exec, noDialer{})
	gate := readiness.NewWithSleep(testLogger(), pg, func(ctx context.Context, d time.Duration) error { return nil })
	return NewWithServices(testLogger(), gate, pg, &mockWOLService{}, &mockTelegramService{})
}

func TestEndToEnd_Success(t *testing.T) {
	exec := &scriptedExecutor{}
	cfg := minimalConfig()
	cfg.Source.Password = "pw-source-9f"
	cfg.Destination.Password = "pw-destination-4c"
	cfg.Artifact.Path = t.TempDir() + "/data_dump.sql"

	result, err := endToEnd(exec).Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, models.StateDone, result.State)
	assert.Equal(t, []string{postgres.ToolPgDump, postgres.ToolPsql}, exec.tools())

	for _, c := range exec.calls {
		for _, a := range c.args {
			assert.NotContains(t, a, "pw-destination-4c", "password leaked into %s argv", c.name)
			assert.NotContains(t, a, "pw-source-9f", "password leaked into %s argv", c.name)
		}
		switch c.name {
		case postgres.ToolPgDump:
			assert.Equal(t, []string{"PGPASSWORD=pw-source-9f"}, c.env)
		case postgres.ToolPsql:
			assert.Equal(t, []string{"PGPASSWORD=pw-destination-4c"}, c.env)
		}
	}
}

func TestEndToEnd_SourceNeverReady(t *testing.T) {
	exec := &scriptedExecutor{isReady: func(host string) bool { return host != "source_postgres" }}
	cfg := minimalConfig()
	cfg.Readiness.MaxAttempts = 3

	result, err := endToEnd(exec).Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Equal(t, models.StateWaitingSource, result.FailedStage)
	assert.Len(t, exec.calls, 3)
	assert.Empty(t, exec.tools())
}

func TestEndToEnd_DumpFails(t *testing.T) {
	exec := &scriptedExecutor{dumpErr: errors.New("pg_dump failed: exit status 1")}
	cfg := minimalConfig()
	cfg.Artifact.Path = t.TempDir() + "/data_dump.sql"

	result, err := endToEnd(exec).Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Equal(t, models.StateExtracting, result.FailedStage)
	assert.Equal(t, []string{postgres.ToolPgDump}, exec.tools())
}
