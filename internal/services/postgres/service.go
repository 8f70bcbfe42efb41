// Package postgres wraps the PostgreSQL client tools and driver used by the pipeline.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Tool names.
const (
	ToolPgIsReady = "pg_isready"
	ToolPgDump    = "pg_dump"
	ToolPsql      = "psql"
)

// PasswordEnvKey is the only variable added to a child process environment.
const PasswordEnvKey = "PGPASSWORD"

const connectTimeout = 10 * time.Second

// ErrEmptyArtifact is returned when pg_dump exits cleanly but leaves no usable dump.
var ErrEmptyArtifact = errors.New("dump artifact is missing or empty")

// Service defines the interface for PostgreSQL tool operations.
type Service interface {
	IsReady(ctx context.Context, target models.ConnectionTarget) error
	Connect(ctx context.Context, target models.ConnectionTarget) error
	Dump(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error)
	Load(ctx context.Context, destination models.ConnectionTarget, artifactPath string, settings models.LoadSettings) (*models.LoadResult, error)
}

// ExecOutput holds what a finished child process reported.
type ExecOutput struct {
	ExitCode int
	Stderr   string
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, env []string, name string, args ...string) (*ExecOutput, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs name with the ambient environment plus env. Stdout is discarded.
func (e *DefaultExecutor) Execute(ctx context.Context, env []string, name string, args ...string) (*ExecOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := &ExecOutput{
		ExitCode: -1,
		Stderr:   strings.TrimSpace(stderr.String()),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if out.Stderr != "" {
			return out, fmt.Errorf("%s failed: %w: %s", name, err, out.Stderr)
		}
		return out, fmt.Errorf("%s failed: %w", name, err)
	}

	return out, nil
}

// Conn is the subset of *pgx.Conn used by the connect probe.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, cfg *pgx.ConnConfig) (Conn, error)
}

// DefaultDialer connects with pgx.
type DefaultDialer struct{}

// Dial opens a single connection.
func (d *DefaultDialer) Dial(ctx context.Context, cfg *pgx.ConnConfig) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Impl implements the PostgreSQL Service interface.
type Impl struct {
	executor CommandExecutor
	dialer   Dialer
	logger   zerolog.Logger
}

// New creates a new PostgreSQL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		dialer:   &DefaultDialer{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new PostgreSQL service with a custom executor and dialer (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor, dialer Dialer) *Impl {
	return &Impl{
		executor: executor,
		dialer:   dialer,
		logger:   logger,
	}
}

// PasswordEnv returns the child-only environment carrying the password, or nil if it is empty.
func PasswordEnv(password string) []string {
	if password == "" {
		return nil
	}
	return []string{PasswordEnvKey + "=" + password}
}

func connectionArgs(t models.ConnectionTarget) []string {
	return []string{
		"-h", t.Host,
		"-p", strconv.Itoa(t.Port),
		"-U", t.User,
		"-d", t.Database,
	}
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// connString renders target as a keyword/value DSN without the password.
func connString(t models.ConnectionTarget) string {
	quote := func(v string) string { return "'" + dsnEscaper.Replace(v) + "'" }
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s connect_timeout=%d",
		quote(t.Host), t.Port, quote(t.Database), quote(t.User), int(connectTimeout.Seconds()))
}

// IsReady runs pg_isready once against target. A nil error means the server accepts connections.
// pg_isready does not authenticate, so no password is passed.
func (s *Impl) IsReady(ctx context.Context, target models.ConnectionTarget) error {
	out, err := s.executor.Execute(ctx, nil, ToolPgIsReady, connectionArgs(target)...)
	if err != nil {
		return err
	}
	if out != nil && out.ExitCode != 0 {
		return fmt.Errorf("%s exited with status %d", ToolPgIsReady, out.ExitCode)
	}
	return nil
}

// Connect opens an authenticated connection to target and closes it immediately.
func (s *Impl) Connect(ctx context.Context, target models.ConnectionTarget) error {
	cfg, err := pgx.ParseConfig(connString(target))
	if err != nil {
		return fmt.Errorf("building connection config: %w", err)
	}
	if target.Password != "" {
		cfg.Password = target.Password
	}

	conn, err := s.dialer.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}

// Dump runs pg_dump against source, writing a plain SQL artifact to artifactPath.
// The artifact is overwritten on every call and left on disk.
func (s *Impl) Dump(ctx context.Context, source models.ConnectionTarget, artifactPath string) (*models.DumpResult, error) {
	if artifactPath == "" {
		return nil, fmt.Errorf("artifact path is required")
	}

	s.logger.Info().
		Str("host", source.Host).
		Int("port", source.Port).
		Str("database", source.Database).
		Str("output", artifactPath).
		Msg("starting data extraction from source database")

	start := time.Now()
	result := &models.DumpResult{
		ToolResult: models.ToolResult{Tool: ToolPgDump, ExitCode: -1},
		Artifact:   models.DumpArtifact{Path: artifactPath},
	}

	if dir := filepath.Dir(artifactPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			result.Error = fmt.Errorf("failed to create artifact directory: %w", err)
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	args := append(connectionArgs(source), "-f", artifactPath, "-w")

	s.run(ctx, &result.ToolResult, source.Password, args)
	if result.Error != nil {
		return result, nil
	}

	info, err := os.Stat(artifactPath)
	if err != nil || info.Size() == 0 {
		result.Error = fmt.Errorf("%w: %s", ErrEmptyArtifact, artifactPath)
		return result, nil
	}
	result.Artifact.SizeBytes = info.Size()

	s.logger.Info().
		Str("output", artifactPath).
		Int64("size_bytes", result.Artifact.SizeBytes).
		Dur("duration", result.Duration).
		Msg("data extraction completed successfully")

	return result, nil
}

// Load replays the artifact against destination with psql.
func (s *Impl) Load(
	ctx context.Context,
	destination models.ConnectionTarget,
	artifactPath string,
	settings models.LoadSettings,
) (*models.LoadResult, error) {
	if artifactPath == "" {
		return nil, fmt.Errorf("artifact path is required")
	}

	s.logger.Info().
		Str("host", destination.Host).
		Int("port", destination.Port).
		Str("database", destination.Database).
		Str("input", artifactPath).
		Bool("stop_on_error", settings.StopOnError).
		Msg("starting data load into destination database")

	result := &models.LoadResult{
		ToolResult: models.ToolResult{Tool: ToolPsql, ExitCode: -1},
	}

	args := append(connectionArgs(destination), "-f", artifactPath, "-w")
	if settings.StopOnError {
		args = append(args, "-v", "ON_ERROR_STOP=1")
	}

	s.run(ctx, &result.ToolResult, destination.Password, args)
	if result.Error != nil {
		return result, nil
	}

	s.logger.Info().
		Str("input", artifactPath).
		Dur("duration", result.Duration).
		Msg("data load completed successfully")

	return result, nil
}

// run executes res.Tool and records the outcome in res.
func (s *Impl) run(ctx context.Context, res *models.ToolResult, password string, args []string) {
	start := time.Now()
	out, err := s.executor.Execute(ctx, PasswordEnv(password), res.Tool, args...)
	res.Duration = time.Since(start)

	switch {
	case out != nil:
		res.ExitCode = out.ExitCode
		res.Stderr = out.Stderr
	case err == nil:
		res.ExitCode = 0
	}
	if err != nil {
		res.Error = err
		return
	}
	if res.ExitCode != 0 {
		res.Error = fmt.Errorf("%s exited with status %d", res.Tool, res.ExitCode)
	}
}
