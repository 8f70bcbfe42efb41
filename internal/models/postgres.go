package models

import (
	"fmt"
	"time"
)

// ConnectionTarget identifies one PostgreSQL endpoint.
type ConnectionTarget struct {
	Name     string // "source" or "destination", used for logging only
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Address returns host:port/database for log output.
func (t ConnectionTarget) Address() string {
	return fmt.Sprintf("%s:%d/%s", t.Host, t.Port, t.Database)
}

// DumpArtifact is the file handed from the extract step to the load step.
type DumpArtifact struct {
	Path      string
	SizeBytes int64
}

// ToolResult holds the outcome of one external tool invocation.
type ToolResult struct {
	Tool     string
	ExitCode int // -1 if the tool did not run to completion
	Stderr   string
	Duration time.Duration
	Error    error
}

// DumpResult holds the result of a pg_dump operation.
type DumpResult struct {
	ToolResult
	Artifact DumpArtifact
}

// LoadResult holds the result of a psql replay.
type LoadResult struct {
	ToolResult
}

// ReadinessResult holds the outcome of a readiness gate.
type ReadinessResult struct {
	Ready        bool
	Attempts     int
	WaitDuration time.Duration
	Error        error // last probe error, if any
}
