// Package models contains the data structures used throughout gopg-elt.
package models

import "time"

// ELTConfig holds the complete configuration for an extract-load run.
type ELTConfig struct {
	Source      ConnectionTarget
	Destination ConnectionTarget
	Readiness   ReadinessPolicy
	Artifact    ArtifactSettings
	Load        LoadSettings
	WOL         *WOLConfig      // nil if not configured
	Telegram    *TelegramConfig // nil if not configured
}

// ReadinessPolicy controls how long the readiness gate keeps probing.
type ReadinessPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Mode        string // "pg_isready" (default), "connect", "strict"
}

// ArtifactSettings holds the location of the dump hand-off file.
type ArtifactSettings struct {
	Path string
}

// LoadSettings holds replay options for psql.
type LoadSettings struct {
	StopOnError bool // passes -v ON_ERROR_STOP=1 so failing statements fail the load
}
