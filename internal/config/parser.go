// Package config provides configuration loading from environment and file.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/spf13/viper"
)

// Readiness probe modes.
const (
	ModePgIsReady = "pg_isready"
	ModeConnect   = "connect"
	ModeStrict    = "strict"
)

// envBindings maps configuration keys to the environment variables that override them.
var envBindings = map[string]string{
	"source.host":            "SOURCE_POSTGRES_HOST",
	"source.port":            "SOURCE_POSTGRES_PORT",
	"source.database":        "SOURCE_POSTGRES_DB",
	"source.user":            "SOURCE_POSTGRES_USER",
	"source.password":        "SOURCE_POSTGRES_PASSWORD",
	"destination.host":       "DESTINATION_POSTGRES_HOST",
	"destination.port":       "DESTINATION_POSTGRES_PORT",
	"destination.database":   "DESTINATION_POSTGRES_DB",
	"destination.user":       "DESTINATION_POSTGRES_USER",
	"destination.password":   "DESTINATION_POSTGRES_PASSWORD",
	"readiness.max_attempts": "ELT_READINESS_MAX_ATTEMPTS",
	"readiness.delay":        "ELT_READINESS_DELAY",
	"readiness.mode":         "ELT_READINESS_MODE",
	"artifact.path":          "ELT_ARTIFACT_PATH",
	"load.stop_on_error":     "ELT_LOAD_STOP_ON_ERROR",
}

// SetDefaults declares every fallback value in one place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.host", "source_postgres")
	v.SetDefault("source.port", 5432)
	v.SetDefault("source.database", "source_db")
	v.SetDefault("source.user", "postgres")
	v.SetDefault("source.password", "secret")

	v.SetDefault("destination.host", "destination_postgres")
	v.SetDefault("destination.port", 5432)
	v.SetDefault("destination.database", "destination_db")
	v.SetDefault("destination.user", "postgres")
	v.SetDefault("destination.password", "secret")

	v.SetDefault("readiness.max_attempts", 5)
	v.SetDefault("readiness.delay", "5s")
	v.SetDefault("readiness.mode", ModePgIsReady)

	v.SetDefault("artifact.path", "data_dump.sql")
	v.SetDefault("load.stop_on_error", true)
}

// Parser handles configuration parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser with defaults and environment bindings applied.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)
	for key, env := range envBindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}
	return &Parser{v: v}
}

// Load builds the configuration from defaults and environment only.
func (p *Parser) Load() (*models.ELTConfig, error) {
	return p.parse()
}

// LoadFile loads configuration from a file path. Environment variables still take precedence.
func (p *Parser) LoadFile(path string) (*models.ELTConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.ELTConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.ELTConfig, error) {
	delay, err := p.duration("readiness.delay")
	if err != nil {
		return nil, err
	}

	cfg := &models.ELTConfig{
		Source:      p.target("source"),
		Destination: p.target("destination"),
		Readiness: models.ReadinessPolicy{
			MaxAttempts: p.v.GetInt("readiness.max_attempts"),
			Delay:       delay,
			Mode:        strings.ToLower(p.v.GetString("readiness.mode")),
		},
		Artifact: models.ArtifactSettings{
			Path: p.v.GetString("artifact.path"),
		},
		Load: models.LoadSettings{
			StopOnError: p.v.GetBool("load.stop_on_error"),
		},
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") {
		cfg.WOL = &models.WOLConfig{
			MACAddress:  p.v.GetString("wol.mac_address"),
			BroadcastIP: p.v.GetString("wol.broadcast_ip"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("wol.mac_address is required when wol is configured")
		}
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

func (p *Parser) target(name string) models.ConnectionTarget {
	return models.ConnectionTarget{
		Name:     name,
		Host:     p.v.GetString(name + ".host"),
		Port:     p.v.GetInt(name + ".port"),
		Database: p.v.GetString(name + ".database"),
		User:     p.v.GetString(name + ".user"),
		Password: p.expandEnv(p.v.GetString(name + ".password")),
	}
}

// duration reads key as a duration. A bare number is taken as seconds, so
// ELT_READINESS_DELAY=5 means five seconds.
func (p *Parser) duration(key string) (time.Duration, error) {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.ELTConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	for _, t := range []models.ConnectionTarget{cfg.Source, cfg.Destination} {
		if err := validateTarget(t); err != nil {
			return err
		}
	}

	if cfg.Readiness.MaxAttempts < 1 {
		return fmt.Errorf("readiness.max_attempts must be at least 1")
	}
	if cfg.Readiness.Delay < 0 {
		return fmt.Errorf("readiness.delay must not be negative")
	}

	validModes := map[string]bool{ModePgIsReady: true, ModeConnect: true, ModeStrict: true}
	if !validModes[cfg.Readiness.Mode] {
		return fmt.Errorf("readiness.mode must be one of: pg_isready, connect, strict")
	}

	if cfg.Artifact.Path == "" {
		return fmt.Errorf("artifact.path is required")
	}

	return nil
}

func validateTarget(t models.ConnectionTarget) error {
	if t.Host == "" {
		return fmt.Errorf("%s.host is required", t.Name)
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535", t.Name)
	}
	if t.Database == "" {
		return fmt.Errorf("%s.database is required", t.Name)
	}
	if t.User == "" {
		return fmt.Errorf("%s.user is required", t.Name)
	}
	return nil
}
