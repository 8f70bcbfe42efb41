package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestPrintSummary_MasksPasswords(t *testing.T) {
	cfg := &models.ELTConfig{
		Source:      models.ConnectionTarget{Host: "db-a", Port: 5432, Database: "shop", User: "ro", Password: "top-secret-a"},
		Destination: models.ConnectionTarget{Host: "db-b", Port: 5433, Database: "shop_copy", User: "rw"},
		Readiness:   models.ReadinessPolicy{MaxAttempts: 5, Delay: 5 * time.Second, Mode: "strict"},
		Artifact:    models.ArtifactSettings{Path: "data_dump.sql"},
		Telegram:    &models.TelegramConfig{BotToken: "bot-secret", ChatID: "42"},
	}

	var buf bytes.Buffer
	printSummary(&buf, cfg)
	out := buf.String()

	assert.Contains(t, out, "Configuration is valid!")
	assert.Contains(t, out, "Host: db-a")
	assert.Contains(t, out, "Port: 5433")
	assert.Contains(t, out, "Database: shop_copy")
	assert.Contains(t, out, "Mode: strict")
	assert.Contains(t, out, "Delay: 5s")
	assert.Contains(t, out, "Password: (configured)")
	assert.Contains(t, out, "Password: (none)")
	assert.Contains(t, out, "Chat ID: 42")
	assert.NotContains(t, out, "top-secret-a")
	assert.NotContains(t, out, "bot-secret")
}
