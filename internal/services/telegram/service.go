// Package telegram reports finished extract-load runs to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/rs/zerolog"
)

const (
	defaultAPIURL = "https://api.telegram.org"

	// maxResponseBytes caps how much of a Bot API reply is decoded.
	maxResponseBytes = 64 << 10
)

// Service defines the interface for run notifications.
type Service interface {
	NotifyRun(ctx context.Context, cfg models.ELTConfig, result *models.PipelineResult) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	apiURL     string
	logger     zerolog.Logger
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     defaultAPIURL,
		logger:     logger,
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client and API URL (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, apiURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		apiURL:     apiURL,
		logger:     logger,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope every Bot API method replies with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// NotifyRun sends a report of a finished run. Delivery failures are stored in the
// result; the returned error is reserved for a missing Telegram section or result.
func (s *Impl) NotifyRun(ctx context.Context, cfg models.ELTConfig, result *models.PipelineResult) (*models.TelegramResult, error) {
	if cfg.Telegram == nil {
		return nil, errors.New("telegram is not configured")
	}
	if result == nil {
		return nil, errors.New("pipeline result is required")
	}

	s.logger.Debug().
		Str("run_id", result.RunID).
		Str("state", string(result.State)).
		Str("chat_id", cfg.Telegram.ChatID).
		Msg("sending run report")

	out := &models.TelegramResult{}
	if err := s.sendMessage(ctx, *cfg.Telegram, renderReport(cfg.Source, cfg.Destination, result)); err != nil {
		out.Error = err
		return out, nil
	}
	out.MessageSent = true

	return out, nil
}

func (s *Impl) sendMessage(ctx context.Context, tg models.TelegramConfig, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                tg.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encoding sendMessage request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, tg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// *url.Error repeats the endpoint, which carries the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("sendMessage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var reply apiResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&reply)

	switch {
	case resp.StatusCode != http.StatusOK && reply.Description != "":
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, reply.Description)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	case decodeErr != nil:
		return fmt.Errorf("decoding sendMessage reply: %w", decodeErr)
	case !reply.OK:
		return fmt.Errorf("telegram API rejected message: %s", reply.Description)
	}

	return nil
}

var stageLabels = map[models.State]string{
	models.StateIdle:               "starting",
	models.StateWaitingSource:      "waiting for the source database",
	models.StateWaitingDestination: "waiting for the destination database",
	models.StateExtracting:         "extracting with pg_dump",
	models.StateLoading:            "loading with psql",
}

func stageLabel(s models.State) string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// renderReport builds the HTML message body for a finished run.
func renderReport(source, destination models.ConnectionTarget, result *models.PipelineResult) string {
	var b strings.Builder

	if result.State == models.StateDone {
		b.WriteString("✅ <b>ELT run succeeded</b>\n\n")
	} else {
		b.WriteString("❌ <b>ELT run failed</b>\n\n")
	}

	fmt.Fprintf(&b, "<b>Run:</b> <code>%s</code>\n", html.EscapeString(result.RunID))
	fmt.Fprintf(&b, "<b>Source:</b> %s\n", html.EscapeString(source.Address()))
	fmt.Fprintf(&b, "<b>Destination:</b> %s\n", html.EscapeString(destination.Address()))
	fmt.Fprintf(&b, "<b>Started:</b> %s\n", result.StartTime.Format(time.DateTime))
	fmt.Fprintf(&b, "<b>Duration:</b> %s\n", result.Duration.Round(time.Second))

	if a := result.Artifact; a != nil {
		fmt.Fprintf(&b, "<b>Dump:</b> <code>%s</code> (%s)\n", html.EscapeString(a.Path), humanize.IBytes(uint64(a.SizeBytes)))
	}

	if result.State == models.StateFailed {
		fmt.Fprintf(&b, "\n<b>Failed while %s</b>\n", stageLabel(result.FailedStage))
		if result.Error != nil {
			fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(result.Error.Error()))
		}
	}

	return b.String()
}
