// Package baas is the HTTP client for the meeting-hosting service. It
// registers bots into meetings, deduplicates concurrent joins through
// server-side deduplication keys, and removes bots on teardown.
package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/meetkit/bot-gateway/internal/resilience"
	"github.com/rs/zerolog"
)

var (
	// ErrRegistration is returned when the meeting service rejects a join.
	ErrRegistration = errors.New("bot registration failed")
	// ErrDeregistration is returned when a bot cannot be removed.
	ErrDeregistration = errors.New("bot removal failed")
)

const apiKeyHeader = "x-meeting-baas-api-key"

// Client talks to the meeting-hosting service REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryCfg   *resilience.RetryConfig
	logger     zerolog.Logger
}

// NewClient creates a meeting service client.
func NewClient(baseURL, apiKey string, timeout time.Duration, retryCfg *resilience.RetryConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retryCfg:   retryCfg,
		logger:     observability.GetLogger().With().Str("component", "baas").Logger(),
	}
}

// JoinRequest describes one bot to place into a meeting.
type JoinRequest struct {
	MeetingURL       string
	BotName          string
	WebSocketURL     string // Public wss:// URL the service streams audio to and from
	DeduplicationKey string
	EntryMessage     string
	BotImage         string
	RecorderOnly     bool
	AudioFrequency   string // e.g. "24khz"
	Extra            map[string]any
}

type streamingConfig struct {
	Input          string `json:"input,omitempty"`
	Output         string `json:"output,omitempty"`
	AudioFrequency string `json:"audio_frequency,omitempty"`
}

type joinPayload struct {
	MeetingURL       string           `json:"meeting_url"`
	BotName          string           `json:"bot_name"`
	RecordingMode    string           `json:"recording_mode"`
	Reserved         bool             `json:"reserved"`
	DeduplicationKey string           `json:"deduplication_key"`
	EntryMessage     string           `json:"entry_message,omitempty"`
	BotImage         string           `json:"bot_image,omitempty"`
	SpeechToText     map[string]any   `json:"speech_to_text"`
	Streaming        *streamingConfig `json:"streaming,omitempty"`
	Extra            map[string]any   `json:"extra"`
}

type joinResponse struct {
	BotID string `json:"bot_id"`
}

type errorResponse struct {
	BotID   string `json:"bot_id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// JoinMeeting registers a bot and returns the service-assigned bot id.
//
// A conflict response that carries an existing bot id is treated as success:
// the deduplication key matched an already-registered bot, and we adopt it
// rather than double-join the meeting.
func (c *Client) JoinMeeting(ctx context.Context, req JoinRequest) (string, error) {
	payload := joinPayload{
		MeetingURL:       req.MeetingURL,
		BotName:          req.BotName,
		RecordingMode:    "speaker_view",
		DeduplicationKey: req.DeduplicationKey,
		EntryMessage:     req.EntryMessage,
		BotImage:         req.BotImage,
		SpeechToText:     map[string]any{"provider": "Default"},
		Extra:            req.Extra,
	}
	if payload.Extra == nil {
		payload.Extra = map[string]any{}
	}
	if !req.RecorderOnly {
		freq := req.AudioFrequency
		if freq == "" {
			freq = "24khz"
		}
		payload.Streaming = &streamingConfig{
			Input:          req.WebSocketURL,
			Output:         req.WebSocketURL,
			AudioFrequency: freq,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	var botID string
	err = resilience.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bots", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(apiKeyHeader, c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var jr joinResponse
			if err := json.Unmarshal(raw, &jr); err != nil {
				return fmt.Errorf("failed to decode join response: %w", err)
			}
			if jr.BotID == "" {
				return fmt.Errorf("join response missing bot_id")
			}
			botID = jr.BotID
			return nil

		case resp.StatusCode == http.StatusConflict:
			var er errorResponse
			if json.Unmarshal(raw, &er) == nil && er.BotID != "" {
				c.logger.Info().
					Str("bot_id", er.BotID).
					Str("deduplication_key", req.DeduplicationKey).
					Msg("Adopting already-registered bot")
				botID = er.BotID
				return nil
			}
			return fmt.Errorf("duplicate registration rejected: %s", strings.TrimSpace(string(raw)))

		default:
			return fmt.Errorf("service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}, c.retryCfg, resilience.IsRetryableNetworkError)

	if err != nil {
		observability.RecordRegistration("failure")
		return "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	observability.RecordRegistration("success")
	c.logger.Info().
		Str("bot_id", botID).
		Str("bot_name", req.BotName).
		Str("meeting_url", req.MeetingURL).
		Msg("Bot registered with meeting service")
	return botID, nil
}

// LeaveMeeting removes a registered bot. A not-found response counts as
// success so teardown stays idempotent.
func (c *Client) LeaveMeeting(ctx context.Context, botID string) error {
	if botID == "" {
		return nil
	}

	err := resilience.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/bots/"+botID, nil)
		if err != nil {
			return err
		}
		req.Header.Set(apiKeyHeader, c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil
		default:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}, c.retryCfg, resilience.IsRetryableNetworkError)

	if err != nil {
		return fmt.Errorf("%w: bot %s: %v", ErrDeregistration, botID, err)
	}

	c.logger.Info().Str("bot_id", botID).Msg("Bot removed from meeting service")
	return nil
}

// DedupKey builds the deduplication key the meeting service uses to collapse
// concurrent join attempts for the same logical bot.
//
// Speaking bots share a stable key per persona (plus an instance suffix when
// several copies of the same persona join one meeting), so a retried join
// adopts the existing bot. Recorder-only bots get a fresh random key because
// every recording request is its own bot.
func DedupKey(persona string, recorderOnly bool, suffix string) string {
	if recorderOnly {
		return "BaaS-Recorder-" + uuid.NewString()[:8]
	}
	key := persona + "-BaaS"
	if suffix != "" {
		key += "-" + suffix
	}
	return key
}
