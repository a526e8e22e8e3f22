package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"avatar-pipeline/core/models"
)

// Client is an HTTP client for the speech synthesis service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new speech synthesis client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Synthesize posts text to the service and returns the rendered audio bytes
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewRecoverableError("tts_unreachable", "speech synthesis request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, models.NewInputError("tts_bad_input", "speech synthesis rejected the text or voice")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewRecoverableError("tts_rate_limited", "speech synthesis rate limited", nil)
	default:
		return nil, models.NewExternalError("tts_failed",
			fmt.Sprintf("speech synthesis returned HTTP %d", resp.StatusCode), nil)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewRecoverableError("tts_read_failed", "cannot read synthesized audio", err)
	}
	return audio, nil
}
