package mixer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"avatar-pipeline/core/models"
)

// Client is an HTTP client for the audio mixing service. Mixing is opaque to
// the pipeline: voice in, voice-with-BGM out.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new audio mixer client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Mix overlays the named background music track onto the voice clip
func (c *Client) Mix(ctx context.Context, voice []byte, bgm string, volume float64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mix", bytes.NewReader(voice))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	q := req.URL.Query()
	q.Set("bgm", bgm)
	q.Set("volume", strconv.FormatFloat(volume, 'f', 2, 64))
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewRecoverableError("mix_unreachable", "audio mix request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return nil, models.NewInputError("mix_bad_input", fmt.Sprintf("unknown BGM track %q", bgm))
	default:
		return nil, models.NewExternalError("mix_failed",
			fmt.Sprintf("audio mix service returned HTTP %d", resp.StatusCode), nil)
	}

	mixed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewRecoverableError("mix_read_failed", "cannot read mixed audio", err)
	}
	return mixed, nil
}
