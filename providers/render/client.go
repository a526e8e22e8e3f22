package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/stages"
)

// Client is an HTTP client for the remote avatar rendering service. One job
// per task: Upload assets, Submit once, then Poll until a terminal status.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new render service client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

type submitRequest struct {
	ImageURL string `json:"image_url"`
	AudioURL string `json:"audio_url"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Upload sends one asset to the render service and returns its remote URL
func (c *Client) Upload(ctx context.Context, name string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/assets", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Asset-Name", name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", models.NewRecoverableError("render_upload_failed", "asset upload request failed", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "render_upload"); err != nil {
		return "", err
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.NewExternalError("render_upload_bad_response", "cannot decode upload response", err)
	}
	return out.URL, nil
}

// Submit creates one render job for the uploaded assets and returns its id
func (c *Client) Submit(ctx context.Context, imageURL, audioURL string) (string, error) {
	payload, err := json.Marshal(submitRequest{ImageURL: imageURL, AudioURL: audioURL})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", models.NewRecoverableError("render_submit_failed", "render submit request failed", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "render_submit"); err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.NewExternalError("render_submit_bad_response", "cannot decode submit response", err)
	}
	if out.JobID == "" {
		return "", models.NewExternalError("render_submit_bad_response", "submit response missing job id", nil)
	}
	return out.JobID, nil
}

// Poll fetches the current status of a render job
func (c *Client) Poll(ctx context.Context, jobID string) (stages.RenderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return stages.RenderStatus{}, err
	}
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stages.RenderStatus{}, models.NewRecoverableError("render_poll_failed", "render status request failed", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "render_poll"); err != nil {
		return stages.RenderStatus{}, err
	}

	var out stages.RenderStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stages.RenderStatus{}, models.NewExternalError("render_poll_bad_response", "cannot decode status response", err)
	}
	return out, nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// checkStatus maps HTTP status codes to the error taxonomy. Rate limiting
// carries the server-indicated backoff so the caller can wait exactly as told.
func (c *Client) checkStatus(resp *http.Response, codePrefix string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.StageError{
			Kind:       models.ErrKindRecoverable,
			Code:       codePrefix + "_rate_limited",
			Message:    "render service rate limited",
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.NewInputError(codePrefix+"_rejected",
			fmt.Sprintf("render service rejected the request: %s", body))
	default:
		return models.NewExternalError(codePrefix+"_error",
			fmt.Sprintf("render service returned HTTP %d", resp.StatusCode), nil)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
