package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/stages"
)

// Client is an HTTP client for the person detection model server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new detection client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type detectResponse struct {
	Boxes []stages.BoundingBox `json:"boxes"`
}

// Detect posts the photo to the model server and returns person bounding
// boxes with confidence scores
func (c *Client) Detect(ctx context.Context, image []byte) ([]stages.BoundingBox, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewRecoverableError("detection_unreachable", "detection service request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, models.NewInputError("detection_bad_input", readErrorBody(resp.Body))
	case resp.StatusCode == http.StatusInsufficientStorage || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewResourceError("detection_overloaded", readErrorBody(resp.Body), nil)
	default:
		return nil, models.NewExternalError("detection_failed",
			fmt.Sprintf("detection service returned HTTP %d", resp.StatusCode), nil)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.NewExternalError("detection_bad_response", "cannot decode detection response", err)
	}
	return out.Boxes, nil
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	if len(body) == 0 {
		return "no detail provided"
	}
	return string(body)
}
