package segmenter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"avatar-pipeline/core/models"
	"avatar-pipeline/core/stages"
)

// Client is an HTTP client for the background segmentation model server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new segmentation client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RemoveBackground posts the photo and the selected person's bounding box
// to the model server and returns the background-stripped image
func (c *Client) RemoveBackground(ctx context.Context, image []byte, box stages.BoundingBox) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/segment", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	q := req.URL.Query()
	q.Set("x", strconv.Itoa(box.X))
	q.Set("y", strconv.Itoa(box.Y))
	q.Set("width", strconv.Itoa(box.Width))
	q.Set("height", strconv.Itoa(box.Height))
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewRecoverableError("segmentation_unreachable", "segmentation service request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, models.NewInputError("segmentation_bad_input", "segmentation service rejected the image")
	case resp.StatusCode == http.StatusInsufficientStorage || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewResourceError("segmentation_overloaded", "segmentation service out of capacity", nil)
	default:
		return nil, models.NewExternalError("segmentation_failed",
			fmt.Sprintf("segmentation service returned HTTP %d", resp.StatusCode), nil)
	}

	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewRecoverableError("segmentation_read_failed", "cannot read segmented image", err)
	}
	return result, nil
}
