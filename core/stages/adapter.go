package stages

import (
	"context"
	"time"
)

// BoundingBox is one detected person region with a confidence score
type BoundingBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Detector locates persons in a photo
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]BoundingBox, error)
}

// Segmenter strips the background from a photo, keeping the selected person
type Segmenter interface {
	RemoveBackground(ctx context.Context, image []byte, box BoundingBox) ([]byte, error)
}

// Synthesizer turns text into speech audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Mixer overlays background music onto a voice clip; audio processing is
// opaque to the pipeline
type Mixer interface {
	Mix(ctx context.Context, voice []byte, bgm string, volume float64) ([]byte, error)
}

// RenderState is the remote render service's job status
type RenderState string

const (
	RenderQueued     RenderState = "queued"
	RenderProcessing RenderState = "processing"
	RenderDone       RenderState = "done"
	RenderError      RenderState = "error"
	RenderRejected   RenderState = "rejected"
)

// RenderStatus is one poll result from the remote render service
type RenderStatus struct {
	State     RenderState `json:"status"`
	Progress  int         `json:"progress"`
	ResultURL string      `json:"result_url,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// RenderService is the remote rendering API: upload assets, submit one job,
// poll its status. A submitted job is never resubmitted; only Poll is retried.
type RenderService interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
	Submit(ctx context.Context, imageURL, audioURL string) (string, error)
	Poll(ctx context.Context, jobID string) (RenderStatus, error)
}

// Backoff produces bounded exponential delays for retrying transient failures
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay to wait before the next attempt
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := base << b.attempt
	if d > max || d < base { // overflow guard
		d = max
	} else {
		b.attempt++
	}
	return d
}

// Reset clears the attempt counter after a success
func (b *Backoff) Reset() {
	b.attempt = 0
}
