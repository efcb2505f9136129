package detection

import (
	"context"
	"errors"
)

// ErrNotReady is returned when the model has not finished loading
var ErrNotReady = errors.New("detection model not ready")

// Object is a detected object as reported by a detection service.
// BBox is [x, y, width, height] in frame pixels.
type Object struct {
	Class string    `json:"class"`
	BBox  []float64 `json:"bbox"`
	Score float64   `json:"score"`
}

// Result is the response to one detection request
type Result struct {
	Objects         []Object `json:"detections"`
	InferenceTimeMs float64  `json:"inference_time_ms"`
	Device          string   `json:"device,omitempty"`
}

// Client runs object detection on JPEG encoded frames
type Client interface {
	// Detect runs inference on a single frame
	Detect(ctx context.Context, jpeg []byte) (*Result, error)

	// Healthy reports whether the service is reachable and serving
	Healthy(ctx context.Context) bool

	// Close releases client resources
	Close() error
}
