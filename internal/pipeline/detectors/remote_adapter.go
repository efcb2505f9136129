package detectors

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"collicam/internal/detection"
	"collicam/internal/pipeline"
)

// RemoteAdapter wraps an asynchronously loaded detection client to
// implement the unified Detector interface
type RemoteAdapter struct {
	name     string
	model    *detection.AsyncModel
	minScore float64
	quality  int
}

// NewRemoteAdapter creates a new adapter over model. Detections scoring
// below minScore are dropped.
func NewRemoteAdapter(name string, model *detection.AsyncModel, minScore float64) *RemoteAdapter {
	return &RemoteAdapter{
		name:     name,
		model:    model,
		minScore: minScore,
		quality:  80,
	}
}

var _ pipeline.Detector = (*RemoteAdapter)(nil)

func (a *RemoteAdapter) Name() string {
	return a.name
}

func (a *RemoteAdapter) Ready() bool {
	return a.model != nil && a.model.Ready()
}

func (a *RemoteAdapter) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
	if a.model == nil {
		return nil, fmt.Errorf("%s: %w", a.name, pipeline.ErrDetectorNotReady)
	}
	client, err := a.model.Client()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", a.name, pipeline.ErrDetectorNotReady, err)
	}
	if frame == nil || frame.Image == nil {
		return nil, pipeline.ErrNoFrame
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	result, err := client.Detect(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s detection failed: %w", a.name, err)
	}
	return a.convert(result), nil
}

func (a *RemoteAdapter) Close() error {
	if a.model == nil {
		return nil
	}
	return a.model.Close()
}

// convert maps service objects to pipeline detections
func (a *RemoteAdapter) convert(result *detection.Result) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(result.Objects))
	for _, o := range result.Objects {
		if o.Score < a.minScore || len(o.BBox) < 4 {
			continue
		}
		out = append(out, pipeline.Detection{
			Class: o.Class,
			BBox:  pipeline.BBoxFromXYWH(o.BBox),
			Score: o.Score,
		})
	}
	return out
}
