// Package postprocess turns a finished recording and an overlay plan into
// a processed asset hosted by the asset store.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collicam/internal/overlay"
	"collicam/internal/recording"
)

var (
	// ErrUploadFailed wraps failures of the artifact upload leg
	ErrUploadFailed = errors.New("upload failed")

	// ErrTransformFailed wraps failures of the overlay transform leg
	ErrTransformFailed = errors.New("transform failed")
)

// Uploader stores a recorded blob and returns its URL
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// TransformRequest is the body of POST /api/process-video
type TransformRequest struct {
	VideoURL string   `json:"videoUrl"`
	Images   []string `json:"images"`
	Duration float64  `json:"duration"`
}

// TransformResponse is the successful reply of the forwarding endpoint
type TransformResponse struct {
	ProcessedVideoURL string `json:"processedVideoUrl"`
}

// Transformer applies the overlay transform and returns the result URL
type Transformer interface {
	Transform(ctx context.Context, req TransformRequest) (string, error)
}

// ProcessedAsset is the outcome of a submission
type ProcessedAsset struct {
	ID          string       `json:"id"`
	RecordingID string       `json:"recordingId"`
	SourceURL   string       `json:"sourceUrl"`
	Plan        overlay.Plan `json:"overlayPlan"`
	ResultURL   string       `json:"resultUrl"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Client submits recordings for post-processing. Neither leg is retried.
type Client struct {
	uploader    Uploader
	transformer Transformer
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// NewClient creates a new post-processing client
func NewClient(uploader Uploader, transformer Transformer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		uploader:    uploader,
		transformer: transformer,
		logger:      logger.Named("postprocess"),
		now:         time.Now,
		newID:       newAssetID,
	}
}

// Submit uploads the artifact and requests the overlay transform. The
// artifact is left untouched on failure so the caller can retry.
func (c *Client) Submit(ctx context.Context, artifact recording.Artifact, plan overlay.Plan) (*ProcessedAsset, error) {
	if len(artifact.Data) == 0 {
		return nil, recording.ErrNoArtifact
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: empty overlay plan", overlay.ErrInsufficientInput)
	}

	start := c.now()
	sourceURL, err := c.uploader.Upload(ctx, filename(artifact), artifact.Data)
	if err != nil {
		c.logger.Warn("upload leg failed", zap.String("recording", artifact.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	resultURL, err := c.transformer.Transform(ctx, TransformRequest{
		VideoURL: sourceURL,
		Images:   plan.Images(),
		Duration: float64(artifact.ElapsedSeconds),
	})
	if err != nil {
		c.logger.Warn("transform leg failed", zap.String("recording", artifact.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrTransformFailed, err)
	}

	asset := &ProcessedAsset{
		ID:          c.newID(),
		RecordingID: artifact.ID,
		SourceURL:   sourceURL,
		Plan:        append(overlay.Plan(nil), plan...),
		ResultURL:   resultURL,
		CreatedAt:   c.now(),
	}
	c.logger.Info("recording processed",
		zap.String("recording", artifact.ID),
		zap.Int("overlays", len(plan)),
		zap.String("result", resultURL),
		zap.Duration("took", asset.CreatedAt.Sub(start)))
	return asset, nil
}

func filename(a recording.Artifact) string {
	ext := ".bin"
	switch a.MimeType {
	case "video/webm":
		ext = ".webm"
	case "video/mp4":
		ext = ".mp4"
	}
	if a.ID == "" {
		return "recording" + ext
	}
	return a.ID + ext
}
